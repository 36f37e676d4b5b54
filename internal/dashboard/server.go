package dashboard

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

// Status is the point-in-time view of the collector the status endpoint
// serves. The caller assembles it from the live components.
type Status struct {
	StreamState      string
	Instruments      map[models.Bucket]int
	BufferedRows     int
	OracleBuffered   int
	FilesWritten     int64
	OracleFiles      int64
	ChannelBookDepth int
}

// StatusFunc produces the current Status; it is called per request.
type StatusFunc func() Status

// Server hosts the Gin-powered status endpoint.
type Server struct {
	cfg        appconfig.DashboardConfig
	dataDir    string
	appName    string
	appVersion string
	status     StatusFunc
	startedAt  time.Time
	httpServer *http.Server
	log        *logger.Log
}

// NewServer constructs a status server when the dashboard feature is enabled.
// When disabled the returned server is nil and all methods are no-ops.
func NewServer(cfg *appconfig.Config, status StatusFunc) *Server {
	if !cfg.Dashboard.Enabled {
		return nil
	}

	return &Server{
		cfg:        appconfig.DashboardConfig{Enabled: true, Address: normalizeAddress(cfg.Dashboard.Address)},
		dataDir:    cfg.Writer.Directory,
		appName:    cfg.Polyflow.Name,
		appVersion: cfg.Polyflow.Version,
		status:     status,
		startedAt:  time.Now(),
		log:        logger.GetLogger(),
	}
}

// Run starts the status HTTP server and blocks until the context is
// cancelled or the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the status server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/status", func(c *gin.Context) {
		st := s.status()

		instruments := make(map[string]int, len(st.Instruments))
		total := 0
		for bucket, n := range st.Instruments {
			instruments[string(bucket)] = n
			total += n
		}

		c.JSON(http.StatusOK, gin.H{
			"app":            s.appName,
			"version":        s.appVersion,
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
			"stream": gin.H{
				"state":      st.StreamState,
				"reconnects": logger.Reconnects(),
				"malformed":  logger.MalformedMsgs(),
			},
			"subscriptions": gin.H{
				"total":      total,
				"per_bucket": instruments,
			},
			"writer": gin.H{
				"buffered_rows":        st.BufferedRows,
				"oracle_buffered_rows": st.OracleBuffered,
				"files_written":        st.FilesWritten,
				"oracle_files_written": st.OracleFiles,
				"data_dir_size_mb":     dirSizeMB(s.dataDir),
			},
			"counters": gin.H{
				"book_reads":   logger.BookReads(),
				"oracle_reads": logger.OracleReads(),
				"file_writes":  logger.FileWrites(),
				"s3_uploads":   logger.S3Uploads(),
			},
			"channels": gin.H{
				"book_depth": st.ChannelBookDepth,
			},
		})
	})

	return router, nil
}

func dirSizeMB(dir string) float64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / (1024 * 1024)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			return net.JoinHostPort("0.0.0.0", port)
		}
	}
	return addr
}
