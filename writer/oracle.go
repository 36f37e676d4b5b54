package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

type oracleFileWriter interface {
	WriteOracle(openedAt time.Time, rows []models.OracleEvent) (string, int64, error)
}

// OracleSink drains the reference price channel into a single buffer and
// flushes it to the oracle partition on the same size and age triggers as the
// book sink.
type OracleSink struct {
	cfg    *appconfig.Config
	events <-chan models.OracleEvent
	files  oracleFileWriter

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	rows    []models.OracleEvent
	opened  time.Time

	flushTicker  *time.Ticker
	filesWritten atomic.Int64
	log          *logger.Log
}

func NewOracleSink(cfg *appconfig.Config, events <-chan models.OracleEvent) *OracleSink {
	return &OracleSink{
		cfg:    cfg,
		events: events,
		files:  NewPartitionWriter(cfg),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (s *OracleSink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("oracle sink already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.flushTicker = time.NewTicker(s.cfg.Writer.FlushCheckInterval)

	s.log.WithComponent("oracle_sink").Info("starting oracle sink")

	s.wg.Add(1)
	go s.worker()

	return nil
}

func (s *OracleSink) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}

	s.log.WithComponent("oracle_sink").Info("stopping oracle sink")
	s.wg.Wait()
	s.drainBacklog()
	s.flush("shutdown")
	s.log.WithComponent("oracle_sink").Info("oracle sink stopped")
}

// drainBacklog empties events still queued in the channel after the worker
// exited so the shutdown flush covers everything received before the stop
// signal.
func (s *OracleSink) drainBacklog() {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.append(ev)
		default:
			return
		}
	}
}

func (s *OracleSink) BufferedRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *OracleSink) FilesWritten() int64 {
	return s.filesWritten.Load()
}

func (s *OracleSink) worker() {
	defer s.wg.Done()

	log := s.log.WithComponent("oracle_sink").WithFields(logger.Fields{"worker": "drain"})
	log.Info("starting drain worker")

	for {
		select {
		case <-s.ctx.Done():
			log.Info("drain worker stopped due to context cancellation")
			return
		case ev, ok := <-s.events:
			if !ok {
				log.Info("oracle channel closed, drain worker stopping")
				return
			}
			s.append(ev)
		case <-s.flushTicker.C:
			s.mu.Lock()
			aged := len(s.rows) > 0 && time.Since(s.opened) >= s.cfg.Writer.MaxBufferAge
			s.mu.Unlock()
			if aged {
				s.flush("max_age")
			}
		}
	}
}

func (s *OracleSink) append(ev models.OracleEvent) {
	s.mu.Lock()
	if len(s.rows) == 0 {
		s.opened = time.Now().UTC()
	}
	s.rows = append(s.rows, ev)
	full := len(s.rows) >= s.cfg.Writer.MaxRowsPerFile
	s.mu.Unlock()

	if full {
		s.flush("max_rows")
	}
}

// flush retries a failed write once after write_retry_delay. The sleep runs
// on the drain worker, stalling appends for the duration of the retry.
func (s *OracleSink) flush(reason string) {
	s.mu.Lock()
	rows := s.rows
	opened := s.opened
	s.rows = nil
	s.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	log := s.log.WithComponent("oracle_sink").WithFields(logger.Fields{
		"flush_id": uuid.New().String(),
		"rows":     len(rows),
		"reason":   reason,
	})

	path, size, err := s.files.WriteOracle(opened, rows)
	if err != nil {
		log.WithError(err).Warn("flush failed, retrying")
		time.Sleep(s.cfg.Writer.WriteRetryDelay)
		path, size, err = s.files.WriteOracle(opened, rows)
		if err != nil {
			log.WithError(err).Error("flush failed after retry, dropping buffer")
			return
		}
	}

	s.filesWritten.Add(1)
	log.WithFields(logger.Fields{
		"path":      path,
		"file_size": size,
	}).Info("buffer flushed")
}
