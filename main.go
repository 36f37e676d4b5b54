package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polyflow/config"
	"polyflow/discovery"
	"polyflow/internal/channel"
	"polyflow/internal/dashboard"
	"polyflow/logger"
	"polyflow/oracle"
	"polyflow/stream"
	"polyflow/subscription"
	"polyflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Polyflow.Name,
		"version": cfg.Polyflow.Version,
	}).Info("starting polyflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// CloudWatch publishing is independent of S3 storage; the region falls
	// back to AWS_REGION when S3 is not configured.
	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "PolyFlow", "PolyFlow")
	}
	if cfg.Logging.Report {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.BookBuffer, cfg.Channels.OracleBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	set := subscription.NewSet()
	manager := stream.NewManager(cfg, set, channels)
	poller := discovery.NewPoller(cfg)
	engine := subscription.NewEngine(cfg, set, poller, manager)
	bookSink := writer.NewSink(cfg, channels.Book)

	var oracleFeed *oracle.Feed
	var oracleSink *writer.OracleSink
	if cfg.Oracle.Enabled {
		oracleFeed = oracle.NewFeed(cfg, channels)
		oracleSink = writer.NewOracleSink(cfg, channels.Oracle)
	} else {
		log.WithComponent("main").Info("oracle feed disabled")
	}

	var uploader *writer.Uploader
	if cfg.Storage.S3.Enabled {
		uploader, err = writer.NewUploader(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create uploader")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; files stay local")
	}

	statusServer := dashboard.NewServer(cfg, func() dashboard.Status {
		st := dashboard.Status{
			StreamState:      manager.State().String(),
			Instruments:      set.CountsByBucket(),
			BufferedRows:     bookSink.BufferedRows(),
			FilesWritten:     bookSink.FilesWritten(),
			ChannelBookDepth: len(channels.Book),
		}
		if oracleSink != nil {
			st.OracleBuffered = oracleSink.BufferedRows()
			st.OracleFiles = oracleSink.FilesWritten()
		}
		return st
	})

	var wg sync.WaitGroup

	if err := bookSink.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start book sink")
		os.Exit(1)
	}
	if oracleSink != nil {
		if err := oracleSink.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start oracle sink")
			os.Exit(1)
		}
	}

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream manager")
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start subscription engine")
		os.Exit(1)
	}

	if oracleFeed != nil {
		if err := oracleFeed.Start(ctx); err != nil {
			log.WithError(err).Warn("oracle feed failed to start")
			oracleFeed = nil
		}
	}

	if uploader != nil {
		if err := uploader.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start uploader")
			os.Exit(1)
		}
	}

	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Run(ctx); err != nil {
				log.WithError(err).Warn("status server exited with error")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	// Producers first so nothing new enters the channels, then the sinks
	// flush what remains.
	log.Info("stopping subscription engine")
	engine.Stop()

	log.Info("stopping stream manager")
	manager.Stop()

	if oracleFeed != nil {
		log.Info("stopping oracle feed")
		oracleFeed.Stop()
	}

	log.Info("stopping book sink")
	bookSink.Stop()

	if oracleSink != nil {
		log.Info("stopping oracle sink")
		oracleSink.Stop()
	}

	if uploader != nil {
		log.Info("stopping uploader")
		uploader.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("polyflow stopped")
}
