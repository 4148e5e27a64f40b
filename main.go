package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"simpleye/api"
	"simpleye/bucket"
	"simpleye/clips"
	"simpleye/config"
	"simpleye/cron"
	"simpleye/database"
	"simpleye/logging"
	"simpleye/metrics"
	"simpleye/monitoring"
	"simpleye/playlist"
	"simpleye/recording"
	"simpleye/storage"
	"simpleye/timeline"
)

func main() {
	cfg := config.LoadConfig()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("simpleye stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.EnsurePaths(cfg); err != nil {
		return err
	}

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	cameras := config.NewCameraStore(db)
	if cfg.CamerasFile != "" {
		seed, err := config.LoadCamerasFile(cfg.CamerasFile)
		if err != nil {
			return err
		}
		added, err := cameras.Seed(seed)
		if err != nil {
			return err
		}
		logger.Info("cameras seeded", zap.String("file", cfg.CamerasFile), zap.Int("added", added))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recorder
	store := bucket.NewStore(cfg.RecordingsDir)
	hw := recording.ResolveHWAccel(cfg.HardwareAccel, cfg.FFmpegPath, logger)
	rm := recording.NewRecordingManager(recording.SessionOptions{
		Store:        store,
		Encoder:      recording.NewFFmpegEncoder(cfg.FFmpegPath, hw, store, logger),
		Logger:       logger,
		Metrics:      m,
		StartTimeout: cfg.StartTimeout,
		StopGrace:    cfg.StopGrace,
		RestartBase:  cfg.RestartBase,
		RestartMax:   cfg.RestartMax,
	})
	recorderDone := make(chan error, 1)
	go func() { recorderDone <- rm.Run(ctx, cameras, cfg.SupervisorInterval) }()

	// Retention
	janitor := cron.NewRetentionCron(store, cameras, rm, cron.RetentionOptions{
		Schedule: cfg.RetentionSchedule,
		Logger:   logger,
		Metrics:  m,
	})
	if err := janitor.Start(); err != nil {
		stop()
		<-recorderDone
		return err
	}
	defer janitor.Stop()

	// Readers
	index := timeline.NewIndexer(store, logger, m)
	playlists := playlist.NewSynthesizer(index, cameras, cfg.PlaylistURIPrefix, nil, logger, m)

	clipOpts := clips.Options{
		Dir:         cfg.ClipsDir,
		Concurrency: cfg.ClipConcurrency,
		Logger:      logger,
		Metrics:     m,
	}
	if cfg.R2Enabled {
		r2, err := storage.NewR2Storage(storage.R2Config{
			AccessKey: cfg.R2AccessKey,
			SecretKey: cfg.R2SecretKey,
			AccountID: cfg.R2AccountID,
			Bucket:    cfg.R2Bucket,
			Endpoint:  cfg.R2Endpoint,
			Region:    cfg.R2Region,
			BaseURL:   cfg.R2BaseURL,
		}, logger)
		if err != nil {
			logger.Error("R2 archive disabled", zap.Error(err))
		} else {
			clipOpts.Archiver = r2
		}
	}
	clipService := clips.NewService(db, cameras, index, clips.NewFFmpegRemuxer(cfg.FFmpegPath, logger), clipOpts)

	var monitor *monitoring.Monitor
	if mon, err := monitoring.New(cfg.RecordingsDir, logger, m); err != nil {
		logger.Warn("resource monitor disabled", zap.Error(err))
	} else {
		monitor = mon
		go monitor.Run(ctx, cfg.MonitorInterval)
	}

	server := api.NewServer(cfg, api.Deps{
		Cameras:   cameras,
		Indexer:   index,
		Playlists: playlists,
		Clips:     clipService,
		Recorder:  rm,
		Monitor:   monitor,
		Gatherer:  reg,
		Logger:    logger,
	})
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serverErr:
		logger.Error("API server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if rerr := <-recorderDone; rerr != nil {
		logger.Warn("recording sessions did not stop cleanly", zap.Error(rerr))
	}
	return err
}
