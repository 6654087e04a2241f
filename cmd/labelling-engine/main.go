package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/huzipatel/rad-labelling-sub000/internal/blob"
	"github.com/huzipatel/rad-labelling-sub000/internal/config"
	"github.com/huzipatel/rad-labelling-sub000/internal/download"
	"github.com/huzipatel/rad-labelling-sub000/internal/enhance"
	"github.com/huzipatel/rad-labelling-sub000/internal/imagery"
	"github.com/huzipatel/rad-labelling-sub000/internal/ingest"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
	"github.com/huzipatel/rad-labelling-sub000/internal/keypool"
	"github.com/huzipatel/rad-labelling-sub000/internal/platform/sqlite"
	downloadrepo "github.com/huzipatel/rad-labelling-sub000/internal/repository/download"
	geometryrepo "github.com/huzipatel/rad-labelling-sub000/internal/repository/geometry"
	jobrepo "github.com/huzipatel/rad-labelling-sub000/internal/repository/job"
	keypoolrepo "github.com/huzipatel/rad-labelling-sub000/internal/repository/keypool"
	locationrepo "github.com/huzipatel/rad-labelling-sub000/internal/repository/location"
	uploadrepo "github.com/huzipatel/rad-labelling-sub000/internal/repository/upload"
	"github.com/huzipatel/rad-labelling-sub000/internal/server"
	"github.com/huzipatel/rad-labelling-sub000/internal/tasklog"
	"github.com/huzipatel/rad-labelling-sub000/internal/upload"
)

func main() {
	cfg := config.Load()

	// Root context: cancelled on SIGINT/SIGTERM so downloads and pool
	// workers stop promptly during graceful shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Open database
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Repositories
	jobRepo := jobrepo.NewRepository(db.DB)
	transferRepo := uploadrepo.NewRepository(db.DB)
	checkpointRepo := downloadrepo.NewRepository(db.DB)
	locationRepo := locationrepo.NewRepository(db.DB)
	geometryRepo := geometryrepo.NewRepository(db.DB)
	credentialRepo := keypoolrepo.NewRepository(db.DB)

	// Blob storage: final assets and chunk staging share the data dir.
	osFs := afero.NewOsFs()
	blobs := blob.NewStore(osFs, filepath.Join(cfg.DataDir, "blobs"))
	staging := afero.NewBasePathFs(osFs, filepath.Join(cfg.DataDir, "staging"))

	// Credential pool for the imagery provider.
	pool := keypool.NewManager(credentialRepo)
	if err := pool.Load(rootCtx); err != nil {
		slog.Error("failed to load credential pool", "error", err)
		os.Exit(1)
	}

	fetcher := imagery.New(imagery.WithBaseURL(cfg.ProviderBaseURL))

	// Services
	jobSvc := job.NewService(jobRepo, cfg.StallTimeout)
	uploads := upload.NewReceiver(transferRepo, blobs, jobSvc, staging, upload.Options{
		ChunkSize:      cfg.ChunkSize,
		MaxUploadSize:  cfg.MaxUploadSize,
		SmallFileLimit: cfg.SmallFileLimit,
		TransferTTL:    cfg.TransferTTL,
	})
	logs := tasklog.NewRegistry(500)
	downloads := download.NewManager(rootCtx, jobSvc, checkpointRepo, locationRepo, pool, fetcher, blobs, logs, download.Options{
		Retries:      cfg.DownloadRetries,
		RetryBackoff: cfg.RetryBackoff,
		WakeOnReload: cfg.WakeOnReload,
	})

	// Worker pool: ingestion and enhancement jobs run here. Image downloads
	// run under the download manager's per-task controllers instead.
	workerPool := job.NewWorkerPool(jobRepo, cfg.Workers)
	workerPool.Register(job.KindUploadIngest, ingest.NewProcessor(transferRepo, blobs, locationRepo, geometryRepo, jobSvc))
	workerPool.Register(job.KindEnhancement, enhance.NewProcessor(locationRepo, geometryRepo, jobSvc))
	jobSvc.SetNotify(workerPool.Notify)
	poolDone := make(chan struct{})
	go func() {
		workerPool.Run(rootCtx)
		close(poolDone)
	}()

	// Re-queue jobs interrupted by a previous shutdown so workers pick
	// them up, then expire abandoned transfers on a timer.
	if err := jobSvc.RecoverStaleJobs(rootCtx); err != nil {
		slog.Error("failed to recover stale jobs", "error", err)
	}
	workerPool.Notify()
	go uploads.RunGC(rootCtx, time.Hour)

	// HTTP server: rootCtx is used as BaseContext so every request context
	// inherits from it and is cancelled on shutdown.
	srv := server.New(rootCtx, cfg.Port, jobSvc, uploads, downloads, pool)

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	<-done

	// Cancel root context first so downloads checkpoint and pool workers
	// begin winding down immediately.
	rootCancel()

	// Wait for workers and active downloads to drain before shutting down HTTP.
	<-poolDone
	downloads.Wait()

	// Then drain connections with a deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
