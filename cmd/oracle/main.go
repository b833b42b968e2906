// Package main is the entry point for the rainfall oracle engine. The
// engine watches parametric rainfall insurance policies on chain,
// ingests precipitation data from the weather provider, evaluates
// trigger conditions, and reports decisions back to the chain exactly
// once per policy and decision kind.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/aggregator"
	"github.com/rainshield/rainshield/internal/clients/chain"
	"github.com/rainshield/rainshield/internal/clients/meteo"
	"github.com/rainshield/rainshield/internal/config"
	"github.com/rainshield/rainshield/internal/database"
	"github.com/rainshield/rainshield/internal/events"
	"github.com/rainshield/rainshield/internal/monitor"
	"github.com/rainshield/rainshield/internal/registry"
	"github.com/rainshield/rainshield/internal/reliability"
	"github.com/rainshield/rainshield/internal/resolver"
	"github.com/rainshield/rainshield/internal/scheduler"
	"github.com/rainshield/rainshield/internal/server"
	"github.com/rainshield/rainshield/internal/submitter"
	"github.com/rainshield/rainshield/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting rainfall oracle engine")

	// The submission ledger is the only state that must survive a
	// restart; it gets the full-durability profile. The cache database
	// holds rebuildable rolling-state snapshots.
	submissionsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "submissions.db"),
		Profile: database.ProfileLedger,
		Name:    "submissions",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open submissions database")
	}
	defer submissionsDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	for _, db := range []*database.DB{submissionsDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Migration failed")
		}
	}

	bus := events.NewBus(log)

	weatherClient := meteo.NewClient(cfg.WeatherBaseURL, cfg.WeatherAPIKey, cfg.FetchTimeout, log)
	chainClient := chain.NewClient(cfg.ChainRPCURL, cfg.SubmitTimeout, log)

	locationResolver := resolver.New(weatherClient, log)

	agg := aggregator.New(cfg.BucketSeconds, cfg.LookbackBuckets, log)
	snapshots := aggregator.NewSnapshotStore(cacheDB.Conn(), log)
	if restored, err := snapshots.RestoreAll(agg); err != nil {
		log.Warn().Err(err).Msg("Snapshot restore incomplete, missing state rebuilds from provider")
	} else if restored > 0 {
		log.Info().Int("policies", restored).Msg("Restored rolling state from snapshots")
	}

	submissionRepo := submitter.NewRepository(submissionsDB)
	reportSubmitter := submitter.New(submissionRepo, chainClient, bus, log, submitter.Options{
		MaxAttempts: cfg.MaxSubmitAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	})

	policyRegistry := registry.New(chainClient, bus, log)
	policyRegistry.SubscribeTo(bus)

	engine := monitor.New(
		policyRegistry,
		locationResolver,
		weatherClient,
		agg,
		snapshots,
		reportSubmitter,
		bus,
		log,
		monitor.Options{
			WorkerLimit:   cfg.WorkerLimit,
			FetchTimeout:  cfg.FetchTimeout,
			SubmitTimeout: cfg.SubmitTimeout,
		},
	)

	// First reconciliation before any pass, so the engine never runs
	// against an empty or stale policy set.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := policyRegistry.Reconcile(startupCtx); err != nil {
		log.Error().Err(err).Msg("Initial reconciliation failed, retrying on schedule")
	}
	startupCancel()

	// Resume submissions interrupted by the previous shutdown. A
	// pending record means a report may or may not have landed; the
	// chain's duplicate rejection disambiguates.
	go resumePendingSubmissions(submissionRepo, reportSubmitter, log)

	var stream *chain.PolicyEventStream
	if cfg.ChainWSURL != "" {
		stream = chain.NewPolicyEventStream(cfg.ChainWSURL, bus, log)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("Chain event stream unavailable, discovery falls back to reconciliation")
		}
	}

	var backupService *reliability.BackupService
	if cfg.Backup != nil && cfg.Backup.Enabled {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Backup storage unavailable, continuing without off-box backups")
		} else {
			backupService = reliability.NewBackupService(s3Client, submissionsDB, cfg.DataDir, cfg.Backup.Keep, log)
		}
	}

	sched := scheduler.New(log)
	passJob := scheduler.NewMonitorPassJob(engine, 2*cfg.PollInterval, log)
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{fmt.Sprintf("@every %s", cfg.PollInterval), passJob},
		{fmt.Sprintf("@every %s", cfg.ReconcileInterval), scheduler.NewReconcileJob(policyRegistry, time.Minute, log)},
		{fmt.Sprintf("@every %s", cfg.RetrySweep), scheduler.NewRetrySweepJob(reportSubmitter, 10*time.Minute, log)},
	}
	if backupService != nil {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{fmt.Sprintf("@every %s", cfg.Backup.Interval), scheduler.NewBackupJob(backupService, 15*time.Minute, log)})
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register job")
		}
	}
	sched.Start()

	// The cron @every schedule waits a full interval before its first
	// fire; run the first pass right away.
	go func() {
		if err := sched.RunNow(passJob); err != nil {
			log.Warn().Err(err).Msg("Initial monitoring pass failed")
		}
	}()

	srv := server.New(server.Config{
		Log:           log,
		Port:          cfg.Port,
		DevMode:       cfg.DevMode,
		SubmissionsDB: submissionsDB,
		CacheDB:       cacheDB,
		Registry:      policyRegistry,
		Monitor:       engine,
		Submissions:   submissionRepo,
		EventBus:      bus,
		Backups:       backupService,
		Stream:        streamStatus(stream),
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	sched.Stop()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping chain event stream")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Engine stopped")
}

// streamStatus avoids a typed-nil interface when the stream is disabled.
func streamStatus(stream *chain.PolicyEventStream) server.StreamStatus {
	if stream == nil {
		return nil
	}
	return stream
}

// resumePendingSubmissions re-drives records left pending by an
// unclean shutdown.
func resumePendingSubmissions(repo *submitter.Repository, sub *submitter.Submitter, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pending, err := repo.ListByStatus(ctx, submitter.StatusPending)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pending submissions")
		return
	}
	for _, rec := range pending {
		if err := sub.Resume(ctx, rec); err != nil {
			log.Warn().Err(err).
				Str("policy_id", rec.PolicyID).
				Str("kind", string(rec.Kind)).
				Msg("Interrupted submission still unconfirmed")
		}
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("Resumed interrupted submissions")
	}
}
