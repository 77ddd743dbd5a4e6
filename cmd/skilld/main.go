package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/nais/skilld/pkg/conftools"
	"github.com/nais/skilld/pkg/deployer"
	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/logging"
	"github.com/nais/skilld/pkg/skill"
	"github.com/nais/skilld/pkg/skilld/api"
	"github.com/nais/skilld/pkg/skilld/api/v1"
	"github.com/nais/skilld/pkg/skilld/archive"
	"github.com/nais/skilld/pkg/skilld/audit"
	"github.com/nais/skilld/pkg/skilld/config"
	"github.com/nais/skilld/pkg/skilld/database"
	"github.com/nais/skilld/pkg/skilld/github"
	"github.com/nais/skilld/pkg/skilld/pipeline"
	"github.com/nais/skilld/pkg/skilld/poller"
	"github.com/nais/skilld/pkg/telemetry"
	"github.com/nais/skilld/pkg/version"
)

const (
	databaseConnectBackoffInterval = 3 * time.Second
	databaseMigrateRetryInterval   = 30 * time.Second
	shutdownTimeout                = 30 * time.Second
	readHeaderTimeout              = 10 * time.Second
)

// connectDatabase waits for the database until the connect timeout elapses.
func connectDatabase(cfg *config.Config) (*database.Database, error) {
	db, err := database.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("setup postgres connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DatabaseConnectTimeout)
	defer cancel()
	for {
		log.Infof("Connecting to database...")
		err = db.Ping(ctx)
		if err == nil {
			log.Infof("Database connection established.")
			return db, nil
		} else if ctx.Err() != nil {
			return db, err
		}
		log.Errorf("unable to connect to database: %s", err)
		time.Sleep(databaseConnectBackoffInterval)
	}
}

// migrateWhenAvailable keeps trying to migrate a database that was unreachable at startup.
func migrateWhenAvailable(ctx context.Context, db *database.Database) {
	ticker := time.NewTicker(databaseMigrateRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := db.Migrate(ctx); err != nil {
			log.Warnf("Audit database still unavailable: %s", err)
			continue
		}
		log.Infof("Audit database is available again and migrated.")
		return
	}
}

func newGithubClient(ctx context.Context, cfg *config.Config) (github.Client, error) {
	if cfg.Github.HasAppConfig() {
		client, err := github.InstallationClient(cfg.Github.ApplicationID, cfg.Github.InstallID, cfg.Github.KeyFile, cfg.Github.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("instantiate GitHub installation client: %w", err)
		}
		log.Infof("Authenticating to GitHub as app installation %d", cfg.Github.InstallID)
		return github.New(client, cfg.Github.Repository)
	}

	if cfg.Github.Token == "" {
		log.Warnf("No GitHub credentials configured; only public repositories can be read")
	}
	return github.New(github.TokenClient(ctx, cfg.Github.Token, cfg.Github.RequestTimeout), cfg.Github.Repository)
}

func run() error {
	var db *database.Database
	var store database.Store
	var locks lock.Service

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env file: %w", err)
	}

	cfg := config.Initialize()
	err := conftools.Load(cfg)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	// Welcome
	log.Infof("skilld %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Infof("This version was built %s", ts.Local())
	}

	for _, line := range conftools.Format(config.Masked) {
		log.Info(line)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OtelCollectorEndpoint != "" {
		tracerProvider, err := telemetry.New(ctx, "skilld", cfg.OtelCollectorEndpoint)
		if err != nil {
			return fmt.Errorf("set up tracing: %w", err)
		}
		defer tracerProvider.Shutdown(context.Background())
		log.Infof("Sending traces to %s", cfg.OtelCollectorEndpoint)
	}

	if cfg.DatabaseURL != "" {
		db, err = connectDatabase(cfg)
		switch {
		case err == nil:
			err = db.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
		case cfg.LockBackend == config.LockBackendDatabase:
			return fmt.Errorf("database lock backend unavailable: %w", err)
		case db == nil:
			return err
		default:
			log.Warnf("Audit database unavailable; continuing with audit ledger degraded: %s", err)
			go migrateWhenAvailable(ctx, db)
		}
		defer db.Close()
		store = db
	} else {
		log.Warnf("No database configured; deployments and poll results are only logged")
	}

	switch cfg.LockBackend {
	case config.LockBackendDatabase:
		locks = lock.NewDatabaseService(db.Pool())
	default:
		locks, err = lock.NewFileService(filepath.Join(cfg.StateDir, "locks"))
		if err != nil {
			return err
		}
	}
	log.Infof("Using %s lock backend", cfg.LockBackend)

	var options []deployer.Option
	if cfg.Archive.Bucket != "" {
		archiver, err := archive.New(ctx, archive.Config{
			Bucket: cfg.Archive.Bucket,
			Region: cfg.Archive.Region,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			return err
		}
		options = append(options, deployer.WithArchiver(archiver))
		log.Infof("Mirroring backups to s3://%s/%s", cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	skillDeployer, err := deployer.New(deployer.Config{
		SkillDir:       cfg.SkillDir,
		StateDir:       cfg.StateDir,
		Sentinel:       cfg.ReloadSentinel,
		LockTTL:        cfg.LockTTL,
		HealthTimeout:  cfg.HealthTimeout,
		ArchiveTimeout: cfg.Archive.Timeout,
	}, locks, options...)
	if err != nil {
		return err
	}

	client, err := newGithubClient(ctx, cfg)
	if err != nil {
		return err
	}

	ledger := audit.New(store)

	runner, err := pipeline.New(pipeline.Config{
		GitHub:    client,
		Validator: skill.NewValidator(cfg.MaxSkillSize, nil),
		Deployer:  skillDeployer,
		Ledger:    ledger,
		Pattern:   cfg.Github.ManifestPattern,
	})
	if err != nil {
		return err
	}

	skillPoller := poller.New(runner, ledger, cfg.Github.Branch, cfg.Poller.Interval, cfg.Poller.Enabled)
	pollerDone := make(chan struct{})
	if cfg.Poller.Enabled {
		go func() {
			defer close(pollerDone)
			skillPoller.Run(ctx)
		}()
	} else {
		close(pollerDone)
		log.Infof("Poller disabled; deployments are triggered by webhook or manual sync only")
	}

	router := api.New(api.Config{
		Runner:        runner,
		Poller:        skillPoller,
		Ledger:        ledger,
		Deployer:      skillDeployer,
		Locks:         locks,
		Repository:    cfg.Github.Repository,
		Branch:        cfg.Github.Branch,
		WebhookSecret: []byte(cfg.Webhook.Secret),
		WebhookWindow: api_v1.Window{
			MaxAge:        cfg.Webhook.MaxAge,
			MaxFutureSkew: cfg.Webhook.MaxFutureSkew,
		},
		WebhookRateLimit: cfg.Webhook.RateLimit,
		SyncTimeout:      cfg.SyncTimeout,
		APIKeys:          cfg.APIKeys,
		MetricsPath:      cfg.MetricsPath,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err)
			os.Exit(114)
		}
	}()

	log.Infof("Ready to accept connections on %s", cfg.ListenAddress)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	log.Infof("Received signal %s (%d), exiting...", sig, sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		log.Errorf("Shutting down HTTP server: %s", err)
	}

	// A deployment that has started writing runs to completion or rollback,
	// which takes at most one lock TTL.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.LockTTL)
	defer drainCancel()

	select {
	case <-pollerDone:
	case <-drainCtx.Done():
	}
	if drainErr := skillDeployer.Drain(drainCtx); drainErr != nil {
		return drainErr
	}
	log.Infof("No deployments running; exiting")

	return err
}

func main() {
	err := run()
	if err != nil {
		log.Errorf("Fatal error: %s", err)
		os.Exit(1)
	}
}
