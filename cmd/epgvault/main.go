package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/epgvault/internal/cache"
	"github.com/voyagen/epgvault/internal/config"
	"github.com/voyagen/epgvault/internal/logging"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/server"
	"github.com/voyagen/epgvault/internal/service"
	"github.com/voyagen/epgvault/internal/store"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use env DATABASE_URL")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("epgvault", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("exiting")
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			AttachStacktrace: true,
			Tags:             map[string]string{"service": "epgvault"},
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry error reporting enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	if err := seedDirectory(ctx, db, cfg.Accounts); err != nil {
		return fmt.Errorf("seed directory: %w", err)
	}

	// Connect to Redis if REDIS_URL is configured.
	var rds *cache.Redis
	var appStore store.Store = db
	if cfg.RedisURL != "" {
		rds, err = cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rds.Close()
		appStore = store.NewCachedStore(db, rds, log)
		log.Info("redis connected (caching, refresh lock and queue enabled)")
	} else {
		log.Info("redis disabled (REDIS_URL not set)")
	}

	refresher := service.NewRefresher(appStore, service.RefreshOptions{
		CacheRoot:       cfg.CachePath,
		FreshnessWindow: cfg.FreshnessWindow,
		Timeout:         cfg.Timeout,
		UserAgent:       cfg.UserAgent,
		Lock:            rds,
	}, log)

	sweeper := service.NewSweeper(appStore, refresher, cfg.RefreshWorkers, log)
	if cfg.SentryDSN != "" {
		sweeper.OnError = func(scope models.Scope, err error) {
			sentry.WithScope(func(s *sentry.Scope) {
				s.SetTag("account_id", scope.AccountID)
				s.SetTag("server_id", strconv.FormatInt(scope.ServerID, 10))
				sentry.CaptureException(err)
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweepLoop(ctx, sweeper, cfg.RefreshInterval, log)
	}()
	if rds != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRefreshWorker(ctx, rds, appStore, refresher, log)
		}()
	}

	srv := server.New(appStore, refresher, rds, cfg.ServerPort, log)
	err = srv.ListenAndServe(ctx)
	stop()
	wg.Wait()
	return err
}

// seedDirectory registers the accounts and servers listed in the config.
func seedDirectory(ctx context.Context, reg store.Registrar, accounts []config.Account) error {
	for _, a := range accounts {
		if err := reg.UpsertAccount(ctx, models.Account{ID: a.ID, Name: a.Name}); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
		for _, s := range a.Servers {
			srv := models.Server{ID: s.ID, AccountID: a.ID, Name: s.Name, EPGURL: s.EPGURL}
			if err := reg.UpsertServer(ctx, srv); err != nil {
				return fmt.Errorf("server %s: %w", srv.Scope(), err)
			}
		}
	}
	return nil
}

// runSweepLoop refreshes every scope at startup and then every interval
// until ctx is cancelled.
func runSweepLoop(ctx context.Context, sw *service.Sweeper, interval time.Duration, log *logrus.Entry) {
	sw.Run(ctx)
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("sweep loop stopping")
			return
		case <-t.C:
			sw.Run(ctx)
		}
	}
}

// runRefreshWorker continuously dequeues on-demand refresh jobs from Redis
// and processes them. It stops when ctx is cancelled (graceful shutdown).
func runRefreshWorker(ctx context.Context, rds *cache.Redis, dir store.Directory, r *service.Refresher, log *logrus.Entry) {
	log = log.WithField("component", "refresh_worker")
	log.Info("refresh worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("refresh worker stopping")
			return
		default:
		}

		job, err := cache.Dequeue(ctx, rds, cache.RefreshQueue, 5*time.Second)
		if err != nil {
			log.WithError(err).Warn("dequeue")
			time.Sleep(2 * time.Second)
			continue
		}
		if job == nil {
			continue // timeout, loop back to check ctx
		}

		jl := log.WithFields(logrus.Fields{
			"account_id": job.AccountID,
			"server_id":  job.ServerID,
			"request_id": job.RequestID,
		})
		srv, err := dir.GetServer(ctx, job.AccountID, job.ServerID)
		if err != nil {
			jl.WithError(err).Warn("refresh job for unknown server dropped")
			continue
		}
		if _, err := r.Refresh(ctx, job.Scope(), srv.EPGURL); err != nil {
			jl.WithError(err).Error("queued refresh failed")
		}
	}
}
