package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"waflow/internal/api"
	"waflow/internal/cache"
	"waflow/internal/campaigns"
	"waflow/internal/config"
	"waflow/internal/domain"
	"waflow/internal/engine"
	"waflow/internal/events"
	"waflow/internal/handlers/send"
	"waflow/internal/instances"
	"waflow/internal/opslog"
	"waflow/internal/relay"
	"waflow/internal/scheduler"
	"waflow/internal/session"
	"waflow/internal/session/webhook"
	"waflow/internal/session/whatsapp"
	"waflow/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		addr   = flag.String("addr", cfg.Server.Address, "HTTP bind address")
		dbPath = flag.String("db", cfg.Database.Path, "SQLite DB path")
		debug  = flag.Bool("debug", false, "expose pprof handlers")
	)
	flag.Parse()

	setupLogging(cfg.Log)

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	st := store.New(db)

	bus := events.New()
	journal := opslog.New(st, bus)

	var factory session.Factory
	switch cfg.Session.Driver {
	case config.DriverWebhook:
		factory = webhook.NewFactory(cfg.Session.WebhookURL)
	default:
		factory = whatsapp.NewFactory(cfg.Log.Level)
	}

	mgr := instances.NewManager(instances.Config{
		SessionsDir:      cfg.Session.Dir,
		ReconnectDelay:   cfg.Session.ReconnectDelay,
		ReconnectBackoff: cfg.Session.ReconnectBackoff,
	}, st, factory, bus, journal)

	var (
		opts     []engine.Option
		receipts *cache.Receipts
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Address).Msg("redis unreachable, receipts will not be cached until it recovers")
		}
		cancelPing()
		receipts = cache.NewReceipts(rdb, cfg.Redis.TTL)
		opts = append(opts, engine.WithReceipts(receipts))
	}

	eng := engine.New(engine.Config{
		PollInterval: cfg.Queue.PollInterval,
		BatchSize:    cfg.Queue.BatchSize,
		SendInterval: cfg.Queue.SendInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		SendTimeout:  cfg.Queue.SendTimeout,
	}, st, mgr, nil, bus, journal, opts...)
	eng.Register(domain.KindSendMessage, send.New(mgr, cfg.Session.MediaDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AMQP.Enabled {
		rl, conn, err := relay.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Error().Err(err).Msg("event relay disabled")
		} else {
			defer conn.Close()
			go rl.Run(ctx, bus)
		}
	}

	reconciler, err := scheduler.NewService(eng, cfg.Queue.ReconcileSpec)
	if err != nil {
		log.Fatal().Err(err).Msg("reconcile service")
	}
	reconciler.Start(ctx)

	if n, err := mgr.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("restore instances")
	} else {
		log.Info().Int("restarted", n).Msg("restored instances")
	}
	eng.Start()

	deps := api.Deps{
		Instances: mgr,
		Campaigns: campaigns.NewLedger(st),
		Engine:    eng,
		Logs:      st,
		Events:    bus,
		Debug:     *debug,
	}
	if receipts != nil {
		deps.Receipts = receipts
	}
	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(deps),
	}
	go func() {
		log.Info().Str("addr", *addr).Str("driver", cfg.Session.Driver).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	eng.Stop()
	reconciler.Stop()
	cancel()
	mgr.Close()
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
