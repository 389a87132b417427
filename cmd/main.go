package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"pairchat/backend/internal/api/handler"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/events"
	"pairchat/backend/internal/localization"
	"pairchat/backend/internal/matching"
	"pairchat/backend/internal/queue"
	"pairchat/backend/internal/session"
	"pairchat/backend/internal/signaling"
	"pairchat/backend/internal/storage"
	"pairchat/backend/internal/sweeper"
	"pairchat/backend/internal/telegram"
	"pairchat/backend/pkg/logger"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: logger.Format(cfg.Log.Format)})
	log.WithField("instance_id", cfg.Server.InstanceID).Info("starting pairchat backend")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped with error")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if cfg.Signaling.TokenSecret == "" {
		return errors.New("signaling.token_secret is required")
	}

	// 1. Stores.
	db, err := storage.OpenDB(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := storage.Migrate(db); err != nil {
		return err
	}
	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	store := storage.NewStorageService(db, rdb)
	log.Info("database and redis connections established, migrations complete")

	q, err := queue.New(cfg.Queue.Backend, rdb, cfg.Queue.TicketTTL)
	if err != nil {
		return err
	}

	// 2. Core services.
	pub := events.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer pub.Close()

	sessions := session.NewCoordinator(store, pub, session.Config{
		LookupTTL:       cfg.Session.LookupTTL,
		MessageRefLimit: cfg.Session.MessageRefLimit,
		MessageRefTTL:   cfg.Session.MessageRefTTL,
	}, log)

	relay := signaling.NewRelayService(store,
		signaling.NewTokenIssuer(cfg.Signaling.TokenSecret, cfg.Signaling.TokenTTL),
		signaling.Config{
			RoomTTL:    cfg.Signaling.RoomTTL,
			CallDomain: cfg.Signaling.CallDomain,
			InstanceID: cfg.Server.InstanceID,
		}, log)
	bus, err := relay.Subscribe(ctx)
	if err != nil {
		return err
	}

	matcher := matching.NewMatcherService(q, sessions, matching.Config{
		Interval:          cfg.Matching.Interval,
		BatchSize:         cfg.Matching.BatchSize,
		CooldownEnabled:   cfg.Matching.CooldownEnabled,
		Cooldown:          cfg.Matching.Cooldown,
		ImmediateAttempts: cfg.Matching.ImmediateAttempts,
		ImmediateDelay:    cfg.Matching.ImmediateDelay,
	}, log)
	matcher.Calls = relay

	h := handler.NewHandler(q, matcher, sessions, relay, log)
	h.SendBuffer = cfg.Signaling.SendBuffer

	// 3. Telegram notifications are optional.
	if cfg.Telegram.BotToken != "" {
		loc, err := localization.NewLocalizer(cfg.Telegram.LocalesDir)
		if err != nil {
			return err
		}
		bot, err := telegram.NewBot(cfg.Telegram.BotToken, log)
		if err != nil {
			return err
		}
		notifier := telegram.NewNotifier(bot, loc, cfg.Telegram.Language, log)
		matcher.Notifier = notifier
		h.Notifier = notifier
	} else {
		log.Warn("telegram.bot_token is empty, match notifications are disabled")
	}

	sweep, err := sweeper.New(relay, q, sweeper.Config{
		RoomsSchedule: cfg.Sweeper.RoomsSchedule,
		QueueSchedule: cfg.Sweeper.QueueSchedule,
	}, log)
	if err != nil {
		return err
	}

	// 4. HTTP.
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger(log))
	h.Register(r, cfg.Server.APIKey)
	if cfg.Server.APIKey == "" {
		log.Warn("server.api_key is empty, the control surface is unauthenticated")
	}

	server := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	// 5. Run until a signal or the first fatal error.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		matcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		bus.Serve(gctx)
		return nil
	})
	g.Go(func() error {
		sweep.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
