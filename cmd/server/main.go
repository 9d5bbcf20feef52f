package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vedran77/pulse/internal/config"
	"github.com/vedran77/pulse/internal/database"
	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/logger"
	"github.com/vedran77/pulse/internal/metrics"
	"github.com/vedran77/pulse/internal/notify"
	"github.com/vedran77/pulse/internal/relay"
	"github.com/vedran77/pulse/internal/repository"
	"github.com/vedran77/pulse/internal/repository/jsonfile"
	postgresrepo "github.com/vedran77/pulse/internal/repository/postgres"
	"github.com/vedran77/pulse/internal/service"
	"github.com/vedran77/pulse/internal/store"
	"github.com/vedran77/pulse/internal/transport/http/handlers"
	"github.com/vedran77/pulse/internal/transport/http/middleware"
	"github.com/vedran77/pulse/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Development: cfg.LogDevelopment, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Change notifications
	broker := notify.NewBroker(uuid.NewString(), log.Named("notify"))
	broker.OnDrop(m.NotifierDrop)
	defer broker.Close()

	// Backend
	backend, fileBackend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	// Store
	retries := cfg.StoreConflictRetries
	if retries == 0 {
		retries = -1
	}
	st := store.New(backend, store.Options{
		Notifier:        broker,
		Logger:          log.Named("store"),
		Metrics:         m,
		BotUser:         &domain.User{ID: cfg.BotUserID, Username: cfg.BotUsername, Name: "Pulse"},
		ConflictRetries: retries,
	})
	defer st.Close()

	// Relay and services
	rl := relay.New(st, relay.Options{
		TTL:        cfg.SignalTTL,
		RatePerSec: cfg.SignalRatePerSec,
		Burst:      cfg.SignalBurst,
		Metrics:    m,
		Logger:     log.Named("relay"),
	})
	userService := service.NewUserService(st, cfg.JWTSecret)
	chatService := service.NewChatService(st)
	groupService := service.NewGroupService(st)
	moderationService := service.NewModerationService(st)

	// WebSocket hub
	hub := ws.NewHub(broker, chatService, log.Named("ws"))
	rl.SetNotifier(ws.NewHubNotifier(hub))

	authLimiter := middleware.NewIPRateLimiter(cfg.AuthRatePerMinute, cfg.AuthBurst, log.Named("http"))
	router := handlers.NewRouter(handlers.RouterConfig{
		Store:       st,
		Relay:       rl,
		Users:       userService,
		Chats:       chatService,
		Groups:      groupService,
		Moderation:  moderationService,
		Metrics:     metrics.Handler(reg),
		WebSocket:   ws.ServeWS(ctx, hub, userService),
		AuthLimiter: authLimiter,
		Logger:      log.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweep(gctx, cfg.StoreSweepInterval, rl, authLimiter, log)
		return nil
	})

	if fileBackend != nil && cfg.StoreWatchFile {
		g.Go(func() error {
			err := fileBackend.Watch(gctx, func(marker int64) {
				log.Debug("store file changed externally", zap.Int64("marker", marker))
				broker.Publish(notify.Change{Marker: marker})
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("store file watch stopped", zap.Error(err))
			}
			return nil
		})
	}

	if cfg.RedisEnabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		defer client.Close()
		bridge := notify.NewRedisBridge(client, broker, notify.DefaultChannel, log.Named("redis"))
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("redis bridge stopped", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

// openBackend returns the configured backend. The file backend is also
// returned on its own so it can be watched.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Backend, *jsonfile.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		log.Info("connected to database")

		repo := postgresrepo.NewStateRepo(pool, postgresrepo.StateRepoOptions{
			Logger:             log.Named("postgres"),
			BreakerMaxFailures: cfg.BreakerMaxFailures,
			BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		})
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensuring schema: %w", err)
		}
		return repo, nil, nil

	default:
		b, err := jsonfile.New(jsonfile.Config{
			Path:           cfg.StoreFilePath,
			ReadRetryDelay: cfg.StoreReadRetryDelay,
			Logger:         log.Named("jsonfile"),
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	}
}

// sweep prunes expired call signals and idle limiter entries until ctx ends.
func sweep(ctx context.Context, every time.Duration, rl *relay.Relay, limiter *middleware.IPRateLimiter, log *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := rl.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("signal sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Debug("swept expired signals", zap.Int("count", n))
			}
			limiter.Cleanup(now)
		}
	}
}
