package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/bridge"
	"github.com/MiquelDW/chat-webapp/internal/changefeed"
	"github.com/MiquelDW/chat-webapp/internal/config"
	"github.com/MiquelDW/chat-webapp/internal/db"
	clog "github.com/MiquelDW/chat-webapp/internal/log"
	"github.com/MiquelDW/chat-webapp/internal/mw"
	"github.com/MiquelDW/chat-webapp/internal/server"
	"github.com/MiquelDW/chat-webapp/internal/service"
	"github.com/MiquelDW/chat-webapp/internal/storage"
	"github.com/MiquelDW/chat-webapp/internal/storage/memory"
	"github.com/MiquelDW/chat-webapp/internal/storage/postgres"
	"github.com/MiquelDW/chat-webapp/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// main 函数负责加载配置、初始化日志、选择存储与变更流，并托管所有后台循环。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	feed, closeFeed, err := openFeed(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.ChangefeedDriver).Msg("changefeed connect")
	}
	defer closeFeed()

	store, err := openStore(context.Background(), cfg, feed)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("storage open")
	}

	svc := service.New(store)
	hub := ws.NewHub()
	br := bridge.New(feed, hub, cfg.BridgeMaxBackoff)
	rl := mw.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 2*time.Minute)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, svc, hub, rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error { return br.Run(ctx) })
	g.Go(func() error { return rl.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("storage", cfg.StorageDriver).Str("changefeed", cfg.ChangefeedDriver).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// openFeed 返回变更流以及关闭它的函数。
func openFeed(cfg config.Config) (changefeed.Feed, func(), error) {
	switch cfg.ChangefeedDriver {
	case "redis":
		rdb, err := changefeed.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return changefeed.NewRedisFeed(rdb, "chat"), func() { _ = rdb.Close() }, nil
	default:
		b := changefeed.NewBroker(0)
		return b, func() { _ = b.Close() }, nil
	}
}

func openStore(ctx context.Context, cfg config.Config, pub changefeed.Publisher) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "memory":
		log.Warn().Msg("using in-memory storage, data is lost on restart")
		return memory.New(pub), nil
	default:
		gdb, err := db.Connect(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(gdb); err != nil {
			return nil, err
		}
		return postgres.New(gdb, pub), nil
	}
}
