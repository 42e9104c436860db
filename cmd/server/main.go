package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calebmorgan/cosmowatch/internal/chat"
	"github.com/calebmorgan/cosmowatch/internal/config"
	"github.com/calebmorgan/cosmowatch/internal/server"
	"github.com/calebmorgan/cosmowatch/internal/ws"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Env overrides for container deployments.
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.Store.Backend = config.BackendRedis
		cfg.Store.RedisAddr = redisAddr
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}

	srv := server.New(cfg.ListenAddr,
		server.WithStore(store),
		server.WithHistoryLimit(cfg.HistoryLimit),
		server.WithRateLimit(cfg.RateLimit.Max, cfg.RateLimitWindow()),
		server.WithConnOptions(
			ws.WithMaxConns(cfg.Conns.Max),
			ws.WithIdleTimeout(cfg.IdleTimeout()),
		),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting Cosmic Watch realtime server on %s (store: %s)", cfg.ListenAddr, cfg.Store.Backend)
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Print("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
}

// openStore builds the configured message store backend.
func openStore(cfg config.Config) (chat.Store, error) {
	retention := cfg.Retention()

	switch cfg.Store.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		log.Printf("Connected to Redis at %s", cfg.Store.RedisAddr)
		return chat.NewRedisStore(rdb, retention), nil

	case config.BackendSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.Store.SQLitePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return nil, err
		}
		return chat.NewSQLiteStore(db, retention)

	default:
		return chat.NewMemoryStore(retention), nil
	}
}
