// Command master runs the pinwheel token master: the single-writer
// coordination point every scheduler, worker, and pinwheelctl invocation
// talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pinwheel-sh/pinwheel/internal/config"
	"github.com/pinwheel-sh/pinwheel/internal/master"
	"github.com/pinwheel-sh/pinwheel/internal/ratelimit"
	"github.com/pinwheel-sh/pinwheel/internal/store"
	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
	"github.com/pinwheel-sh/pinwheel/internal/store/mongo"
	"github.com/pinwheel-sh/pinwheel/internal/store/rediscache"
	"github.com/pinwheel-sh/pinwheel/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fs := flag.NewFlagSet("master", flag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		return fmt.Errorf("master: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, closeBackend, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("master: open store: %w", err)
	}
	defer closeBackend()

	logger := telemetry.NewClueLogger()

	handler, err := master.New(ctx, backend,
		master.WithLogger(logger),
		master.WithOnFatal(func(err error) {
			logger.Error(ctx, "master: fatal store failure, exiting", "error", err)
			os.Exit(1)
		}),
	)
	if err != nil {
		return fmt.Errorf("master: init handler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("master: listen on %s: %w", addr, err)
	}
	defer listener.Close()

	limiter := ratelimit.New(
		ratelimit.WithRate(cfg.RateLimitRPS),
		ratelimit.WithBurst(cfg.RateLimitBurst),
	)
	evictCtx, stopEvictor := context.WithCancel(ctx)
	defer stopEvictor()
	go limiter.RunEvictor(evictCtx, time.Minute)

	logger.Info(ctx, "master: serving", "addr", addr, "store", cfg.StoreBackend)
	err = master.ServeLimited(ctx, listener, handler, limiter)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("master: serve: %w", err)
	}
	return nil
}

// openStore builds the store.Store backend cfg selects, optionally
// wrapped with a Redis cache-aside accelerator, and returns a close func
// releasing whatever network resources it opened.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	var (
		backend store.Store
		closers []func()
	)

	switch cfg.StoreBackend {
	case "", "memory":
		backend = memory.New()
	case "mongo":
		if cfg.MongoURI == "" {
			return nil, nil, errors.New("-mongo-uri is required when -store=mongo")
		}
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closers = append(closers, func() { _ = client.Disconnect(ctx) })
		backend = mongo.New(client, cfg.MongoDatabase, cfg.MasterName)
	default:
		return nil, nil, fmt.Errorf("unknown -store %q (want memory or mongo)", cfg.StoreBackend)
	}

	if cfg.RedisAddr != "" {
		rdb := redisdriver.NewClient(&redisdriver.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { _ = rdb.Close() })
		backend = rediscache.New(backend, rdb, cfg.MasterName)
	}

	return backend, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
