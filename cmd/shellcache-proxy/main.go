package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/host"
	"github.com/Sternrassler/shellcache/pkg/logging"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/Sternrassler/shellcache/pkg/precache"
	"github.com/Sternrassler/shellcache/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	rt, err := config.LoadRuntime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.FromSettings(rt.LogLevel, rt.LogPretty))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, rt); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(ctx context.Context, rt config.Runtime) error {
	policy, err := loadPolicy(rt)
	if err != nil {
		return err
	}

	storage, closeStorage, err := openStorage(ctx, rt)
	if err != nil {
		return err
	}
	defer closeStorage()

	adapter, err := newAdapter(rt, policy, storage, nil)
	if err != nil {
		return err
	}

	if err := adapter.Boot(ctx); err != nil {
		return err
	}

	log.Info().
		Int("port", rt.Port).
		Str("origin", rt.OriginURL).
		Str("store", rt.Store).
		Str("shell", policy.ShellPartition()).
		Msg("Starting shellcache proxy")

	return adapter.ListenAndServe(ctx, ":"+strconv.Itoa(rt.Port))
}

func loadPolicy(rt config.Runtime) (config.Policy, error) {
	if rt.PolicyFile == "" {
		return config.DefaultPolicy(), nil
	}
	policy, err := config.LoadPolicy(rt.PolicyFile)
	if err != nil {
		return policy, err
	}
	log.Info().Str("file", rt.PolicyFile).Str("version", policy.Version).Msg("Loaded policy")
	return policy, nil
}

// openStorage opens the configured backend and returns a function releasing it.
func openStorage(ctx context.Context, rt config.Runtime) (cache.Storage, func(), error) {
	switch rt.Store {
	case config.StoreMemory:
		return cache.NewMemoryStorage(), func() {}, nil

	case config.StoreRedis:
		opts, err := redisOptions(rt.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
		return cache.NewRedisStorage(client, rt.RedisPrefix), func() { client.Close() }, nil

	case config.StoreSQLite:
		s, err := cache.NewSQLiteStorage(rt.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", rt.SQLitePath).Msg("Opened SQLite store")
		return s, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store %q", rt.Store)
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(addr string) (*redis.Options, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: addr}, nil
}

// newAdapter wires fetcher, worker and host. transport overrides the network
// transport of both the fetcher and the pass-through proxy when set.
func newAdapter(rt config.Runtime, policy config.Policy, storage cache.Storage, transport http.RoundTripper) (*host.Adapter, error) {
	origin, err := rt.Origin()
	if err != nil {
		return nil, err
	}

	fetchCfg := network.DefaultConfig(origin)
	fetchCfg.Timeout = rt.FetchTimeout
	fetchCfg.Retry = fetchCfg.Retry.WithRetries(rt.FetchRetries)
	fetchCfg.Collapse = rt.CollapseFetches
	fetcher, err := network.NewHTTPFetcher(fetchCfg)
	if err != nil {
		return nil, err
	}
	if transport != nil {
		fetcher.SetHTTPClient(&http.Client{Transport: transport, Timeout: rt.FetchTimeout})
	}

	w, err := worker.New(policy, worker.Deps{
		Storage: storage,
		Fetcher: fetcher,
		Origin:  origin,
		Precache: precache.Config{
			MaxConcurrency: rt.PrecacheConcurrency,
			Timeout:        rt.FetchTimeout,
		},
	})
	if err != nil {
		return nil, err
	}

	return host.New(w, host.Config{Origin: origin, Transport: transport})
}
