package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/fleetmeter/fleetmeter/internal/api"
	"github.com/fleetmeter/fleetmeter/internal/config"
	"github.com/fleetmeter/fleetmeter/internal/ingest"
	"github.com/fleetmeter/fleetmeter/internal/observability"
	"github.com/fleetmeter/fleetmeter/internal/rental"
	"github.com/fleetmeter/fleetmeter/internal/store"
	"github.com/fleetmeter/fleetmeter/internal/syncset"
	"github.com/fleetmeter/fleetmeter/internal/usage"
)

// deps bundles the manager's wired components so both serve and
// import-legacy-log can build them identically.
type deps struct {
	cfg        *config.Config
	store      *store.PostgresStore
	reconciler *ingest.Reconciler
	usage      *usage.Calculator
	rentals    *rental.Service
	handler    *api.Handler
}

func buildDeps(ctx context.Context, appName string) (*deps, error) {
	cfg, err := config.Load(appName)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	st, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.SyncSet.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.SyncSet.RedisAddr})
	}
	syncSet := syncset.New(redisClient)

	reconciler := ingest.New(st, syncSet)
	usageCalc := usage.New(st)
	rentalSvc := rental.New(st)

	handler := &api.Handler{
		Reconciler: reconciler,
		Usage:      usageCalc,
		Rentals:    rentalSvc,
		Store:      st,
		APIKey:     cfg.Security.APIKey,
	}

	return &deps{
		cfg:        cfg,
		store:      st,
		reconciler: reconciler,
		usage:      usageCalc,
		rentals:    rentalSvc,
		handler:    handler,
	}, nil
}
