package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AltairaLabs/session-supervisor/internal/artifacts"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
	"github.com/AltairaLabs/session-supervisor/internal/storage"
	"github.com/AltairaLabs/session-supervisor/internal/storage/memory"
	"github.com/AltairaLabs/session-supervisor/internal/storage/redis"
)

// openStore connects the configured state store backend
func openStore(ctx context.Context, s config.Settings) (storage.Store, error) {
	switch s.Store {
	case config.StoreRedis:
		return redis.Open(ctx, redis.Options{
			Addr:     s.Redis.Addr,
			Username: s.Redis.Username,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
	case config.StoreMemory:
		return memory.NewStore(0), nil
	default:
		return nil, fmt.Errorf("unknown store %q", s.Store)
	}
}

// components bundles everything a supervisor run owns
type components struct {
	store    storage.Store
	mirror   *artifacts.SQLiteMirror
	spawner  *coordinator.ProcessSpawner
	provider *config.Provider
	sup      *coordinator.Supervisor
}

func (c *components) Close(logger *slog.Logger) {
	c.sup.Close()
	if c.mirror != nil {
		if err := c.mirror.Close(); err != nil {
			logger.Warn("Failed to close snapshot database", "error", err)
		}
	}
	if err := c.store.Close(); err != nil {
		logger.Warn("Failed to close state store", "error", err)
	}
}

// build wires a supervisor from settings
func build(ctx context.Context, s config.Settings, reg prometheus.Registerer, logger *slog.Logger) (*components, error) {
	store, err := openStore(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	dirs, err := artifacts.NewDirStore(s.ArtifactRoot)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var (
		mirror   artifacts.Mirror
		snapshot *artifacts.SQLiteMirror
	)
	if s.SnapshotDB != "" {
		snapshot, err = artifacts.OpenSQLiteMirror(ctx, s.SnapshotDB)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		mirror = snapshot
	}

	spawner := coordinator.NewProcessSpawner(s.WorkerBinary, s.WorkerArgs, s.SocketPath, logger)
	provider := config.NewProvider(s.Dispatch, store, configPath, logger)

	sup, err := coordinator.New(coordinator.Options{
		Store:      store,
		Spawner:    spawner,
		Artifacts:  dirs,
		Mirror:     mirror,
		Dispatch:   provider,
		Lifecycle:  s.Lifecycle,
		Queue:      s.Queue,
		Monitor:    s.Monitor,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		if snapshot != nil {
			_ = snapshot.Close()
		}
		_ = store.Close()
		return nil, err
	}

	return &components{
		store:    store,
		mirror:   snapshot,
		spawner:  spawner,
		provider: provider,
		sup:      sup,
	}, nil
}
