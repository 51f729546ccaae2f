// Package app wires the relay host together from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"

	"github.com/nfrund/roomsync/internal/config"
	"github.com/nfrund/roomsync/internal/pubsub"
	"github.com/nfrund/roomsync/internal/relay"
	"github.com/nfrund/roomsync/internal/server"
	"github.com/nfrund/roomsync/internal/store"
)

// Storage is the persistence selected by configuration.
type Storage struct {
	Messages  store.MessageStore
	Documents store.DocumentStore
}

// closers collects what the server has to release on shutdown.
type closers struct {
	mu   sync.Mutex
	list []server.Closer
}

func (c *closers) add(fn server.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, fn)
}

func (c *closers) all() []server.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]server.Closer(nil), c.list...)
}

// NewInjector registers every relay service. Services are built on first
// invocation.
func NewInjector(cfg config.Provider, logger *slog.Logger) do.Injector {
	i := do.New()
	do.ProvideValue[config.Provider](i, cfg)
	do.ProvideValue(i, logger)
	do.ProvideValue(i, &closers{})

	do.Provide(i, provideStorage)
	do.Provide(i, provideSequencer)
	do.Provide(i, provideBus)
	do.Provide(i, provideRelay)
	do.Provide(i, provideServer)
	return i
}

// NewServer builds the relay host described by cfg.
func NewServer(cfg config.Provider, logger *slog.Logger) (*server.Server, error) {
	return do.Invoke[*server.Server](NewInjector(cfg, logger))
}

func provideStorage(i do.Injector) (*Storage, error) {
	cfg := do.MustInvoke[config.Provider](i)
	logger := do.MustInvoke[*slog.Logger](i)

	s := &Storage{}
	switch cfg.GetStore() {
	case config.StoreSurreal:
		db, err := store.ConnectSurreal(context.Background(), store.SurrealConfig{
			URL:       cfg.GetDBUrl(),
			Namespace: cfg.GetDBNs(),
			Database:  cfg.GetDBDb(),
			User:      cfg.GetDBUser(),
			Pass:      cfg.GetDBPass(),
		}, logger)
		if err != nil {
			return nil, err
		}
		do.MustInvoke[*closers](i).add(db.Close)
		s.Messages, s.Documents = db, db
	default:
		mem := store.NewMemoryStore()
		s.Messages, s.Documents = mem, mem
	}

	if dir := cfg.GetSnapshotDir(); dir != "" {
		s.Documents = store.NewSnapshotFiles(afero.NewOsFs(), dir)
		logger.Info("Document snapshots stored on disk", "snapshot_dir", dir)
	}
	return s, nil
}

func provideSequencer(i do.Injector) (relay.Sequencer, error) {
	cfg := do.MustInvoke[config.Provider](i)
	addr := cfg.GetRedisAddr()
	if addr == "" {
		return relay.NewMemorySequencer(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	do.MustInvoke[*closers](i).add(func(context.Context) error {
		return client.Close()
	})
	return relay.NewRedisSequencer(client), nil
}

func provideBus(i do.Injector) (relay.Bus, error) {
	return pubsub.NewWatermillBridge(do.MustInvoke[*slog.Logger](i)), nil
}

func provideRelay(i do.Injector) (*relay.Server, error) {
	cfg := do.MustInvoke[config.Provider](i)
	storage, err := do.Invoke[*Storage](i)
	if err != nil {
		return nil, err
	}
	seq, err := do.Invoke[relay.Sequencer](i)
	if err != nil {
		return nil, err
	}
	return relay.New(
		relay.WithBus(do.MustInvoke[relay.Bus](i)),
		relay.WithMessageStore(storage.Messages),
		relay.WithDocumentStore(storage.Documents),
		relay.WithSequencer(seq),
		relay.WithSnapshotWindow(cfg.GetSnapshotWindow()),
		relay.WithLogger(do.MustInvoke[*slog.Logger](i)),
	), nil
}

func provideServer(i do.Injector) (*server.Server, error) {
	r, err := do.Invoke[*relay.Server](i)
	if err != nil {
		return nil, err
	}
	s := server.New(
		do.MustInvoke[config.Provider](i),
		r,
		do.MustInvoke[*slog.Logger](i),
		do.MustInvoke[*closers](i).all()...,
	)
	s.RegisterRoutes()
	return s, nil
}
