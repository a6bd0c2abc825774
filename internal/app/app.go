// Package app wires the fanout services together with a samber/do injector.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/do/v2"

	"github.com/nfrund/fanout/internal/config"
	"github.com/nfrund/fanout/internal/pubsub"
	"github.com/nfrund/fanout/internal/server"
)

// closer releases a resource acquired while building a service.
type closer struct {
	name string
	fn   func(context.Context) error
}

// App owns the injector and everything it built.
type App struct {
	injector do.Injector
	logger   *slog.Logger

	mu      sync.Mutex
	closers []closer
}

// New registers every provider. Services are built lazily on first use.
func New(cfg *config.Config) *App {
	a := &App{injector: do.New()}
	do.ProvideValue(a.injector, cfg)
	do.Provide(a.injector, provideLogger)
	do.Provide(a.injector, a.provideTracing)
	do.Provide(a.injector, a.provideBroker)
	do.Provide(a.injector, provideTopics)
	do.Provide(a.injector, a.provideProcessor)
	do.Provide(a.injector, a.providePubSub)
	do.Provide(a.injector, provideStreamer)
	do.Provide(a.injector, provideServer)
	return a
}

// Injector exposes the container, mainly for tests and tools.
func (a *App) Injector() do.Injector { return a.injector }

// PubSub builds (once) and returns the pool manager.
func (a *App) PubSub() (*pubsub.Service, error) {
	return do.Invoke[*pubsub.Service](a.injector)
}

// Server builds (once) and returns the HTTP server.
func (a *App) Server() (*server.Server, error) {
	return do.Invoke[*server.Server](a.injector)
}

// Run serves HTTP until ctx is done, then releases everything.
func (a *App) Run(ctx context.Context) error {
	cfg := do.MustInvoke[*config.Config](a.injector)
	srv, err := a.Server()
	if err != nil {
		return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}
	runErr := srv.Start(ctx, cfg.ServerAddr)
	return errors.Join(runErr, a.Close(context.WithoutCancel(ctx)))
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases resources in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	logger := a.logger
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			logger.Error("Shutdown step failed", "component", c.name, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Debug("Component stopped", "component", c.name)
	}
	return errors.Join(errs...)
}
