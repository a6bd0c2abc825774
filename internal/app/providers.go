package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/fanout/internal/broker/memory"
	"github.com/nfrund/fanout/internal/broker/natsjs"
	"github.com/nfrund/fanout/internal/config"
	"github.com/nfrund/fanout/internal/logging"
	"github.com/nfrund/fanout/internal/pubsub"
	"github.com/nfrund/fanout/internal/script"
	"github.com/nfrund/fanout/internal/server"
	"github.com/nfrund/fanout/internal/topicmgr"
	"github.com/nfrund/fanout/internal/websocket"
)

// Tracing is the configured tracer. Tracer is nil when tracing is disabled.
type Tracing struct {
	Tracer trace.Tracer
}

func provideLogger(i do.Injector) (*slog.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return logging.New(cfg.LogFormat, cfg.LogLevel), nil
}

func (a *App) provideTracing(i do.Injector) (*Tracing, error) {
	cfg := do.MustInvoke[*config.Config](i)
	if !cfg.Tracing.Enabled {
		return &Tracing{}, nil
	}
	tracer, shutdown, err := pubsub.SetupOTel(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("set up tracing: %w", err)
	}
	a.onClose("tracing", shutdown)
	return &Tracing{Tracer: tracer}, nil
}

func (a *App) provideBroker(i do.Injector) (pubsub.Broker, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)

	switch cfg.Broker {
	case config.BrokerJetStream:
		url := cfg.NATSURL
		if cfg.NATSEmbedded {
			srv, err := natsjs.StartEmbedded(natsjs.ServerConfig{
				Port:     -1,
				StoreDir: cfg.NATSStoreDir,
				NoLog:    true,
			})
			if err != nil {
				return nil, err
			}
			a.onClose("nats-server", srv.Shutdown)
			url = srv.ClientURL()
			logger.Info("Embedded NATS server started", "url", url)
		}

		b, err := natsjs.Connect(context.Background(), url, natsjs.Config{
			Stream:        cfg.NATSStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			MemoryStorage: cfg.NATSMemoryStorage,
		}, natsjs.WithLogger(logger.With("service", "broker.natsjs")))
		if err != nil {
			return nil, err
		}
		a.onClose("broker", func(context.Context) error { return b.Close() })
		return b, nil

	default:
		b := memory.New(memory.WithLogger(logger.With("service", "broker.memory")))
		a.onClose("broker", func(context.Context) error { return b.Close() })
		return b, nil
	}
}

func provideTopics(do.Injector) (*topicmgr.Manager, error) {
	return topicmgr.Default(), nil
}

func (a *App) provideProcessor(i do.Injector) (pubsub.MessageProcessor, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	tracing := do.MustInvoke[*Tracing](i)

	var processor pubsub.MessageProcessor = pubsub.IdentityProcessor
	if cfg.ProcessorScript != "" {
		p, err := script.NewProcessor(afero.NewOsFs(), cfg.ProcessorScript,
			script.WithLogger(logger.With("service", "script")))
		if err != nil {
			return nil, err
		}
		if cfg.ProcessorScriptWatch {
			if err := p.Watch(context.Background()); err != nil {
				return nil, err
			}
			a.onClose("script-watcher", func(context.Context) error { return p.Close() })
		}
		processor = p.Process
	}
	if tracing.Tracer != nil {
		processor = pubsub.TracingProcessor(tracing.Tracer, processor)
	}
	return processor, nil
}

func (a *App) providePubSub(i do.Injector) (*pubsub.Service, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	a.logger = logger

	broker, err := do.Invoke[pubsub.Broker](i)
	if err != nil {
		return nil, err
	}
	processor, err := do.Invoke[pubsub.MessageProcessor](i)
	if err != nil {
		return nil, err
	}
	tracing := do.MustInvoke[*Tracing](i)

	opts := []pubsub.Option{
		pubsub.WithLogger(logger.With("service", "pubsub")),
		pubsub.WithDefaultTTL(cfg.SubscriptionTTL),
		pubsub.WithIdleDeletion(cfg.SubscriptionIdleDelete),
		pubsub.WithMessageProcessor(processor),
	}
	if tracing.Tracer != nil {
		opts = append(opts, pubsub.WithTracer(tracing.Tracer))
	}
	svc := pubsub.NewService(broker, opts...)
	a.onClose("pubsub", svc.Close)
	return svc, nil
}

func provideStreamer(i do.Injector) (*websocket.Streamer, error) {
	svc, err := do.Invoke[*pubsub.Service](i)
	if err != nil {
		return nil, err
	}
	logger := do.MustInvoke[*slog.Logger](i)
	return websocket.NewStreamer(svc, websocket.NewClientManager(),
		websocket.WithStreamerLogger(logger.With("service", "websocket"))), nil
}

func provideServer(i do.Injector) (*server.Server, error) {
	svc, err := do.Invoke[*pubsub.Service](i)
	if err != nil {
		return nil, err
	}
	streamer, err := do.Invoke[*websocket.Streamer](i)
	if err != nil {
		return nil, err
	}
	return server.New(server.Dependencies{
		PubSub:   svc,
		Topics:   do.MustInvoke[*topicmgr.Manager](i),
		Streamer: streamer,
		Logger:   do.MustInvoke[*slog.Logger](i),
	}, server.Options{}), nil
}
