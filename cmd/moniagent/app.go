package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/huytu0702/moniagent-sub000/backend/memory"
	"github.com/huytu0702/moniagent-sub000/backend/postgres"
	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/capture/llm"
	"github.com/huytu0702/moniagent-sub000/capture/rules"
	"github.com/huytu0702/moniagent-sub000/config"
	"github.com/huytu0702/moniagent-sub000/graph"
	"github.com/huytu0702/moniagent-sub000/graph/emit"
	"github.com/huytu0702/moniagent-sub000/graph/model"
	"github.com/huytu0702/moniagent-sub000/graph/model/anthropic"
	"github.com/huytu0702/moniagent-sub000/graph/model/google"
	"github.com/huytu0702/moniagent-sub000/graph/model/openai"
	"github.com/huytu0702/moniagent-sub000/graph/store"
)

// backend is everything the capture collaborators need from a ledger store.
type backend interface {
	capture.CategoryStore
	capture.Ledger
	capture.BudgetService
	capture.LearningService
	capture.SpendingReporter
}

// app is one process's wiring of config to a capture Service.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	service  *capture.Service
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, tracing bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.sweep(ctx, st)
	be, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	deps := capture.Deps{
		Categories: be,
		Ledger:     be,
		Budget:     be,
		Learning:   be,
	}
	if cfg.LLM.Provider == config.ProviderNone {
		deps.Extractor = rules.NewExtractor(be)
		deps.Advice = rules.NewAdvisor(be)
	} else {
		m := chatModel(cfg.LLM)
		deps.Extractor = llm.NewExtractor(m, be)
		deps.Classifier = llm.NewClassifier(m)
		deps.Advice = llm.NewAdvisor(m, be)
	}

	var emitter emit.Emitter = emit.NewLogEmitter(logger)
	if tracing {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(newSpanLogger(logger)))
		a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })
		emitter = emit.Multi(emitter, emit.NewOTelEmitter(tp.Tracer("moniagent")))
	}

	a.service, err = capture.New(deps, st,
		capture.WithLogger(logger),
		capture.WithEmitter(emitter),
		capture.WithMetrics(capture.NewMetrics(a.registry)),
		capture.WithEngineMetrics(graph.NewPrometheusMetrics(a.registry)),
		capture.WithConfirmationTTL(cfg.Capture.ConfirmationTTL),
		capture.WithMaxSteps(cfg.Capture.MaxSteps),
		capture.WithNodeTimeout(cfg.Capture.NodeTimeout),
		capture.WithExtractRetry(graph.RetryPolicy{
			MaxAttempts: cfg.Capture.ExtractAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build capture service: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.LockingStore[capture.State], error) {
	sc := a.cfg.Store
	opts := []store.Option{store.WithTTL(sc.TTL), store.WithKeyPrefix(sc.KeyPrefix)}

	switch sc.Driver {
	case config.StoreMemory:
		return store.NewMemStore[capture.State](opts...), nil
	case config.StoreMySQL:
		st, err := store.NewMySQLStore[capture.State](sc.MySQLDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	case config.StoreRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		st := store.NewRedisStore[capture.State](client, opts...)
		if err := st.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", sc.RedisAddr, err)
		}
		return st, nil
	default:
		st, err := store.NewSQLiteStore[capture.State](sc.SQLitePath, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	}
}

// sweep evicts expired sessions from stores that keep them until swept.
// Redis expires keys by itself.
func (a *app) sweep(ctx context.Context, st store.Store[capture.State]) {
	sw, ok := st.(interface {
		Sweep(context.Context) (int, error)
	})
	if !ok {
		return
	}
	n, err := sw.Sweep(ctx)
	if err != nil {
		a.logger.Warn("session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Info("expired sessions removed", zap.Int("count", n))
	}
}

func (a *app) openBackend(ctx context.Context) (backend, error) {
	if a.cfg.Backend.Driver != config.BackendPostgres {
		return memory.New(), nil
	}

	pool, err := postgres.NewPool(ctx, a.cfg.Backend.PostgresDSN, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	be := postgres.New(pool, a.logger)
	if err := be.Migrate(ctx); err != nil {
		return nil, err
	}
	return be, nil
}

func chatModel(c config.LLMConfig) model.ChatModel {
	switch c.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewChatModel(c.APIKey, c.Model)
	case config.ProviderGoogle:
		return google.NewChatModel(c.APIKey, c.Model, true)
	default:
		return openai.NewChatModel(c.APIKey, c.Model, openai.WithJSONResponse())
	}
}

// Close waits for background learning and releases stores in reverse order.
func (a *app) Close() error {
	if a.service != nil {
		a.service.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
