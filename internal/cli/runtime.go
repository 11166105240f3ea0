package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/cache"
	"github.com/lazypower/questlog/internal/config"
	"github.com/lazypower/questlog/internal/engine"
	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/llm"
	"github.com/lazypower/questlog/internal/logging"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
	"github.com/lazypower/questlog/internal/syncq"
	"github.com/lazypower/questlog/internal/telemetry"
)

// app is the wired application shared by every command.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	db       *store.DB
	remote   remote.Store
	queue    *syncq.Queue
	monitor  *syncq.Monitor
	cache    *cache.Coordinator
	engine   *engine.Engine
	shutdown func(context.Context) error
}

func openRuntime(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, "questlog", Version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var rs remote.Store
	if cfg.Remote.URL == "memory" {
		logger.Warn("using in-process remote store, synced data is not kept")
		rs = remote.NewMemoryStore()
	} else {
		rs = remote.NewHTTPStore(remote.HTTPConfig{
			BaseURL:       cfg.Remote.URL,
			Token:         cfg.Remote.Token,
			Timeout:       cfg.Remote.Timeout,
			RatePerSecond: cfg.Remote.RatePerSecond,
			Burst:         cfg.Remote.Burst,
		})
	}

	q := syncq.New(db, rs, cfg.Sync, logger)
	monitor := syncq.NewMonitor(rs, cfg.Remote.ProbeInterval, 5*time.Second, logger)
	q.AttachMonitor(monitor)

	coord, err := cache.New(db, rs, q, logger, cache.Options{TTL: cfg.Cache.TTL, Curve: cfg.Level})
	if err != nil {
		db.Close()
		return nil, err
	}
	q.OnAck(coord.AcknowledgeTx)
	q.OnDiscard(coord.ReleaseTx)
	q.OnDeadLetter(func(d store.DeadLetter, err error) {
		logger.Error("sync write needs attention; see `questlog sync dead`",
			zap.String("id", d.ID), zap.Error(err))
	})

	var classifier llm.Classifier
	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		logger.Warn("classifier not configured, entries will wait for retry", zap.Error(err))
		classifier = llm.ClassifierFunc(func(context.Context, string) (map[string]float64, error) {
			return nil, errs.Errorf(errs.KindValidation, "llm", "classifier not configured: %v", err)
		})
	} else {
		classifier = llm.NewClassifier(client, func() []string { return actionLabels(coord.Model()) })
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		remote:   rs,
		queue:    q,
		monitor:  monitor,
		cache:    coord,
		engine:   engine.New(db, coord, classifier, llm.Unavailable{}, logger),
		shutdown: shutdown,
	}, nil
}

// flush makes one best-effort attempt to deliver queued writes before a
// one-shot command exits. Undelivered writes stay queued for next time.
func (rt *app) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.Remote.Timeout)
	defer cancel()
	if err := rt.queue.Save(ctx); err != nil {
		rt.logger.Warn("sync deferred", zap.Error(err))
	}
}

func (rt *app) Close() {
	rt.queue.Stop()
	rt.monitor.Stop()
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("close database", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.shutdown != nil {
		rt.shutdown(ctx)
	}
	rt.logger.Sync()
}

// actionLabels lists the labels of action nodes, for classifier prompts.
func actionLabels(m *graph.Model) []string {
	nodes, _ := m.Snapshot()
	var out []string
	for _, n := range nodes {
		if n.Type == graph.TypeAction {
			out = append(out, n.Label)
		}
	}
	return out
}
