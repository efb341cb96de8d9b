package pool

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pool ties the pieces together: registry, session tracker, event
// hub, dispatcher, supervisor, and the optional script watcher.
type Pool struct {
	cfg    *Config
	logger *zap.Logger

	registry   *Registry
	sessions   *SessionTracker
	events     *EventHub
	metrics    *Metrics
	dispatcher *Dispatcher
	supervisor *Supervisor
	reloader   *reloader

	shutdownOnce sync.Once
}

// HealthSummary is the health endpoint's payload.
type HealthSummary struct {
	Pool    string       `json:"pool"`
	State   string       `json:"state"`
	Stats   Stats        `json:"stats"`
	Workers []WorkerInfo `json:"workers"`
}

// New assembles a pool. Pass a nil registerer to disable metrics.
func New(cfg *Config, logger *zap.Logger, reg prometheus.Registerer) (*Pool, error) {
	if cfg.Worker.ExecPath == "" {
		return nil, newPoolError(CategoryWorker, TypeStartError, "worker.exec_path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(),
		sessions: NewSessionTracker(cfg.MaxSessions, cfg.SessionIdleTTL, logger),
		events:   NewEventHub(cfg.PoolName, logger),
		metrics:  NewMetrics(reg, cfg.PoolName),
	}
	p.dispatcher = NewDispatcher(cfg, logger, p.registry, p.sessions, p.events, p.metrics)
	p.supervisor = NewSupervisor(cfg, logger, p.registry, p.dispatcher, p.events, p.metrics)
	return p, nil
}

// Start brings the workers up and, when configured, begins watching
// the runtime script for changes.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.supervisor.StartAll(ctx); err != nil {
		return err
	}
	if p.cfg.HotReload {
		r, err := newReloader(p.cfg.Worker.ExecPath, p.logger, p.Recycle)
		if err != nil {
			p.logger.Warn("hot reload disabled", zap.Error(err))
		} else {
			p.reloader = r
			p.events.Publish(TopicPool, EventReload, "", map[string]any{"watching": p.cfg.Worker.ExecPath})
			p.logger.Info("hot reload enabled", zap.String("path", p.cfg.Worker.ExecPath))
		}
	}
	return nil
}

// Client returns the command-level API for this pool.
func (p *Pool) Client() *Client { return &Client{pool: p} }

// Stats snapshots the dispatcher.
func (p *Pool) Stats() Stats { return p.dispatcher.Stats() }

// Sessions snapshots the session tracker.
func (p *Pool) Sessions() map[string]SessionRecord { return p.sessions.Snapshot() }

// Events exposes the lifecycle event hub.
func (p *Pool) Events() *EventHub { return p.events }

// State reports overall pool health.
func (p *Pool) State() PoolState {
	if p.dispatcher.IsShutdown() {
		return PoolShutdown
	}
	return p.supervisor.State()
}

// Health reports state plus per-worker detail.
func (p *Pool) Health() HealthSummary {
	workers := p.registry.All()
	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, w.Info())
	}
	return HealthSummary{
		Pool:    p.cfg.PoolName,
		State:   p.State().String(),
		Stats:   p.Stats(),
		Workers: infos,
	}
}

// Recycle retires every live worker after its in-flight work finishes;
// the supervisor brings up replacements. Used by the script watcher
// and the admin recycle endpoint.
func (p *Pool) Recycle() {
	workers := p.registry.All()
	p.logger.Info("recycling workers", zap.Int("count", len(workers)))
	for _, w := range workers {
		w.MarkRecycle()
		w.Drain()
		p.events.Publish(TopicWorkers, EventWorkerRecycled, w.ID(), nil)
	}
}

// Shutdown stops intake, fails queued requests, drains the workers,
// and waits up to drainTimeout. Calling it again is a no-op.
func (p *Pool) Shutdown(drainTimeout time.Duration) error {
	var err error
	p.shutdownOnce.Do(func() {
		if drainTimeout <= 0 {
			drainTimeout = p.cfg.DrainTimeout
		}
		p.logger.Info("pool shutting down", zap.String("pool", p.cfg.PoolName))
		p.events.Publish(TopicPool, EventPoolShutdown, "", nil)

		if p.reloader != nil {
			err = multierr.Append(err, p.reloader.Close())
		}
		p.dispatcher.BeginShutdown()
		p.supervisor.Shutdown(drainTimeout)

		for _, w := range p.registry.All() {
			if w.State() != WorkerTerminated {
				err = multierr.Append(err, newPoolError(CategoryCommunication, TypeWorkerDied,
					"worker force-terminated at shutdown").with("worker_id", w.ID()))
			}
		}
		p.logger.Info("pool shut down", zap.String("pool", p.cfg.PoolName))
	})
	return err
}
