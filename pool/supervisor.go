package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PoolState is the supervisor's view of overall pool health.
type PoolState int32

const (
	PoolRunning PoolState = iota
	PoolDegraded
	PoolFailed
	PoolShutdown
)

func (s PoolState) String() string {
	switch s {
	case PoolRunning:
		return "running"
	case PoolDegraded:
		return "degraded"
	case PoolFailed:
		return "failed"
	case PoolShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// restartPause spaces replacement attempts so a crashing executable
// does not hot-loop inside the budget window.
const restartPause = 500 * time.Millisecond

// replaceAttempts bounds how many consecutive spawn failures one
// replacement tolerates before the pool is marked degraded.
const replaceAttempts = 3

type workerExit struct {
	worker *Worker
	cause  *PoolError
}

// spawnFunc builds and starts one worker. Injectable so tests can run
// pipe-backed workers instead of real subprocesses.
type spawnFunc func(onExit func(*Worker, *PoolError)) (*Worker, error)

// Supervisor keeps size_target workers alive: parallel startup,
// exit monitoring, budgeted replacement, periodic health probing. It
// never sits on the dispatcher's request path.
type Supervisor struct {
	cfg        *Config
	logger     *zap.Logger
	registry   *Registry
	dispatcher *Dispatcher
	events     *EventHub
	metrics    *Metrics
	spawn      spawnFunc

	exitCh chan workerExit
	quit   chan struct{}
	wg     sync.WaitGroup

	state        atomic.Int32
	shuttingDown atomic.Bool

	budgetMu sync.Mutex
	restarts []time.Time
}

func NewSupervisor(cfg *Config, logger *zap.Logger, registry *Registry,
	dispatcher *Dispatcher, events *EventHub, metrics *Metrics) *Supervisor {

	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
		events:     events,
		metrics:    metrics,
		exitCh:     make(chan workerExit, cfg.PoolSize*2+4),
		quit:       make(chan struct{}),
	}
	s.spawn = func(onExit func(*Worker, *PoolError)) (*Worker, error) {
		return startWorker(cfg, logger, onExit)
	}
	return s
}

// State returns the supervisor's pool-health view.
func (s *Supervisor) State() PoolState {
	return PoolState(s.state.Load())
}

// StartAll launches size_target workers in parallel; sequential init
// would multiply user-visible startup latency by the pool size. It
// succeeds once min_ready workers are up, keeps retrying the shortfall
// in the background, and then begins monitoring.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var g errgroup.Group
	var started atomic.Int32

	for i := 0; i < s.cfg.PoolSize; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return nil
			}
			w, err := s.spawn(s.notifyExit)
			if err != nil {
				s.logger.Warn("worker failed to start", zap.Error(err))
				return nil
			}
			started.Add(1)
			s.adopt(w, EventWorkerStarted)
			return nil
		})
	}
	_ = g.Wait()

	up := int(started.Load())
	if up < s.cfg.MinReady {
		for _, w := range s.registry.All() {
			w.Kill("startup aborted")
		}
		return newPoolError(CategoryWorker, TypeStartError,
			"too few workers started").
			with("pool_name", s.cfg.PoolName).
			with("started", up).
			with("min_ready", s.cfg.MinReady)
	}

	for i := up; i < s.cfg.PoolSize; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.replace()
		}()
	}

	s.wg.Add(2)
	go s.run()
	go s.healthLoop()

	s.logger.Info("pool started",
		zap.String("pool", s.cfg.PoolName),
		zap.Int("workers", up),
		zap.Int("target", s.cfg.PoolSize))
	return nil
}

// adopt registers a live worker with the discovery table and the
// dispatcher.
func (s *Supervisor) adopt(w *Worker, eventType string) {
	s.registry.Add(w)
	s.dispatcher.AddWorker(w)
	s.events.Publish(TopicWorkers, eventType, w.ID(), nil)
}

// notifyExit is installed as every worker's onExit hook.
func (s *Supervisor) notifyExit(w *Worker, cause *PoolError) {
	select {
	case s.exitCh <- workerExit{worker: w, cause: cause}:
	case <-s.quit:
	}
}

func (s *Supervisor) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.exitCh:
			s.handleExit(ev)
		}
	}
}

func (s *Supervisor) handleExit(ev workerExit) {
	s.registry.Remove(ev.worker.ID())
	s.dispatcher.RemoveWorker(ev.worker.ID())
	s.events.Publish(TopicWorkers, EventWorkerExited, ev.worker.ID(),
		map[string]any{"cause": ev.cause.Message})

	if s.shuttingDown.Load() {
		return
	}

	// Planned retirements (reload, request budget) are not crashes;
	// replace without charging the restart budget.
	if ev.worker.isRecycling() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.replace()
		}()
		return
	}

	if !s.allowRestart() {
		s.logger.Error("restart budget exhausted, pool failed",
			zap.String("pool", s.cfg.PoolName),
			zap.Int("max_restarts", s.cfg.MaxRestarts),
			zap.Duration("window", s.cfg.MaxRestartsWindow))
		s.state.Store(int32(PoolFailed))
		s.dispatcher.Fail()
		s.events.Publish(TopicPool, EventPoolFailed, "", nil)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.replace()
	}()
}

// allowRestart applies the sliding-window restart budget.
func (s *Supervisor) allowRestart() bool {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.cfg.MaxRestartsWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts) >= s.cfg.MaxRestarts {
		return false
	}
	s.restarts = append(s.restarts, now)
	return true
}

// replace spawns one substitute worker with a bounded retry loop.
func (s *Supervisor) replace() {
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		select {
		case <-s.quit:
			return
		case <-time.After(restartPause):
		}
		if s.shuttingDown.Load() || s.State() == PoolFailed {
			return
		}

		w, err := s.spawn(s.notifyExit)
		if err != nil {
			s.logger.Warn("replacement worker failed to start",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		s.adopt(w, EventWorkerReplaced)
		s.metrics.incRestarts()
		if s.State() == PoolDegraded && s.registry.Count() >= s.cfg.PoolSize {
			s.state.CompareAndSwap(int32(PoolDegraded), int32(PoolRunning))
		}
		return
	}

	s.logger.Error("replacement attempts exhausted, pool degraded",
		zap.String("pool", s.cfg.PoolName))
	s.state.CompareAndSwap(int32(PoolRunning), int32(PoolDegraded))
	s.events.Publish(TopicPool, EventPoolDegraded, "", nil)
}

// healthLoop probes ready workers; an unhealthy worker is killed so
// the normal exit path replaces it.
func (s *Supervisor) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			for _, w := range s.registry.All() {
				if w.State() != WorkerReady {
					continue
				}
				if err := w.HealthCheck(s.cfg.HealthTimeout); err != nil {
					s.logger.Warn("worker failed health check",
						zap.String("worker_id", w.ID()), zap.Error(err))
					w.Kill("failed health check")
				}
			}
		}
	}
}

// Shutdown drains every worker and waits up to drainTimeout for them
// to exit; stragglers are force-terminated. Idempotent.
func (s *Supervisor) Shutdown(drainTimeout time.Duration) {
	if s.shuttingDown.Swap(true) {
		return
	}
	s.state.Store(int32(PoolShutdown))

	workers := s.registry.All()
	for _, w := range workers {
		w.Drain()
	}

	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline.C:
			for _, rest := range workers {
				if rest.State() != WorkerTerminated {
					rest.Kill("shutdown deadline")
				}
			}
			close(s.quit)
			return
		}
	}
	close(s.quit)
}
