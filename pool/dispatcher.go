package pool

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Priority selects the queue class for a request. High-priority
// requests dispatch ahead of normal ones; within a class, FIFO holds.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// ExecRequest is a fully-normalized request entering the dispatcher.
type ExecRequest struct {
	Command         string
	Args            json.RawMessage
	SessionID       string
	Priority        Priority
	CheckoutTimeout time.Duration
	RequestTimeout  time.Duration
}

// Stats is the dispatcher's observable state at one instant.
type Stats struct {
	Size           int    `json:"size"`
	Available      int    `json:"available"`
	Busy           int    `json:"busy"`
	QueueDepth     int    `json:"queue_depth"`
	InFlight       int    `json:"in_flight"`
	UptimeMs       int64  `json:"uptime_ms"`
	SessionCount   int    `json:"session_count"`
	RequestsServed uint64 `json:"requests_served"`
	RequestErrors  uint64 `json:"request_errors"`
}

type execResult struct {
	result json.RawMessage
	err    *PoolError
}

// execJob is one caller waiting for (or holding) a worker. The ticket
// identifies it in the queue; the wire request id is allocated only at
// dispatch so refused requests never consume one.
type execJob struct {
	ticket     uint64
	req        ExecRequest
	resultCh   chan execResult
	enqueuedAt time.Time
	timer      *time.Timer
}

type checkinMsg struct {
	worker     *Worker
	terminated bool
}

type shutdownMsg struct {
	done chan struct{}
}

// Dispatcher owns checkout/checkin. All of its mutable state lives in
// the run loop's goroutine; every other component talks to it through
// messages, so there is no lock around the queues or the worker sets.
type Dispatcher struct {
	cfg      *Config
	logger   *zap.Logger
	registry *Registry
	sessions *SessionTracker
	events   *EventHub
	metrics  *Metrics

	submitCh   chan *execJob
	cancelCh   chan uint64
	expireCh   chan uint64
	checkinCh  chan checkinMsg
	addCh      chan *Worker
	removeCh   chan string
	statsCh    chan chan Stats
	shutdownCh chan shutdownMsg
	failCh     chan struct{}

	ticketSeq  atomic.Uint64
	served     atomic.Uint64
	failedReqs atomic.Uint64
	isDown     atomic.Bool
	startedAt  time.Time
}

// dispatcherState is the loop-private mutable state.
type dispatcherState struct {
	available   []*Worker
	busy        map[string]*Worker
	queueHigh   []*execJob
	queueNormal []*execJob
	requestSeq uint64
	shutdown   bool
	failed     bool
}

func NewDispatcher(cfg *Config, logger *zap.Logger, registry *Registry,
	sessions *SessionTracker, events *EventHub, metrics *Metrics) *Dispatcher {

	d := &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		sessions:   sessions,
		events:     events,
		metrics:    metrics,
		submitCh:   make(chan *execJob),
		cancelCh:   make(chan uint64, 64),
		expireCh:   make(chan uint64, 64),
		checkinCh:  make(chan checkinMsg, 64),
		addCh:      make(chan *Worker, 16),
		removeCh:   make(chan string, 16),
		statsCh:    make(chan chan Stats),
		shutdownCh: make(chan shutdownMsg),
		failCh:     make(chan struct{}, 1),
		startedAt:  time.Now(),
	}
	go d.run()
	return d
}

// Execute blocks until the request resolves: a result, a structured
// error, or a deadline. Exactly one reply is ever delivered.
func (d *Dispatcher) Execute(ctx context.Context, req ExecRequest) (json.RawMessage, error) {
	if req.CheckoutTimeout <= 0 {
		req.CheckoutTimeout = d.cfg.CheckoutTimeout
	}
	if req.RequestTimeout <= 0 {
		req.RequestTimeout = d.cfg.RequestTimeout
	}

	d.sessions.Touch(req.SessionID)

	job := &execJob{
		ticket:     d.ticketSeq.Add(1),
		req:        req,
		resultCh:   make(chan execResult, 1),
		enqueuedAt: time.Now(),
	}
	d.submitCh <- job

	select {
	case res := <-job.resultCh:
		return res.result, poolErrOrNil(res.err)
	case <-ctx.Done():
		// Best-effort removal; if the job was already dispatched the
		// loop ignores the cancel and the real outcome follows.
		select {
		case d.cancelCh <- job.ticket:
		default:
		}
		res := <-job.resultCh
		return res.result, poolErrOrNil(res.err)
	}
}

func poolErrOrNil(err *PoolError) error {
	if err == nil {
		return nil
	}
	return err
}

// AddWorker hands a freshly-started worker to the dispatcher.
func (d *Dispatcher) AddWorker(w *Worker) {
	d.addCh <- w
}

// RemoveWorker detaches a dead worker from the available/busy sets.
func (d *Dispatcher) RemoveWorker(id string) {
	d.removeCh <- id
}

// Stats is a pure observation; it does not change pool state.
func (d *Dispatcher) Stats() Stats {
	reply := make(chan Stats, 1)
	d.statsCh <- reply
	return <-reply
}

// Fail transitions the dispatcher to the terminal failed state; every
// queued and future request is refused with pool_failed.
func (d *Dispatcher) Fail() {
	select {
	case d.failCh <- struct{}{}:
	default:
	}
}

// BeginShutdown stops intake, fails the queue, and drains idle
// workers. Busy workers drain as they check in. Idempotent.
func (d *Dispatcher) BeginShutdown() {
	if d.isDown.Swap(true) {
		return
	}
	msg := shutdownMsg{done: make(chan struct{})}
	d.shutdownCh <- msg
	<-msg.done
}

// IsShutdown reports whether shutdown has begun.
func (d *Dispatcher) IsShutdown() bool { return d.isDown.Load() }

func (d *Dispatcher) run() {
	st := &dispatcherState{busy: make(map[string]*Worker)}

	for {
		select {
		case job := <-d.submitCh:
			d.handleSubmit(st, job)
		case ticket := <-d.cancelCh:
			d.dropQueued(st, ticket, newPoolError(CategoryTimeout, TypeCheckoutTimeout,
				"request canceled while waiting for a worker").with("pool_name", d.cfg.PoolName))
		case ticket := <-d.expireCh:
			d.dropQueued(st, ticket, nil)
		case msg := <-d.checkinCh:
			d.handleCheckin(st, msg)
		case w := <-d.addCh:
			d.handleAddWorker(st, w)
		case id := <-d.removeCh:
			d.handleRemoveWorker(st, id)
		case reply := <-d.statsCh:
			reply <- d.snapshot(st)
		case msg := <-d.shutdownCh:
			d.handleShutdown(st, msg)
		case <-d.failCh:
			st.failed = true
			d.flushQueue(st, func(j *execJob) *PoolError {
				return newPoolError(CategoryResource, TypePoolFailed,
					"worker restart budget exhausted").with("pool_name", d.cfg.PoolName)
			})
		}
		d.metrics.setGauges(d.registry.Count(), len(st.busy), len(st.queueHigh)+len(st.queueNormal))
	}
}

func (d *Dispatcher) handleSubmit(st *dispatcherState, job *execJob) {
	switch {
	case st.shutdown:
		job.resultCh <- execResult{err: newPoolError(CategoryResource, TypePoolShutdown,
			"pool is shutting down").with("pool_name", d.cfg.PoolName)}
		return
	case st.failed:
		job.resultCh <- execResult{err: newPoolError(CategoryResource, TypePoolFailed,
			"worker restart budget exhausted").with("pool_name", d.cfg.PoolName)}
		return
	}

	if w := d.popAvailable(st); w != nil {
		d.dispatch(st, job, w)
		return
	}

	depth := len(st.queueHigh) + len(st.queueNormal)
	if depth >= d.cfg.MaxQueueDepth {
		d.failedReqs.Add(1)
		job.resultCh <- execResult{err: newPoolError(CategoryResource, TypeQueueFull,
			"request queue is full").
			with("pool_name", d.cfg.PoolName).
			with("queue_depth", depth)}
		return
	}

	if job.req.Priority == PriorityHigh {
		st.queueHigh = append(st.queueHigh, job)
	} else {
		st.queueNormal = append(st.queueNormal, job)
	}
	ticket := job.ticket
	job.timer = time.AfterFunc(job.req.CheckoutTimeout, func() {
		d.expireCh <- ticket
	})
}

// popAvailable takes the longest-waiting worker, skipping any that
// died while parked.
func (d *Dispatcher) popAvailable(st *dispatcherState) *Worker {
	for len(st.available) > 0 {
		w := st.available[0]
		st.available = st.available[1:]
		if s := w.State(); s == WorkerTerminated || s == WorkerDraining {
			continue
		}
		return w
	}
	return nil
}

// nextQueued pops the head of the highest non-empty priority class.
func (d *Dispatcher) nextQueued(st *dispatcherState) *execJob {
	if len(st.queueHigh) > 0 {
		j := st.queueHigh[0]
		st.queueHigh = st.queueHigh[1:]
		return j
	}
	if len(st.queueNormal) > 0 {
		j := st.queueNormal[0]
		st.queueNormal = st.queueNormal[1:]
		return j
	}
	return nil
}

func (d *Dispatcher) dispatch(st *dispatcherState, job *execJob, w *Worker) {
	if job.timer != nil {
		job.timer.Stop()
	}
	st.busy[w.ID()] = w
	st.requestSeq++
	go d.runRequest(w, job, st.requestSeq)
}

// dropQueued removes a still-queued job. reason nil means the checkout
// deadline fired. A job no longer queued already dispatched; nothing
// to do.
func (d *Dispatcher) dropQueued(st *dispatcherState, ticket uint64, reason *PoolError) {
	job := removeTicket(&st.queueHigh, ticket)
	if job == nil {
		job = removeTicket(&st.queueNormal, ticket)
	}
	if job == nil {
		return
	}
	if reason == nil {
		reason = newPoolError(CategoryTimeout, TypeCheckoutTimeout,
			"no worker available before the checkout deadline").
			with("pool_name", d.cfg.PoolName).
			with("waited_ms", time.Since(job.enqueuedAt).Milliseconds())
		if job.req.SessionID != "" {
			reason.with("session_id", job.req.SessionID)
		}
	}
	d.failedReqs.Add(1)
	d.metrics.observeRequest("checkout_timeout", time.Since(job.enqueuedAt).Seconds())
	job.resultCh <- execResult{err: reason}
}

func removeTicket(queue *[]*execJob, ticket uint64) *execJob {
	q := *queue
	for i, j := range q {
		if j.ticket == ticket {
			*queue = append(q[:i], q[i+1:]...)
			return j
		}
	}
	return nil
}

func (d *Dispatcher) handleCheckin(st *dispatcherState, msg checkinMsg) {
	delete(st.busy, msg.worker.ID())

	if msg.terminated {
		// The supervisor replaces it; a queued request is rematched
		// when the replacement checks in.
		return
	}

	if st.shutdown {
		msg.worker.Drain()
		return
	}

	// Retire workers that hit the per-worker request budget.
	if limit := d.cfg.MaxRequestsPerWorker; limit > 0 &&
		msg.worker.RequestsHandled() >= uint64(limit) {
		d.logger.Info("worker reached request budget, recycling",
			zap.String("worker_id", msg.worker.ID()),
			zap.Uint64("requests", msg.worker.RequestsHandled()))
		msg.worker.MarkRecycle()
		msg.worker.Drain()
		d.events.Publish(TopicWorkers, EventWorkerRecycled, msg.worker.ID(), nil)
		return
	}

	d.matchOrPark(st, msg.worker)
}

func (d *Dispatcher) handleAddWorker(st *dispatcherState, w *Worker) {
	if st.shutdown || st.failed {
		w.Drain()
		return
	}
	d.matchOrPark(st, w)
}

// matchOrPark hands the worker to the next queued request (high
// priority first, oldest first within a class), or parks it at the
// back of the available list (FIFO on return, to spread load).
func (d *Dispatcher) matchOrPark(st *dispatcherState, w *Worker) {
	// A worker drained out from under us (recycle, reload) never
	// comes back; its replacement will check in instead.
	if s := w.State(); s == WorkerTerminated || s == WorkerDraining {
		return
	}
	if job := d.nextQueued(st); job != nil {
		d.dispatch(st, job, w)
		return
	}
	st.available = append(st.available, w)
}

func (d *Dispatcher) handleRemoveWorker(st *dispatcherState, id string) {
	for i, w := range st.available {
		if w.ID() == id {
			st.available = append(st.available[:i], st.available[i+1:]...)
			break
		}
	}
	delete(st.busy, id)
}

func (d *Dispatcher) handleShutdown(st *dispatcherState, msg shutdownMsg) {
	st.shutdown = true
	d.flushQueue(st, func(j *execJob) *PoolError {
		e := newPoolError(CategoryResource, TypePoolShutdown,
			"pool is shutting down").with("pool_name", d.cfg.PoolName)
		if j.req.SessionID != "" {
			e.with("session_id", j.req.SessionID)
		}
		return e
	})
	for _, w := range st.available {
		w.Drain()
	}
	st.available = nil
	close(msg.done)
}

func (d *Dispatcher) flushQueue(st *dispatcherState, mkErr func(*execJob) *PoolError) {
	for _, q := range [][]*execJob{st.queueHigh, st.queueNormal} {
		for _, job := range q {
			if job.timer != nil {
				job.timer.Stop()
			}
			d.failedReqs.Add(1)
			job.resultCh <- execResult{err: mkErr(job)}
		}
	}
	st.queueHigh = nil
	st.queueNormal = nil
}

// runRequest drives one request against one worker off the loop
// goroutine: send, await the reply or the deadline, check the worker
// back in, resolve the caller.
func (d *Dispatcher) runRequest(w *Worker, job *execJob, requestID uint64) {
	start := time.Now()
	reply := make(chan workerReply, 1)
	var res execResult

	if err := w.Send(requestID, job.req.Command, job.req.Args, reply); err != nil {
		res.err = AsPoolError(err).
			with("pool_name", d.cfg.PoolName).
			with("request_id", requestID)
	} else {
		timer := time.NewTimer(job.req.RequestTimeout)
		select {
		case r := <-reply:
			timer.Stop()
			if r.Err != nil {
				res.err = r.Err.with("pool_name", d.cfg.PoolName)
			} else {
				res.result = r.Result
			}
		case <-timer.C:
			// Best-effort reap; if the frame still arrives it is
			// dropped as an orphan by the worker's reader loop.
			w.forget(requestID)
			res.err = newPoolError(CategoryTimeout, TypeRequestTimeout,
				"no response before the request deadline").
				with("pool_name", d.cfg.PoolName).
				with("worker_id", w.ID()).
				with("request_id", requestID)
		}
	}

	if res.err != nil && job.req.SessionID != "" {
		res.err.with("session_id", job.req.SessionID)
	}

	elapsed := time.Since(start)
	outcome := "ok"
	if res.err != nil {
		outcome = res.err.Type
		d.failedReqs.Add(1)
	} else {
		d.served.Add(1)
	}
	d.metrics.observeRequest(outcome, elapsed.Seconds())

	d.checkinCh <- checkinMsg{
		worker:     w,
		terminated: w.State() == WorkerTerminated,
	}
	job.resultCh <- res
}

func (d *Dispatcher) snapshot(st *dispatcherState) Stats {
	return Stats{
		Size:           d.registry.Count(),
		Available:      len(st.available),
		Busy:           len(st.busy),
		QueueDepth:     len(st.queueHigh) + len(st.queueNormal),
		InFlight:       len(st.busy),
		UptimeMs:       time.Since(d.startedAt).Milliseconds(),
		SessionCount:   d.sessions.Count(),
		RequestsServed: d.served.Load(),
		RequestErrors:  d.failedReqs.Load(),
	}
}
