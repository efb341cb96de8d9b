package pool

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkerState is the lifecycle position of a worker.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerReady
	WorkerBusy
	WorkerDraining
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerReady:
		return "ready"
	case WorkerBusy:
		return "busy"
	case WorkerDraining:
		return "draining"
	case WorkerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// internalIDBase is where worker-local request ids (health pings, the
// init handshake aside) start. Dispatcher ids count up from 1, so the
// two spaces cannot collide inside one pending mailbox.
const internalIDBase = uint64(1) << 62

// workerReply is what a caller's reply channel receives for one
// in-flight request.
type workerReply struct {
	OK       bool
	Result   json.RawMessage
	Err      *PoolError
	WorkerID string
}

// Worker owns exactly one subprocess: its pipes, its pending mailbox,
// and the reader/writer goroutines that serialize all stdio access.
// Nothing else may touch the subprocess handle.
type Worker struct {
	id     string
	cfg    *Config
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *stderrRing

	mu      sync.Mutex
	state   WorkerState
	pending map[uint64]chan<- workerReply

	sendCh   chan []byte
	done     chan struct{}
	termOnce sync.Once

	internalID atomic.Uint64
	recycling  atomic.Bool

	requestsHandled atomic.Uint64
	errorCount      atomic.Uint64
	orphanCount     atomic.Uint64
	lastLatencyNs   atomic.Int64
	lastSentNs      atomic.Int64
	lastActivityNs  atomic.Int64
	startedAt       time.Time

	// onExit is invoked exactly once, after the worker reaches
	// terminated, with the cause. Set before the loops start.
	onExit func(w *Worker, cause *PoolError)
}

// WorkerInfo is a point-in-time snapshot for health reporting.
type WorkerInfo struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	Pending        int       `json:"pending"`
	Requests       uint64    `json:"requests"`
	Errors         uint64    `json:"errors"`
	Orphans        uint64    `json:"orphans"`
	LastLatencyMs  float64   `json:"last_latency_ms"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// newWorker builds the worker shell without spawning anything. The
// subprocess (or, in tests, a pipe pair) is attached afterwards.
func newWorker(cfg *Config, logger *zap.Logger, onExit func(*Worker, *PoolError)) *Worker {
	w := &Worker{
		id:        uuid.NewString(),
		cfg:       cfg,
		logger:    logger,
		stderr:    newStderrRing(64),
		state:     WorkerStarting,
		pending:   make(map[uint64]chan<- workerReply),
		sendCh:    make(chan []byte, 16),
		done:      make(chan struct{}),
		startedAt: time.Now(),
		onExit:    onExit,
	}
	w.internalID.Store(internalIDBase)
	w.touch()
	return w
}

// startWorker spawns the configured executable, runs the init
// handshake, and returns a ready worker. On any failure the subprocess
// is killed and a start_error is returned.
func startWorker(cfg *Config, logger *zap.Logger, onExit func(*Worker, *PoolError)) (*Worker, error) {
	w := newWorker(cfg, logger, onExit)

	cmd := exec.Command(cfg.Worker.ExecPath, cfg.Worker.Args...)
	if cfg.Worker.Cwd != "" {
		cmd.Dir = cfg.Worker.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Worker.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = w.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, newPoolError(CategoryWorker, TypeStartError, "stdin pipe: "+err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, newPoolError(CategoryWorker, TypeStartError, "stdout pipe: "+err.Error())
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, newPoolError(CategoryWorker, TypeStartError, "spawn: "+err.Error()).
			with("exec_path", cfg.Worker.ExecPath)
	}

	w.cmd = cmd
	w.attach(stdin, stdout)
	go w.waitLoop()

	if err := w.initHandshake(cfg.InitTimeout); err != nil {
		w.terminate(AsPoolError(err))
		return nil, err
	}
	return w, nil
}

// attach wires the stdio endpoints and starts the I/O loops. Split out
// of startWorker so tests can drive a worker over in-memory pipes.
func (w *Worker) attach(stdin io.WriteCloser, stdout io.ReadCloser) {
	w.stdin = stdin
	w.stdout = stdout
	go w.writeLoop()
	go w.readLoop()
}

// initHandshake sends the reserved id-0 init frame and waits for an ok
// response.
func (w *Worker) initHandshake(timeout time.Duration) error {
	reply := make(chan workerReply, 1)
	if err := w.send(initRequestID, "init", nil, reply); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		if r.Err != nil {
			return newPoolError(CategoryWorker, TypeStartError,
				"init handshake rejected: "+r.Err.Message).with("worker_id", w.id)
		}
		w.mu.Lock()
		if w.state == WorkerStarting {
			w.state = WorkerReady
		}
		w.mu.Unlock()
		w.logger.Info("worker ready", zap.String("worker_id", w.id))
		return nil
	case <-timer.C:
		w.forget(initRequestID)
		return newPoolError(CategoryWorker, TypeStartError, "init handshake timed out").
			with("worker_id", w.id).with("timeout_ms", timeout.Milliseconds())
	case <-w.done:
		return newPoolError(CategoryWorker, TypeStartError, "worker exited during init").
			with("worker_id", w.id).with("stderr", w.stderr.Tail())
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) touch() {
	w.lastActivityNs.Store(time.Now().UnixNano())
}

// Send registers reply under id and queues the frame for the writer
// loop. It returns immediately; the response is delivered to reply
// asynchronously. The id must not already be pending.
func (w *Worker) Send(id uint64, command string, args json.RawMessage, reply chan<- workerReply) error {
	return w.send(id, command, args, reply)
}

func (w *Worker) send(id uint64, command string, args json.RawMessage, reply chan<- workerReply) error {
	w.mu.Lock()
	switch w.state {
	case WorkerTerminated:
		w.mu.Unlock()
		return newPoolError(CategoryCommunication, TypeWorkerDied, "worker is terminated").
			with("worker_id", w.id)
	case WorkerDraining:
		w.mu.Unlock()
		return newPoolError(CategoryResource, TypeWorkerDraining, "worker is draining").
			with("worker_id", w.id)
	}
	if _, dup := w.pending[id]; dup {
		w.mu.Unlock()
		return newPoolError(CategoryProtocol, TypeDuplicateRequestID, "request id already in flight").
			with("worker_id", w.id).with("request_id", id)
	}
	// The in-flight cap bounds dispatcher traffic; internal ids
	// (handshake, health pings) bypass it so supervision still works
	// against a busy worker.
	if id != initRequestID && id < internalIDBase {
		if inflight := w.externalPendingLocked(); inflight >= w.cfg.Worker.MaxInFlight {
			w.mu.Unlock()
			return newPoolError(CategoryResource, TypeWorkerBusy, "worker at in-flight capacity").
				with("worker_id", w.id).with("in_flight", inflight)
		}
	}
	w.pending[id] = reply
	if w.state == WorkerReady && id != initRequestID && id < internalIDBase {
		w.state = WorkerBusy
	}
	w.mu.Unlock()

	req := newWireRequest(id, command, args)
	payload, err := json.Marshal(req)
	if err != nil {
		w.forget(id)
		return newPoolError(CategoryProtocol, TypeMalformedResponse, "encode request: "+err.Error())
	}
	frame, err := encodeFrame(payload, w.cfg.MaxFrameBytes)
	if err != nil {
		w.forget(id)
		return AsPoolError(err).with("worker_id", w.id).with("request_id", id)
	}

	w.lastSentNs.Store(time.Now().UnixNano())
	select {
	case w.sendCh <- frame:
		return nil
	case <-w.done:
		w.forget(id)
		return newPoolError(CategoryCommunication, TypeWorkerDied, "worker exited before write").
			with("worker_id", w.id)
	}
}

func (w *Worker) externalPendingLocked() int {
	n := 0
	for id := range w.pending {
		if id != initRequestID && id < internalIDBase {
			n++
		}
	}
	return n
}

// forget drops a pending entry without delivering anything; used when
// a caller's deadline fires before the response arrives. The late
// frame, if it ever shows up, is counted as an orphan.
func (w *Worker) forget(id uint64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.recalcStateLocked()
	drained := w.state == WorkerDraining && len(w.pending) == 0
	w.mu.Unlock()

	if drained {
		go w.closeForDrain()
	}
}

func (w *Worker) recalcStateLocked() {
	if w.state == WorkerBusy && w.externalPendingLocked() == 0 {
		w.state = WorkerReady
	}
}

// writeLoop is the only goroutine that touches stdin.
func (w *Worker) writeLoop() {
	for {
		select {
		case frame := <-w.sendCh:
			if err := writeFrame(w.stdin, frame); err != nil {
				w.terminate(newPoolError(CategoryCommunication, TypeWorkerDied,
					"stdin write failed: "+err.Error()).with("worker_id", w.id))
				return
			}
			w.touch()
		case <-w.done:
			return
		}
	}
}

// readLoop is the only goroutine that touches stdout. It decodes
// frames, correlates them against the pending mailbox, and delivers
// replies in wire-arrival order.
func (w *Worker) readLoop() {
	fr := newFrameReader(w.stdout, w.cfg.MaxFrameBytes)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			cause := newPoolError(CategoryCommunication, TypeWorkerDied, "stdout closed").
				with("worker_id", w.id)
			if !errors.Is(err, io.EOF) {
				cause = AsPoolError(err).with("worker_id", w.id)
			}
			w.terminate(cause)
			return
		}

		var resp wireResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			// Not JSON at all: the stream is unusable from here on.
			w.terminate(newPoolError(CategoryCommunication, TypeFramingError,
				"invalid json frame: "+err.Error()).with("worker_id", w.id))
			return
		}

		if resp.ID == logFrameID {
			w.stderr.Append(string(resp.Result))
			continue
		}
		if !resp.wellFormed() || resp.ID < 0 {
			w.logger.Warn("malformed response frame dropped",
				zap.String("worker_id", w.id), zap.Int64("id", resp.ID))
			w.errorCount.Add(1)
			continue
		}

		w.deliver(uint64(resp.ID), &resp)
	}
}

func (w *Worker) deliver(id uint64, resp *wireResponse) {
	w.mu.Lock()
	reply, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
		w.recalcStateLocked()
	}
	drained := w.state == WorkerDraining && len(w.pending) == 0
	w.mu.Unlock()

	w.touch()
	if !ok {
		w.orphanCount.Add(1)
		w.logger.Warn("orphan response",
			zap.String("worker_id", w.id), zap.Uint64("request_id", id))
		if drained {
			go w.closeForDrain()
		}
		return
	}

	if sent := w.lastSentNs.Load(); sent > 0 {
		w.lastLatencyNs.Store(time.Now().UnixNano() - sent)
	}
	w.requestsHandled.Add(1)

	out := workerReply{WorkerID: w.id}
	if *resp.Success {
		out.OK = true
		out.Result = resp.Result
	} else {
		w.errorCount.Add(1)
		pe := newPoolError(CategoryWorker, resp.Error.Type, resp.Error.Message).
			with("worker_id", w.id).with("request_id", id)
		if len(resp.Error.Details) > 0 {
			pe.with("details", json.RawMessage(resp.Error.Details))
		}
		out.Err = pe
	}
	reply <- out

	if drained {
		go w.closeForDrain()
	}
}

// Drain stops new sends and lets in-flight work finish; when the
// mailbox empties, stdin is closed so the subprocess exits on EOF.
// Safe to call more than once.
func (w *Worker) Drain() {
	w.mu.Lock()
	if w.state == WorkerTerminated || w.state == WorkerDraining {
		w.mu.Unlock()
		return
	}
	w.state = WorkerDraining
	empty := len(w.pending) == 0
	w.mu.Unlock()

	w.logger.Info("worker draining", zap.String("worker_id", w.id))
	if empty {
		go w.closeForDrain()
	}
}

// closeForDrain closes stdin and gives the subprocess drain_timeout to
// exit on its own before it is force-terminated.
func (w *Worker) closeForDrain() {
	_ = w.stdin.Close()

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.terminate(newPoolError(CategoryCommunication, TypeWorkerDied,
			"drain timeout, force terminated").with("worker_id", w.id))
	}
}

// Kill force-terminates the subprocess immediately.
func (w *Worker) Kill(reason string) {
	w.terminate(newPoolError(CategoryCommunication, TypeWorkerDied, reason).
		with("worker_id", w.id))
}

// terminate moves the worker to its terminal state exactly once:
// closes the pipes, kills the subprocess, fails every pending entry
// with worker_died, and notifies the supervisor.
func (w *Worker) terminate(cause *PoolError) {
	w.termOnce.Do(func() {
		w.mu.Lock()
		w.state = WorkerTerminated
		orphaned := w.pending
		w.pending = make(map[uint64]chan<- workerReply)
		w.mu.Unlock()

		close(w.done)
		if w.stdin != nil {
			_ = w.stdin.Close()
		}
		if w.stdout != nil {
			_ = w.stdout.Close()
		}
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}

		for id, reply := range orphaned {
			w.errorCount.Add(1)
			reply <- workerReply{
				WorkerID: w.id,
				Err: newPoolError(CategoryCommunication, TypeWorkerDied, cause.Message).
					with("worker_id", w.id).
					with("request_id", id).
					with("stderr", w.stderr.Tail()),
			}
		}

		w.logger.Info("worker terminated",
			zap.String("worker_id", w.id),
			zap.String("cause", cause.Message),
			zap.Int("orphaned", len(orphaned)))

		if w.onExit != nil {
			go w.onExit(w, cause)
		}
	})
}

// waitLoop reaps the subprocess; a crash with no preceding I/O error
// still lands in terminate.
func (w *Worker) waitLoop() {
	err := w.cmd.Wait()
	msg := "process exited"
	if err != nil {
		msg = "process exited: " + err.Error()
	}
	w.terminate(newPoolError(CategoryCommunication, TypeWorkerDied, msg).
		with("worker_id", w.id).with("stderr", w.stderr.Tail()))
}

// HealthCheck pings the runtime with a worker-local id and waits up to
// timeout. It never kills the worker; the supervisor decides what an
// unhealthy result means.
func (w *Worker) HealthCheck(timeout time.Duration) error {
	id := w.internalID.Add(1)
	reply := make(chan workerReply, 1)
	if err := w.send(id, "ping", nil, reply); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		if r.Err != nil {
			return newPoolError(CategoryWorker, TypeUnhealthy, "ping failed: "+r.Err.Message).
				with("worker_id", w.id)
		}
		return nil
	case <-timer.C:
		w.forget(id)
		return newPoolError(CategoryWorker, TypeUnhealthy, "ping timed out").
			with("worker_id", w.id)
	case <-w.done:
		return newPoolError(CategoryCommunication, TypeWorkerDied, "worker exited during ping").
			with("worker_id", w.id)
	}
}

// MarkRecycle tags the worker for planned replacement (script reload,
// request-budget retirement) so its exit is not charged to the crash
// restart budget.
func (w *Worker) MarkRecycle() { w.recycling.Store(true) }

func (w *Worker) isRecycling() bool { return w.recycling.Load() }

// RequestsHandled returns how many responses this worker has served.
func (w *Worker) RequestsHandled() uint64 { return w.requestsHandled.Load() }

// Done is closed once the worker is terminated.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Info snapshots the worker for health reporting.
func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	state := w.state
	pending := len(w.pending)
	w.mu.Unlock()

	return WorkerInfo{
		ID:             w.id,
		State:          state.String(),
		Pending:        pending,
		Requests:       w.requestsHandled.Load(),
		Errors:         w.errorCount.Load(),
		Orphans:        w.orphanCount.Load(),
		LastLatencyMs:  float64(w.lastLatencyNs.Load()) / 1e6,
		StartedAt:      w.startedAt,
		LastActivityAt: time.Unix(0, w.lastActivityNs.Load()),
	}
}

// stderrRing keeps the last N lines of subprocess stderr so terminal
// errors can surface what the runtime said on the way down.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
	max   int
	frag  []byte
}

func newStderrRing(max int) *stderrRing {
	return &stderrRing{max: max}
}

func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frag = append(r.frag, p...)
	for {
		i := bytes.IndexByte(r.frag, '\n')
		if i < 0 {
			break
		}
		r.appendLocked(string(r.frag[:i]))
		r.frag = r.frag[i+1:]
	}
	return len(p), nil
}

func (r *stderrRing) Append(line string) {
	r.mu.Lock()
	r.appendLocked(line)
	r.mu.Unlock()
}

func (r *stderrRing) appendLocked(line string) {
	if line == "" {
		return
	}
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

// Tail returns the buffered stderr lines, oldest first.
func (r *stderrRing) Tail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
