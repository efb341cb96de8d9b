package pool

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testConfig returns a config tuned for fast tests. The exec path is
// never spawned; fake workers run over in-memory pipes.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Worker.ExecPath = "/bin/true"
	cfg.InitTimeout = 2 * time.Second
	cfg.CheckoutTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.DrainTimeout = time.Second
	cfg.HealthInterval = time.Hour // keep the probe loop quiet
	return cfg
}

type fakeOpts struct {
	silentInit bool
	silentPing bool
}

// newFakeWorker returns a ready Worker whose "subprocess" is an
// in-memory goroutine speaking the wire protocol over io.Pipe. The
// runtime handles each request concurrently so out-of-order
// completions are possible, like a real multi-threaded runtime.
func newFakeWorker(t *testing.T, cfg *Config) *Worker {
	t.Helper()
	return newFakeWorkerOpts(t, cfg, fakeOpts{}, nil)
}

func newFakeWorkerOpts(t *testing.T, cfg *Config, opts fakeOpts, onExit func(*Worker, *PoolError)) *Worker {
	t.Helper()

	w, err := startFakeWorker(cfg, opts, onExit)
	if err != nil {
		t.Fatalf("fake worker init: %v", err)
	}
	return w
}

// startFakeWorker is the spawn path used directly by supervisor tests.
func startFakeWorker(cfg *Config, opts fakeOpts, onExit func(*Worker, *PoolError)) (*Worker, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	w := newWorker(cfg, zap.NewNop(), onExit)
	go fakeRuntime(stdinR, stdoutW, opts, cfg.MaxFrameBytes)
	w.attach(stdinW, stdoutR)

	if err := w.initHandshake(cfg.InitTimeout); err != nil {
		return nil, err
	}
	return w, nil
}

// fakeRuntime mimics the embedded scripting runtime on the other side
// of the pipes.
func fakeRuntime(stdin *io.PipeReader, stdout *io.PipeWriter, opts fakeOpts, maxFrame int) {
	var writeMu sync.Mutex

	writeRaw := func(payload []byte) {
		frame, err := encodeFrame(payload, maxFrame)
		if err != nil {
			return
		}
		writeMu.Lock()
		_, _ = stdout.Write(frame)
		writeMu.Unlock()
	}

	respond := func(id uint64, result any) {
		ok := true
		body, _ := json.Marshal(result)
		payload, _ := json.Marshal(&wireResponse{
			ID:      int64(id),
			Success: &ok,
			Result:  body,
		})
		writeRaw(payload)
	}

	respondErr := func(id uint64, typ, msg string) {
		notOK := false
		payload, _ := json.Marshal(&wireResponse{
			ID:      int64(id),
			Success: &notOK,
			Error:   &wireErrorDetail{Type: typ, Message: msg},
		})
		writeRaw(payload)
	}

	fr := newFrameReader(stdin, maxFrame)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			_ = stdout.Close()
			return
		}

		var req wireRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = stdout.Close()
			return
		}

		go func(req wireRequest) {
			switch req.Command {
			case "init":
				if opts.silentInit {
					return
				}
				respond(req.ID, map[string]string{"status": "ok"})
			case "ping":
				if opts.silentPing {
					return
				}
				respond(req.ID, map[string]string{"status": "ok"})
			case "echo":
				respond(req.ID, json.RawMessage(req.Args))
			case "sleep":
				var a struct {
					Ms int `json:"ms"`
				}
				_ = json.Unmarshal(req.Args, &a)
				time.Sleep(time.Duration(a.Ms) * time.Millisecond)
				respond(req.ID, map[string]int{"slept": a.Ms})
			case "fail":
				respondErr(req.ID, "script_error", "requested failure")
			case "crash":
				_ = stdout.Close()
				_ = stdin.Close()
			case "badframe":
				payload, _ := json.Marshal(map[string]any{"id": req.ID})
				writeRaw(payload)
			case "logframe":
				line, _ := json.Marshal("runtime log line")
				payload, _ := json.Marshal(map[string]any{"id": -1, "result": json.RawMessage(line)})
				writeRaw(payload)
				respond(req.ID, map[string]string{"status": "ok"})
			case "silent":
				// never responds
			default:
				respond(req.ID, map[string]any{})
			}
		}(req)
	}
}

// newTestDispatcher wires a dispatcher with real collaborators but no
// metrics and no workers.
func newTestDispatcher(t *testing.T, cfg *Config) (*Dispatcher, *Registry) {
	t.Helper()
	logger := zap.NewNop()
	registry := NewRegistry()
	sessions := NewSessionTracker(cfg.MaxSessions, cfg.SessionIdleTTL, logger)
	events := NewEventHub(cfg.PoolName, logger)
	d := NewDispatcher(cfg, logger, registry, sessions, events, nil)
	return d, registry
}

// addFakeWorker registers a fake worker with the registry and checks
// it into the dispatcher.
func addFakeWorker(t *testing.T, d *Dispatcher, registry *Registry, cfg *Config) *Worker {
	t.Helper()
	w := newFakeWorker(t, cfg)
	registry.Add(w)
	d.AddWorker(w)
	return w
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

// rawFrame hand-builds a frame with an arbitrary declared length so
// boundary tests can lie about the payload size.
func rawFrame(declared uint32, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], declared)
	copy(buf[4:], payload)
	return buf
}
