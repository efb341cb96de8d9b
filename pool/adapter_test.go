package pool

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNormalizeCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ping", "ping"},
		{"Create-Program", "create_program"},
		{"  Execute Program  ", "execute_program"},
		{"ALREADY_SNAKE", "already_snake"},
		{"double -- dash", "double_dash"},
	}
	for _, c := range cases {
		got, err := normalizeCommand(c.in)
		if err != nil {
			t.Fatalf("normalizeCommand(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("normalizeCommand(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	if _, err := normalizeCommand("   "); !IsErrorType(err, CategoryProtocol, TypeInvalidCommand) {
		t.Fatalf("blank command should be rejected, got %v", err)
	}
}

func TestMarshalArgsSizeCap(t *testing.T) {
	raw, err := marshalArgs(nil, 1024, "default")
	if err != nil {
		t.Fatalf("nil args: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("nil args should encode as empty object, got %s", raw)
	}

	big := map[string]any{"blob": string(make([]byte, 2048))}
	_, err = marshalArgs(big, 1024, "default")
	if !IsErrorType(err, CategoryResource, TypeMessageTooLarge) {
		t.Fatalf("expected message_too_large, got %v", err)
	}
	pe := AsPoolError(err)
	if pe.Context["pool_name"] != "default" {
		t.Fatalf("size error should carry pool context, got %v", pe.Context)
	}
}

func newTestPool(t *testing.T, cfg *Config) *Pool {
	t.Helper()
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestClientInjectsSessionID(t *testing.T) {
	cfg := testConfig()
	p := newTestPool(t, cfg)
	w := newFakeWorker(t, cfg)
	p.registry.Add(w)
	p.dispatcher.AddWorker(w)

	result, err := p.Client().Execute(context.Background(), "s1", "echo",
		map[string]any{"x": 1}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("result unmarshal: %v", err)
	}
	if got[sessionArgKey] != "s1" {
		t.Fatalf("session id should be injected into args, got %v", got)
	}
	if got["x"] != float64(1) {
		t.Fatalf("original args should survive injection, got %v", got)
	}

	rec, ok := p.sessions.Get("s1")
	if !ok || rec.Operations != 1 {
		t.Fatalf("session tracker should record the call, got %+v", rec)
	}
}

func TestClientDoesNotMutateCallerArgs(t *testing.T) {
	cfg := testConfig()
	p := newTestPool(t, cfg)
	w := newFakeWorker(t, cfg)
	p.registry.Add(w)
	p.dispatcher.AddWorker(w)

	args := map[string]any{"x": 1}
	if _, err := p.Client().Execute(context.Background(), "s1", "echo", args, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, leaked := args[sessionArgKey]; leaked {
		t.Fatalf("injection must not mutate the caller's map")
	}
}

func TestClientExecuteAnonymous(t *testing.T) {
	cfg := testConfig()
	p := newTestPool(t, cfg)
	w := newFakeWorker(t, cfg)
	p.registry.Add(w)
	p.dispatcher.AddWorker(w)

	result, err := p.Client().ExecuteAnonymous(context.Background(), "echo",
		map[string]any{"x": 1}, nil)
	if err != nil {
		t.Fatalf("ExecuteAnonymous: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(result, &got)
	if _, present := got[sessionArgKey]; present {
		t.Fatalf("anonymous calls must not inject a session id")
	}
	if p.sessions.Count() != 0 {
		t.Fatalf("anonymous calls must not create session records")
	}
}

func TestClientNormalizesBeforeDispatch(t *testing.T) {
	cfg := testConfig()
	p := newTestPool(t, cfg)
	w := newFakeWorker(t, cfg)
	p.registry.Add(w)
	p.dispatcher.AddWorker(w)

	// "Ping" reaches the runtime as "ping", which the fake runtime
	// answers with a status.
	result, err := p.Client().ExecuteAnonymous(context.Background(), "Ping", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got map[string]string
	_ = json.Unmarshal(result, &got)
	if got["status"] != "ok" {
		t.Fatalf("normalized command did not reach the runtime: %v", got)
	}
}
