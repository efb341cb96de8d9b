package pool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func execReq(command string, args string) ExecRequest {
	return ExecRequest{Command: command, Args: json.RawMessage(args)}
}

func TestDispatcherExecuteHappyPath(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	w := addFakeWorker(t, d, registry, cfg)

	result, err := d.Execute(context.Background(), execReq("ping", "{}"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("result unmarshal: %v", err)
	}
	if got["status"] != "ok" {
		t.Fatalf("unexpected ping result: %v", got)
	}

	stats := d.Stats()
	if stats.RequestsServed != 1 {
		t.Fatalf("requests_served should be 1, have %d", stats.RequestsServed)
	}
	if n := w.Info().Pending; n != 0 {
		t.Fatalf("worker pending should end empty, have %d", n)
	}
}

func TestDispatcherCheckoutTimeoutEmptyPool(t *testing.T) {
	cfg := testConfig()
	d, _ := newTestDispatcher(t, cfg)

	req := execReq("ping", "{}")
	req.CheckoutTimeout = 100 * time.Millisecond
	req.SessionID = "s-timeout"

	start := time.Now()
	_, err := d.Execute(context.Background(), req)
	elapsed := time.Since(start)

	if !IsErrorType(err, CategoryTimeout, TypeCheckoutTimeout) {
		t.Fatalf("expected checkout_timeout, got %v", err)
	}
	pe := AsPoolError(err)
	if pe.Context["pool_name"] != cfg.PoolName {
		t.Fatalf("checkout_timeout must carry pool_name, got %v", pe.Context)
	}
	if pe.Context["session_id"] != "s-timeout" {
		t.Fatalf("checkout_timeout must carry session_id, got %v", pe.Context)
	}
	if elapsed > time.Second {
		t.Fatalf("checkout timeout fired far too late: %v", elapsed)
	}
}

func TestDispatcherCheckoutTimeoutSaturated(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Execute(context.Background(), execReq("sleep", `{"ms":500}`))
	}()

	// Let the first request pin the only worker.
	waitFor(t, time.Second, func() bool { return d.Stats().Busy == 1 },
		"first request should occupy the worker")

	req := execReq("ping", "{}")
	req.CheckoutTimeout = 100 * time.Millisecond
	_, err := d.Execute(context.Background(), req)
	if !IsErrorType(err, CategoryTimeout, TypeCheckoutTimeout) {
		t.Fatalf("expected checkout_timeout while pinned, got %v", err)
	}
	wg.Wait()
}

func TestDispatcherQueueThenServe(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Execute(context.Background(), execReq("sleep", `{"ms":150}`))
	}()
	waitFor(t, time.Second, func() bool { return d.Stats().Busy == 1 },
		"pinning request should dispatch")

	// The (N+1)th request queues and is served after checkin.
	result, err := d.Execute(context.Background(), execReq("ping", "{}"))
	if err != nil {
		t.Fatalf("queued request should be served: %v", err)
	}
	var got map[string]string
	_ = json.Unmarshal(result, &got)
	if got["status"] != "ok" {
		t.Fatalf("unexpected result after queue: %v", got)
	}
	wg.Wait()
}

func TestDispatcherQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueDepth = 2
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	var wg sync.WaitGroup
	pin := func(ms string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Execute(context.Background(), execReq("sleep", `{"ms":`+ms+`}`))
		}()
	}

	pin("400")
	waitFor(t, time.Second, func() bool { return d.Stats().Busy == 1 },
		"pinning request should dispatch")
	pin("1")
	pin("1")
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 2 },
		"two requests should queue")

	_, err := d.Execute(context.Background(), execReq("ping", "{}"))
	if !IsErrorType(err, CategoryResource, TypeQueueFull) {
		t.Fatalf("expected queue_full, got %v", err)
	}
	wg.Wait()
}

func TestDispatcherQueueFIFOWithinClass(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Execute(context.Background(), execReq("sleep", `{"ms":200}`))
	}()
	waitFor(t, time.Second, func() bool { return d.Stats().Busy == 1 },
		"pinning request should dispatch")

	order := make(chan string, 3)
	submit := func(tag string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Execute(context.Background(), execReq("echo", `{"tag":"`+tag+`"}`)); err == nil {
				order <- tag
			}
		}()
	}

	submit("a")
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 1 }, "a queued")
	submit("b")
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 2 }, "b queued")
	submit("c")
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 3 }, "c queued")

	wg.Wait()
	close(order)
	var got []string
	for tag := range order {
		got = append(got, tag)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("dequeue order should match enqueue order, got %v", got)
	}
}

func TestDispatcherPriorityBeatsNormal(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Execute(context.Background(), execReq("sleep", `{"ms":200}`))
	}()
	waitFor(t, time.Second, func() bool { return d.Stats().Busy == 1 },
		"pinning request should dispatch")

	order := make(chan string, 2)
	submit := func(tag string, prio Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := execReq("echo", `{"tag":"`+tag+`"}`)
			req.Priority = prio
			if _, err := d.Execute(context.Background(), req); err == nil {
				order <- tag
			}
		}()
	}

	submit("normal", PriorityNormal)
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 1 }, "normal queued")
	submit("high", PriorityHigh)
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 2 }, "high queued")

	wg.Wait()
	close(order)
	var got []string
	for tag := range order {
		got = append(got, tag)
	}
	if len(got) != 2 || got[0] != "high" {
		t.Fatalf("high priority should dispatch first, got %v", got)
	}
}

func TestDispatcherRequestTimeout(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	w := addFakeWorker(t, d, registry, cfg)

	req := execReq("silent", "{}")
	req.RequestTimeout = 100 * time.Millisecond
	_, err := d.Execute(context.Background(), req)
	if !IsErrorType(err, CategoryTimeout, TypeRequestTimeout) {
		t.Fatalf("expected request_timeout, got %v", err)
	}
	pe := AsPoolError(err)
	if pe.Context["worker_id"] != w.ID() {
		t.Fatalf("request_timeout should name the worker, got %v", pe.Context)
	}

	// The mailbox entry was reaped; the worker goes back to available
	// and serves the next request.
	waitFor(t, time.Second, func() bool { return w.Info().Pending == 0 },
		"timed-out entry should be reaped")
	if _, err := d.Execute(context.Background(), execReq("ping", "{}")); err != nil {
		t.Fatalf("worker should be reusable after a request timeout: %v", err)
	}
}

func TestDispatcherWorkerDiedMidRequest(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	_, err := d.Execute(context.Background(), execReq("crash", "{}"))
	if !IsErrorType(err, CategoryCommunication, TypeWorkerDied) {
		t.Fatalf("expected worker_died, got %v", err)
	}

	// The dead worker must not be returned to the available set.
	stats := d.Stats()
	if stats.Available != 0 {
		t.Fatalf("terminated worker must not be checked back in, available=%d", stats.Available)
	}
}

func TestDispatcherShutdown(t *testing.T) {
	cfg := testConfig()
	d, _ := newTestDispatcher(t, cfg)

	// Queue a request with a long checkout; it must fail at shutdown,
	// not hang.
	errCh := make(chan error, 1)
	go func() {
		req := execReq("ping", "{}")
		req.CheckoutTimeout = 10 * time.Second
		_, err := d.Execute(context.Background(), req)
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 1 },
		"request should queue")

	d.BeginShutdown()

	select {
	case err := <-errCh:
		if !IsErrorType(err, CategoryResource, TypePoolShutdown) {
			t.Fatalf("queued request should fail pool_shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued request not resolved at shutdown")
	}

	// New requests are refused immediately.
	if _, err := d.Execute(context.Background(), execReq("ping", "{}")); !IsErrorType(err, CategoryResource, TypePoolShutdown) {
		t.Fatalf("expected pool_shutdown after shutdown, got %v", err)
	}

	// Shutdown is idempotent.
	d.BeginShutdown()
	if !d.IsShutdown() {
		t.Fatalf("dispatcher should report shutdown")
	}
}

func TestDispatcherStatsIsPureObservation(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	before := d.Stats()
	before.UptimeMs = 0
	for i := 0; i < 5; i++ {
		got := d.Stats()
		got.UptimeMs = 0 // uptime advances on its own
		if got != before {
			t.Fatalf("stats changed with no pool activity")
		}
	}
}

func TestDispatcherSessionTracking(t *testing.T) {
	cfg := testConfig()
	d, registry := newTestDispatcher(t, cfg)
	addFakeWorker(t, d, registry, cfg)

	req := execReq("ping", "{}")
	req.SessionID = "s1"
	var last time.Time
	for i := 0; i < 3; i++ {
		if _, err := d.Execute(context.Background(), req); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		rec, ok := d.sessions.Get("s1")
		if !ok {
			t.Fatalf("session record missing after request %d", i)
		}
		if rec.LastActivityAt.Before(last) {
			t.Fatalf("last_activity_at went backwards")
		}
		last = rec.LastActivityAt
	}

	rec, ok := d.sessions.Get("s1")
	if !ok || rec.Operations != 3 {
		t.Fatalf("expected 3 operations for s1, got %+v", rec)
	}

	// Removing the session is observability-only.
	statsBefore := d.Stats()
	d.sessions.Remove("s1")
	statsAfter := d.Stats()
	if statsAfter.Available != statsBefore.Available || statsAfter.Busy != statsBefore.Busy {
		t.Fatalf("session removal must not change worker state")
	}
}

func TestDispatcherContextCancelWhileQueued(t *testing.T) {
	cfg := testConfig()
	d, _ := newTestDispatcher(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		req := execReq("ping", "{}")
		req.CheckoutTimeout = 10 * time.Second
		_, err := d.Execute(ctx, req)
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return d.Stats().QueueDepth == 1 },
		"request should queue")

	cancel()
	select {
	case err := <-errCh:
		if !IsErrorType(err, CategoryTimeout, TypeCheckoutTimeout) {
			t.Fatalf("canceled queued request should resolve as checkout_timeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("canceled request did not resolve")
	}
	if d.Stats().QueueDepth != 0 {
		t.Fatalf("canceled request should leave the queue")
	}
}
