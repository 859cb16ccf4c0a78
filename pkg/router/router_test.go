package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const routerTestPrefix = "router:router_test"

func testContract(t *testing.T) *contract.Contract {
	t.Helper()
	c, err := contract.Resolve(&contract.ContractConfig{
		Name:    "router-test",
		Version: "1.0.0",
		Methods: []string{"work", "echo"},
		Signals: []string{"done"},
	})
	if err != nil {
		t.Fatalf("%s - Resolve failed: %v", routerTestPrefix, err)
	}
	return c
}

func noop(context.Context, envelope.Args) error { return nil }

type harness struct {
	router  *Router
	req     *transport.PipeRequester
	stopped atomic.Bool
	runErr  chan error
}

func newHarness(t *testing.T, handlers Handlers, grace time.Duration) *harness {
	t.Helper()
	req, rep := transport.Pipe(nil, transport.RetryPolicy{PollTimeout: time.Second, Tries: 2})
	h := &harness{req: req, runErr: make(chan error, 1)}
	r, err := New(Opts{
		Contract:      testContract(t),
		Conn:          rep,
		Handlers:      handlers,
		PollInterval:  time.Millisecond,
		ShutdownGrace: grace,
		ShutdownPoll:  10 * time.Millisecond,
		OnStopped:     func() { h.stopped.Store(true) },
	})
	if err != nil {
		t.Fatalf("%s - New failed: %v", routerTestPrefix, err)
	}
	h.router = r
	go func() { h.runErr <- r.Run(context.Background()) }()
	t.Cleanup(func() {
		r.Stop()
		select {
		case <-r.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("%s - router did not stop", routerTestPrefix)
		}
		req.Close()
	})
	return h
}

func (h *harness) call(t *testing.T, method string, args envelope.Args) {
	t.Helper()
	payload, err := envelope.Encode(&envelope.Request{Method: method, Arguments: args})
	if err != nil {
		t.Fatalf("%s - Encode failed: %v", routerTestPrefix, err)
	}
	h.send(t, payload)
}

func (h *harness) send(t *testing.T, payload []byte) {
	t.Helper()
	reply, err := h.req.Roundtrip(payload)
	if err != nil {
		t.Fatalf("%s - Roundtrip failed: %v", routerTestPrefix, err)
	}
	if string(reply) != envelope.Ack {
		t.Errorf("%s - reply = %q, want %q", routerTestPrefix, reply, envelope.Ack)
	}
}

func waitDone(t *testing.T, r *Router, within time.Duration) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(within):
		t.Fatalf("%s - shutdown did not finish within %v", routerTestPrefix, within)
	}
}

func TestNew_ValidatesHandlers(t *testing.T) {
	c := testContract(t)
	_, rep := transport.Pipe(nil, transport.RetryPolicy{})

	tests := []struct {
		name     string
		handlers Handlers
		wantErr  bool
	}{
		{"complete", Handlers{"work": {Fn: noop}, "echo": {Fn: noop}}, false},
		{"missing handler", Handlers{"work": {Fn: noop}}, true},
		{"handler outside contract", Handlers{"work": {Fn: noop}, "echo": {Fn: noop}, "extra": {Fn: noop}}, true},
		{"reserved handler", Handlers{"work": {Fn: noop}, "echo": {Fn: noop}, "stop": {Fn: noop}}, true},
		{"nil function", Handlers{"work": {Fn: noop}, "echo": {}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Opts{Contract: c, Conn: rep, Handlers: tt.handlers})
			if (err != nil) != tt.wantErr {
				t.Errorf("%s - New() error = %v, wantErr %v", routerTestPrefix, err, tt.wantErr)
			}
		})
	}

	if _, err := New(Opts{Conn: rep}); err == nil {
		t.Errorf("%s - expected error without contract", routerTestPrefix)
	}
	if _, err := New(Opts{Contract: c}); err == nil {
		t.Errorf("%s - expected error without replier", routerTestPrefix)
	}
}

func TestRun_DispatchesNamedArguments(t *testing.T) {
	got := make(chan envelope.Args, 1)
	h := newHarness(t, Handlers{
		"work": {Params: []string{"a", "b"}, Fn: func(_ context.Context, args envelope.Args) error {
			got <- args
			return nil
		}},
		"echo": {Fn: noop},
	}, time.Second)

	h.call(t, "work", envelope.Args{"a": 2, "b": 3})

	select {
	case args := <-got:
		b, err := args.Int("b")
		if err != nil || b != 3 {
			t.Errorf("%s - b = %d, %v", routerTestPrefix, b, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - handler not invoked", routerTestPrefix)
	}
}

func TestRun_AcksAndDropsBadRequests(t *testing.T) {
	var runs atomic.Int32
	count := func(context.Context, envelope.Args) error {
		runs.Add(1)
		return nil
	}
	h := newHarness(t, Handlers{
		"work": {Params: []string{"a"}, Fn: count},
		"echo": {Fn: count},
	}, time.Second)

	h.send(t, []byte("{not json"))
	h.send(t, []byte(`{"arguments":{}}`))
	h.call(t, "delete_everything", nil)
	h.call(t, contract.MethodPing, nil)
	h.call(t, "work", envelope.Args{"a": 1, "extra": 2})
	h.call(t, "work", envelope.Args{})

	time.Sleep(50 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Errorf("%s - %d handlers ran for rejected requests", routerTestPrefix, n)
	}
	if s := h.router.State(); s != StateRunning {
		t.Errorf("%s - state = %s, want running", routerTestPrefix, s)
	}

	h.call(t, "echo", nil)
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() != 1 {
		t.Errorf("%s - router stopped dispatching after bad requests", routerTestPrefix)
	}
}

func TestRun_ConcurrentExecutionsTracked(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	block := func(ctx context.Context, _ envelope.Args) error {
		started.Done()
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := newHarness(t, Handlers{"work": {Fn: block}, "echo": {Fn: block}}, time.Second)

	h.call(t, "work", nil)
	h.call(t, "echo", nil)
	started.Wait()

	execs := h.router.Executions()
	if len(execs) != 2 {
		t.Fatalf("%s - %d executions tracked, want 2", routerTestPrefix, len(execs))
	}
	if execs[0].ID == execs[1].ID {
		t.Errorf("%s - executions share an ID", routerTestPrefix)
	}
	if execs[0].Method != "work" || execs[1].Method != "echo" {
		t.Errorf("%s - executions = %+v", routerTestPrefix, execs)
	}

	close(release)
	h.router.Wait()
	if n := len(h.router.Executions()); n != 0 {
		t.Errorf("%s - %d executions left after completion", routerTestPrefix, n)
	}
}

func TestRun_HandlerPanicIsContained(t *testing.T) {
	ran := make(chan struct{}, 1)
	h := newHarness(t, Handlers{
		"work": {Fn: func(context.Context, envelope.Args) error { panic("boom") }},
		"echo": {Fn: func(context.Context, envelope.Args) error {
			ran <- struct{}{}
			return errors.New("handler failure")
		}},
	}, time.Second)

	h.call(t, "work", nil)
	h.call(t, "echo", nil)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - router stopped after a panicking handler", routerTestPrefix)
	}
}

func TestStop_WaitsForExecutionsWithinGrace(t *testing.T) {
	var finished, cancelled atomic.Int32
	work := func(ctx context.Context, _ envelope.Args) error {
		select {
		case <-time.After(100 * time.Millisecond):
			finished.Add(1)
			return nil
		case <-ctx.Done():
			cancelled.Add(1)
			return ctx.Err()
		}
	}
	h := newHarness(t, Handlers{"work": {Fn: work}, "echo": {Fn: noop}}, 2*time.Second)

	for i := 0; i < 3; i++ {
		h.call(t, "work", nil)
	}
	h.call(t, contract.MethodStop, nil)

	start := time.Now()
	waitDone(t, h.router, 3*time.Second)
	h.router.Wait()

	if finished.Load() != 3 || cancelled.Load() != 0 {
		t.Errorf("%s - finished=%d cancelled=%d, want 3/0", routerTestPrefix, finished.Load(), cancelled.Load())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("%s - shutdown took %v with nothing outliving the grace period", routerTestPrefix, elapsed)
	}
	if h.router.State() != StateStopped {
		t.Errorf("%s - state = %s, want stopped", routerTestPrefix, h.router.State())
	}
	if !h.stopped.Load() {
		t.Errorf("%s - release hook not run", routerTestPrefix)
	}
	if _, err := h.req.Roundtrip([]byte(`{"method":"work","arguments":{}}`)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("%s - expected closed channel after stop, got %v", routerTestPrefix, err)
	}
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("%s - Run returned %v", routerTestPrefix, err)
		}
	case <-time.After(time.Second):
		t.Errorf("%s - Run did not return after stop", routerTestPrefix)
	}
}

func TestStop_CancelsExecutionsOutlivingGrace(t *testing.T) {
	cancelled := make(chan struct{})
	slow := func(ctx context.Context, _ envelope.Args) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}
	h := newHarness(t, Handlers{"work": {Fn: slow}, "echo": {Fn: noop}}, 150*time.Millisecond)

	h.call(t, "work", nil)
	deadline := time.Now().Add(time.Second)
	for len(h.router.Executions()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	h.router.Stop()
	if s := h.router.State(); s != StateStopping {
		t.Errorf("%s - state right after Stop = %s, want stopping", routerTestPrefix, s)
	}
	waitDone(t, h.router, 2*time.Second)

	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("%s - shutdown finished after %v, before the grace period", routerTestPrefix, elapsed)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("%s - execution was not cancelled", routerTestPrefix)
	}
}

func TestRun_ContextCancelStops(t *testing.T) {
	_, rep := transport.Pipe(nil, transport.RetryPolicy{})
	r, err := New(Opts{
		Contract:      testContract(t),
		Conn:          rep,
		Handlers:      Handlers{"work": {Fn: noop}, "echo": {Fn: noop}},
		PollInterval:  time.Millisecond,
		ShutdownGrace: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("%s - New failed: %v", routerTestPrefix, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("%s - Run returned %v", routerTestPrefix, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - Run did not return", routerTestPrefix)
	}
	waitDone(t, r, 2*time.Second)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%s - String() = %q, want %q", routerTestPrefix, got, tt.want)
		}
	}
}

func TestCheckArguments(t *testing.T) {
	tests := []struct {
		name    string
		params  []string
		args    envelope.Args
		wantErr bool
	}{
		{"exact", []string{"a", "b"}, envelope.Args{"b": 1, "a": 2}, false},
		{"none", nil, envelope.Args{}, false},
		{"missing", []string{"a", "b"}, envelope.Args{"a": 1}, true},
		{"extra", []string{"a"}, envelope.Args{"a": 1, "b": 2}, true},
		{"renamed", []string{"a"}, envelope.Args{"x": 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkArguments(tt.params, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("%s - checkArguments() error = %v, wantErr %v", routerTestPrefix, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrArgumentMismatch) {
				t.Errorf("%s - expected ErrArgumentMismatch, got %v", routerTestPrefix, err)
			}
		})
	}
}

func TestStart_AfterStopIsDropped(t *testing.T) {
	_, rep := transport.Pipe(nil, transport.RetryPolicy{})
	r, err := New(Opts{
		Contract:      testContract(t),
		Conn:          rep,
		Handlers:      Handlers{"work": {Fn: noop}, "echo": {Fn: noop}},
		ShutdownGrace: 50 * time.Millisecond,
		ShutdownPoll:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("%s - New failed: %v", routerTestPrefix, err)
	}

	r.Stop()
	var ran atomic.Bool
	r.start("work", Handler{Fn: func(context.Context, envelope.Args) error {
		ran.Store(true)
		return nil
	}}, envelope.Args{})

	if n := len(r.Executions()); n != 0 {
		t.Errorf("%s - %d executions registered after Stop, want 0", routerTestPrefix, n)
	}
	waitDone(t, r, 2*time.Second)
	r.Wait()
	if ran.Load() {
		t.Errorf("%s - handler ran after Stop", routerTestPrefix)
	}
}
