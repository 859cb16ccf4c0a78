package proxy

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const proxyTestPrefix = "proxy:proxy_test"

// fakeConn records every round trip and answers OK, or fails while fail is set.
type fakeConn struct {
	mu       sync.Mutex
	sent     []envelope.Request
	delay    time.Duration
	fail     atomic.Bool
	inFlight atomic.Int32
	overlap  atomic.Bool
	closed   atomic.Bool
}

func (c *fakeConn) Roundtrip(payload []byte) ([]byte, error) {
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inFlight.Add(-1)

	var req envelope.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sent = append(c.sent, req)
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail.Load() {
		return nil, transport.ErrTimeout
	}
	return []byte(envelope.Ack), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, r := range c.sent {
		out[i] = r.Method
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, n int) []envelope.Request {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.sent) >= n {
			out := append([]envelope.Request(nil), c.sent...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s - timeout waiting for %d requests, got %v", proxyTestPrefix, n, c.methods())
	return nil
}

func newTestProxy(t *testing.T, conn *fakeConn, heartbeat time.Duration) *Proxy {
	t.Helper()
	if heartbeat == 0 {
		heartbeat = time.Hour
	}
	p, err := New(Opts{Contract: contract.MustDefault(), Conn: conn, HeartbeatInterval: heartbeat})
	if err != nil {
		t.Fatalf("%s - New failed: %v", proxyTestPrefix, err)
	}
	t.Cleanup(func() {
		p.Stop()
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("%s - proxy worker did not exit", proxyTestPrefix)
		}
	})
	return p
}

func TestCall_EnqueuesWithoutBlocking(t *testing.T) {
	conn := &fakeConn{delay: 100 * time.Millisecond}
	p := newTestProxy(t, conn, 0)

	start := time.Now()
	if err := p.Call("add", envelope.Args{"a": 2, "b": 2}); err != nil {
		t.Fatalf("%s - Call failed: %v", proxyTestPrefix, err)
	}
	if err := p.Call("reset", nil); err != nil {
		t.Fatalf("%s - Call failed: %v", proxyTestPrefix, err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("%s - Call blocked for %v", proxyTestPrefix, elapsed)
	}

	sent := conn.waitFor(t, 2)
	if sent[0].Method != "add" {
		t.Errorf("%s - first method = %q, want add", proxyTestPrefix, sent[0].Method)
	}
	a, err := sent[0].Arguments.Int("a")
	if err != nil || a != 2 {
		t.Errorf("%s - argument a = %d, %v", proxyTestPrefix, a, err)
	}
	if len(sent[0].Arguments) != 2 {
		t.Errorf("%s - expected exactly the supplied arguments, got %v", proxyTestPrefix, sent[0].Arguments)
	}
	if sent[1].Method != "reset" || sent[1].Arguments == nil {
		t.Errorf("%s - second request = %+v, want reset with empty arguments", proxyTestPrefix, sent[1])
	}
}

func TestCall_ContractViolations(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProxy(t, conn, 0)

	if err := p.Call("", nil); !errors.Is(err, ErrMissingMethod) {
		t.Errorf("%s - expected ErrMissingMethod, got %v", proxyTestPrefix, err)
	}
	if err := p.Call("delete_everything", nil); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("%s - expected ErrUnknownMethod, got %v", proxyTestPrefix, err)
	}
	if err := p.Call("add", envelope.Args{"a": make(chan int)}); err == nil {
		t.Errorf("%s - expected encode error to surface synchronously", proxyTestPrefix)
	}
	if p.Pending() != 0 {
		t.Errorf("%s - nothing should have been queued, Pending() = %d", proxyTestPrefix, p.Pending())
	}
}

func TestCall_FIFOAndLockStep(t *testing.T) {
	conn := &fakeConn{delay: 2 * time.Millisecond}
	p := newTestProxy(t, conn, 0)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				p.Call("reset", nil)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		if err := p.Call("add", envelope.Args{"a": i, "b": 0}); err != nil {
			t.Fatalf("%s - Call failed: %v", proxyTestPrefix, err)
		}
	}

	sent := conn.waitFor(t, 30)
	for i := 0; i < 10; i++ {
		got, err := sent[20+i].Arguments.Int("a")
		if err != nil || got != int64(i) {
			t.Errorf("%s - request %d carried a=%d, want %d (%v)", proxyTestPrefix, 20+i, got, i, err)
		}
	}
	if conn.overlap.Load() {
		t.Errorf("%s - two round trips overlapped", proxyTestPrefix)
	}
}

func TestStop_SentinelEndsWorker(t *testing.T) {
	conn := &fakeConn{}
	p, err := New(Opts{Contract: contract.MustDefault(), Conn: conn, HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("%s - New failed: %v", proxyTestPrefix, err)
	}

	p.Call("reset", nil)
	if err := p.Stop(); err != nil {
		t.Fatalf("%s - Stop failed: %v", proxyTestPrefix, err)
	}

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("%s - worker did not exit after stop", proxyTestPrefix)
	}

	got := conn.methods()
	if len(got) != 2 || got[0] != "reset" || got[1] != contract.MethodStop {
		t.Errorf("%s - sent %v, want [reset stop]", proxyTestPrefix, got)
	}
	if !conn.closed.Load() {
		t.Errorf("%s - requester not released", proxyTestPrefix)
	}
	if err := p.Call("reset", nil); !errors.Is(err, ErrStopped) {
		t.Errorf("%s - expected ErrStopped after stop, got %v", proxyTestPrefix, err)
	}
}

func TestHeartbeat_PingsWhenIdle(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProxy(t, conn, 60*time.Millisecond)

	if p.Online() {
		t.Errorf("%s - expected offline before any round trip", proxyTestPrefix)
	}

	time.Sleep(210 * time.Millisecond)
	got := conn.methods()
	if len(got) < 2 || len(got) > 4 {
		t.Errorf("%s - expected about one ping per interval (3), got %d: %v", proxyTestPrefix, len(got), got)
	}
	for _, m := range got {
		if m != contract.MethodPing {
			t.Errorf("%s - unexpected method while idle: %s", proxyTestPrefix, m)
		}
	}
	if !p.Online() {
		t.Errorf("%s - expected online after ping replies", proxyTestPrefix)
	}

	conn.fail.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for p.Online() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.Online() {
		t.Errorf("%s - expected offline after failed round trip", proxyTestPrefix)
	}

	conn.fail.Store(false)
	p.Call("reset", nil)
	deadline = time.Now().Add(2 * time.Second)
	for !p.Online() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !p.Online() {
		t.Errorf("%s - expected online again after a real reply", proxyTestPrefix)
	}
}

func TestHeartbeat_RealTrafficSuppressesPing(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProxy(t, conn, 80*time.Millisecond)

	for i := 0; i < 6; i++ {
		p.Call("reset", nil)
		time.Sleep(30 * time.Millisecond)
	}
	for _, m := range conn.methods() {
		if m == contract.MethodPing {
			t.Errorf("%s - ping sent despite steady traffic: %v", proxyTestPrefix, conn.methods())
			break
		}
	}
}

func TestOperationTable(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProxy(t, conn, 0)

	for _, m := range contract.MustDefault().Methods() {
		if _, ok := p.Operation(m); !ok {
			t.Errorf("%s - missing operation for %s", proxyTestPrefix, m)
		}
	}
	if _, ok := p.Operation("delete_everything"); ok {
		t.Errorf("%s - unexpected operation for unregistered method", proxyTestPrefix)
	}

	op, _ := p.Operation("get_stored_data")
	if err := op(nil); err != nil {
		t.Fatalf("%s - operation failed: %v", proxyTestPrefix, err)
	}
	sent := conn.waitFor(t, 1)
	if sent[0].Method != "get_stored_data" {
		t.Errorf("%s - sent %q, want get_stored_data", proxyTestPrefix, sent[0].Method)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{Conn: &fakeConn{}}); err == nil {
		t.Errorf("%s - expected error without contract", proxyTestPrefix)
	}
	if _, err := New(Opts{Contract: contract.MustDefault()}); err == nil {
		t.Errorf("%s - expected error without requester", proxyTestPrefix)
	}
}
