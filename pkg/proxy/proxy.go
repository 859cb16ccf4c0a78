// Package proxy is the caller side of the call channel. It exposes every method
// of the contract as an asynchronous operation: calls are queued and a single
// worker sends them one round trip at a time. Results come back as signals on
// the event channel, never as return values.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/backend-bridge/internal/logging"
	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/queue"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const logPrefix = "proxy:proxy"

// DefaultHeartbeatInterval is used when Opts.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 5 * time.Second

var (
	// ErrMissingMethod is returned when Call is given no method name.
	ErrMissingMethod = errors.New("proxy: missing method name")
	// ErrUnknownMethod is returned for a method outside the contract.
	ErrUnknownMethod = errors.New("proxy: method not in contract")
	// ErrStopped is returned for calls made after stop was queued.
	ErrStopped = errors.New("proxy: stopped")
)

// Operation invokes one contract method with named arguments.
type Operation func(args envelope.Args) error

// Opts configures New.
type Opts struct {
	Contract          *contract.Contract
	Conn              transport.Requester
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

type outbound struct {
	method   string
	payload  []byte
	sentinel bool
}

// Proxy forwards calls to the backend.
type Proxy struct {
	contract  *contract.Contract
	conn      transport.Requester
	heartbeat time.Duration
	log       *slog.Logger

	ops   map[string]Operation
	queue *queue.FIFO[outbound]

	mu       sync.Mutex
	stopping bool

	online atomic.Bool
	done   chan struct{}
	ping   []byte
}

// New builds the operation table from the contract and starts the send worker.
func New(opts Opts) (*Proxy, error) {
	if opts.Contract == nil {
		return nil, fmt.Errorf("%s - contract is required", logPrefix)
	}
	if opts.Conn == nil {
		return nil, fmt.Errorf("%s - requester is required", logPrefix)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	ping, err := envelope.Encode(&envelope.Request{Method: contract.MethodPing, Arguments: envelope.Args{}})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode ping: %w", logPrefix, err)
	}

	p := &Proxy{
		contract:  opts.Contract,
		conn:      opts.Conn,
		heartbeat: heartbeat,
		log:       log,
		queue:     queue.New[outbound](),
		done:      make(chan struct{}),
		ping:      ping,
	}

	methods := opts.Contract.Methods()
	p.ops = make(map[string]Operation, len(methods))
	for _, m := range methods {
		method := m
		p.ops[method] = func(args envelope.Args) error {
			return p.Call(method, args)
		}
	}

	log.Debug(fmt.Sprintf("%s - Proxy ready with %d operations", logPrefix, len(p.ops)))
	go p.worker()
	return p, nil
}

// Operation returns the operation bound to a contract method.
func (p *Proxy) Operation(method string) (Operation, bool) {
	op, ok := p.ops[method]
	return op, ok
}

// Call queues a request for method with named arguments and returns without
// waiting for the backend. Only contract violations and encoding failures are
// reported; transport problems show up in Online and the logs.
func (p *Proxy) Call(method string, args envelope.Args) error {
	if method == "" {
		return ErrMissingMethod
	}
	if !p.contract.HasMethod(method) {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if args == nil {
		args = envelope.Args{}
	}

	req := &envelope.Request{Method: method, Arguments: args}
	payload, err := envelope.Encode(req)
	if err != nil {
		p.log.Log(context.Background(), logging.LevelCritical,
			fmt.Sprintf("%s - Error serializing request into JSON. Exception: %v Data: %s(%v)", logPrefix, err, method, args))
		return fmt.Errorf("%s - failed to encode %s request: %w", logPrefix, method, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrStopped
	}
	p.queue.Push(outbound{method: method, payload: payload})
	if method == contract.MethodStop {
		p.stopping = true
		p.queue.Push(outbound{sentinel: true})
	}
	return nil
}

// Stop queues the stop request. The worker exits after sending it.
func (p *Proxy) Stop() error {
	return p.Call(contract.MethodStop, nil)
}

// Online reports whether the last round trip got a reply.
func (p *Proxy) Online() bool {
	return p.online.Load()
}

// Pending returns the number of queued requests.
func (p *Proxy) Pending() int {
	return p.queue.Len()
}

// Done is closed when the worker has exited and released the requester.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

func (p *Proxy) worker() {
	defer close(p.done)
	defer p.conn.Close()

	idle := time.NewTimer(p.heartbeat)
	defer idle.Stop()

	for {
		select {
		case <-p.queue.Ready():
			for {
				item, ok := p.queue.Pop()
				if !ok {
					break
				}
				if item.sentinel {
					p.log.Debug(fmt.Sprintf("%s - Proxy worker stopped", logPrefix))
					return
				}
				p.send(item.method, item.payload)
				resetTimer(idle, p.heartbeat)
			}
		case <-idle.C:
			p.log.Debug(fmt.Sprintf("%s - No traffic for %v, pinging backend", logPrefix, p.heartbeat))
			p.send(contract.MethodPing, p.ping)
			idle.Reset(p.heartbeat)
		}
	}
}

// send performs one round trip. A call that gets no reply is abandoned.
func (p *Proxy) send(method string, payload []byte) {
	p.log.Debug(fmt.Sprintf("%s - Sending request to backend: %s", logPrefix, payload))
	reply, err := p.conn.Roundtrip(payload)
	if err != nil {
		p.online.Store(false)
		p.log.Log(context.Background(), logging.LevelCritical,
			fmt.Sprintf("%s - Timeout error contacting backend for %s: %v", logPrefix, method, err))
		return
	}
	p.online.Store(true)
	if string(reply) != envelope.Ack {
		p.log.Warn(fmt.Sprintf("%s - Unexpected reply for %s: %q", logPrefix, method, reply))
		return
	}
	p.log.Debug(fmt.Sprintf("%s - Received reply for '%s' -> '%s'", logPrefix, payload, reply))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
