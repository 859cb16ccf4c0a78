// Package router is the backend side of the call channel. It acknowledges every
// request immediately, then runs the named handler on its own goroutine while
// keeping a record of each execution until it finishes or is cancelled.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/backend-bridge/internal/logging"
	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const logPrefix = "router:router"

// Defaults for Opts.
const (
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultShutdownGrace = 5 * time.Second
	DefaultShutdownPoll  = 500 * time.Millisecond
)

var (
	// ErrMalformedRequest is logged for payloads that do not decode into a request.
	ErrMalformedRequest = errors.New("router: malformed request")
	// ErrUnknownMethod is logged for requests naming a method without a handler.
	ErrUnknownMethod = errors.New("router: unknown method")
	// ErrArgumentMismatch is logged when request arguments differ from the handler's parameters.
	ErrArgumentMismatch = errors.New("router: argument mismatch")
)

// HandlerFunc executes one call. ctx is cancelled when shutdown gives up waiting.
type HandlerFunc func(ctx context.Context, args envelope.Args) error

// Handler binds a method to its parameter names and implementation.
type Handler struct {
	Params []string
	Fn     HandlerFunc
}

// Handlers maps method names to handlers.
type Handlers map[string]Handler

// Opts configures New.
type Opts struct {
	Contract      *contract.Contract
	Conn          transport.Replier
	Handlers      Handlers
	PollInterval  time.Duration
	ShutdownGrace time.Duration
	ShutdownPoll  time.Duration
	Logger        *slog.Logger
	// OnStopped runs once after the replier is closed, before Done is closed.
	OnStopped func()
}

// State is the lifecycle of a Router.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Execution describes one in-flight call.
type Execution struct {
	ID        uuid.UUID
	Method    string
	Started   time.Time
	Cancelled bool
}

type execution struct {
	Execution
	cancel context.CancelFunc
}

// Router receives calls and runs their handlers.
type Router struct {
	contract *contract.Contract
	conn     transport.Replier
	handlers Handlers
	log      *slog.Logger

	pollInterval  time.Duration
	shutdownGrace time.Duration
	shutdownPoll  time.Duration
	onStopped     func()

	state atomic.Int32
	base  context.Context

	mu    sync.Mutex
	execs map[uuid.UUID]*execution
	wg    sync.WaitGroup

	done chan struct{}
}

// New validates the handler table against the contract.
func New(opts Opts) (*Router, error) {
	if opts.Contract == nil {
		return nil, fmt.Errorf("%s - contract is required", logPrefix)
	}
	if opts.Conn == nil {
		return nil, fmt.Errorf("%s - replier is required", logPrefix)
	}
	if err := validateHandlers(opts.Contract, opts.Handlers); err != nil {
		return nil, err
	}

	r := &Router{
		contract:      opts.Contract,
		conn:          opts.Conn,
		handlers:      opts.Handlers,
		log:           opts.Logger,
		pollInterval:  opts.PollInterval,
		shutdownGrace: opts.ShutdownGrace,
		shutdownPoll:  opts.ShutdownPoll,
		onStopped:     opts.OnStopped,
		base:          context.Background(),
		execs:         make(map[uuid.UUID]*execution),
		done:          make(chan struct{}),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.shutdownGrace <= 0 {
		r.shutdownGrace = DefaultShutdownGrace
	}
	if r.shutdownPoll <= 0 {
		r.shutdownPoll = DefaultShutdownPoll
	}
	return r, nil
}

func validateHandlers(c *contract.Contract, handlers Handlers) error {
	for name, h := range handlers {
		if !c.HasMethod(name) {
			return fmt.Errorf("%s - handler %q is not a contract method", logPrefix, name)
		}
		if contract.IsReserved(name) {
			return fmt.Errorf("%s - handler %q shadows a reserved method", logPrefix, name)
		}
		if h.Fn == nil {
			return fmt.Errorf("%s - handler %q has no function", logPrefix, name)
		}
	}
	var missing []string
	for _, m := range c.Methods() {
		if contract.IsReserved(m) {
			continue
		}
		if _, ok := handlers[m]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s - no handler for methods %v", logPrefix, missing)
	}
	return nil
}

// Run receives requests until Stop is called or ctx ends. Cancelling ctx
// starts the same graceful shutdown as a stop request.
func (r *Router) Run(ctx context.Context) error {
	r.log.Info(fmt.Sprintf("%s - Router listening for %s %s", logPrefix, r.contract.Name(), r.contract.Version()))
	for r.State() == StateRunning {
		select {
		case <-ctx.Done():
			r.log.Info(fmt.Sprintf("%s - Context done, stopping router", logPrefix))
			r.Stop()
			return nil
		default:
		}

		payload, err := r.conn.Poll()
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		if err != nil {
			r.log.Error(fmt.Sprintf("%s - Poll failed: %v", logPrefix, err))
			time.Sleep(r.pollInterval)
			continue
		}
		if payload == nil {
			time.Sleep(r.pollInterval)
			continue
		}

		if err := r.conn.Reply(envelope.AckBytes); err != nil {
			r.log.Error(fmt.Sprintf("%s - Failed to acknowledge request: %v", logPrefix, err))
		}
		r.route(payload)
	}
	return nil
}

func (r *Router) route(payload []byte) {
	req, err := envelope.DecodeRequest(payload)
	if err != nil {
		r.log.Log(context.Background(), logging.LevelCritical,
			fmt.Sprintf("%s - %v: %v Data: %q", logPrefix, ErrMalformedRequest, err, payload))
		return
	}
	r.log.Debug(fmt.Sprintf("%s - Received request %s(%v)", logPrefix, req.Method, req.Arguments.Keys()))

	switch req.Method {
	case contract.MethodPing:
		return
	case contract.MethodStop:
		r.log.Info(fmt.Sprintf("%s - Stop requested by frontend", logPrefix))
		r.Stop()
		return
	}

	h, ok := r.handlers[req.Method]
	if !ok {
		r.log.Error(fmt.Sprintf("%s - %v: %s", logPrefix, ErrUnknownMethod, req.Method))
		return
	}
	r.start(req.Method, h, req.Arguments)
}

func (r *Router) start(method string, h Handler, args envelope.Args) {
	ctx, cancel := context.WithCancel(r.base)
	exec := &execution{
		Execution: Execution{ID: uuid.New(), Method: method, Started: time.Now()},
		cancel:    cancel,
	}

	r.mu.Lock()
	if r.State() != StateRunning {
		r.mu.Unlock()
		cancel()
		r.log.Warn(fmt.Sprintf("%s - Dropping %s: router is %s", logPrefix, method, r.State()))
		return
	}
	r.execs[exec.ID] = exec
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(ctx, exec, h, args)
}

func (r *Router) execute(ctx context.Context, exec *execution, h Handler, args envelope.Args) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error(fmt.Sprintf("%s - Handler %s (%s) panicked: %v\n%s", logPrefix, exec.Method, exec.ID, p, debug.Stack()))
		}
		exec.cancel()
		r.mu.Lock()
		delete(r.execs, exec.ID)
		r.mu.Unlock()
		r.wg.Done()
	}()

	if err := checkArguments(h.Params, args); err != nil {
		r.log.Error(fmt.Sprintf("%s - Cannot execute %s: %v", logPrefix, exec.Method, err))
		return
	}

	err := h.Fn(ctx, args)
	switch {
	case err == nil:
		r.log.Debug(fmt.Sprintf("%s - Execution %s of %s finished", logPrefix, exec.ID, exec.Method))
	case errors.Is(err, context.Canceled):
		r.log.Warn(fmt.Sprintf("%s - Execution %s of %s cancelled", logPrefix, exec.ID, exec.Method))
	default:
		r.log.Error(fmt.Sprintf("%s - Execution %s of %s failed: %v\n%s", logPrefix, exec.ID, exec.Method, err, debug.Stack()))
	}
}

func checkArguments(params []string, args envelope.Args) error {
	if len(params) != len(args) {
		return fmt.Errorf("%w: want %v, got %v", ErrArgumentMismatch, params, args.Keys())
	}
	for _, p := range params {
		if _, ok := args[p]; !ok {
			return fmt.Errorf("%w: want %v, got %v", ErrArgumentMismatch, params, args.Keys())
		}
	}
	return nil
}

// Stop leaves the receive loop and starts shutdown in the background. Calls
// after the first are ignored.
func (r *Router) Stop() {
	r.mu.Lock()
	stopped := r.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	r.mu.Unlock()
	if !stopped {
		return
	}
	r.log.Info(fmt.Sprintf("%s - Router stopping", logPrefix))
	go r.shutdown()
}

func (r *Router) shutdown() {
	deadline := time.Now().Add(r.shutdownGrace)
	for {
		n := r.inFlight()
		if n == 0 {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		r.log.Info(fmt.Sprintf("%s - Waiting for %d running executions", logPrefix, n))
		wait := r.shutdownPoll
		if remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
	}

	r.mu.Lock()
	for _, e := range r.execs {
		if e.Cancelled {
			continue
		}
		e.Cancelled = true
		e.cancel()
		r.log.Warn(fmt.Sprintf("%s - Cancelling execution %s of %s", logPrefix, e.ID, e.Method))
	}
	r.mu.Unlock()

	if err := r.conn.Close(); err != nil {
		r.log.Warn(fmt.Sprintf("%s - Failed to close replier: %v", logPrefix, err))
	}
	r.state.Store(int32(StateStopped))
	if r.onStopped != nil {
		r.onStopped()
	}
	r.log.Info(fmt.Sprintf("%s - Router stopped", logPrefix))
	close(r.done)
}

func (r *Router) inFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.execs)
}

// State returns the current lifecycle state.
func (r *Router) State() State {
	return State(r.state.Load())
}

// Done is closed once shutdown has finished.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Executions returns a snapshot of in-flight executions, oldest first.
func (r *Router) Executions() []Execution {
	r.mu.Lock()
	out := make([]Execution, 0, len(r.execs))
	for _, e := range r.execs {
		out = append(out, e.Execution)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Wait blocks until every execution goroutine, cancelled ones included, has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}
