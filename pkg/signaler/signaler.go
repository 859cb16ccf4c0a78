package signaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/backend-bridge/internal/logging"
	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/queue"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const logPrefix = "signaler:signaler"

var (
	// ErrUnknownSignal is returned for a signal outside the contract.
	ErrUnknownSignal = errors.New("signaler: unknown signal")
	// ErrStopped is returned for signals emitted after Stop.
	ErrStopped = errors.New("signaler: stopped")
)

// Opts configures New.
type Opts struct {
	Contract *contract.Contract
	Conn     transport.Requester
	Logger   *slog.Logger
}

type outbound struct {
	signal   string
	payload  []byte
	sentinel bool
}

// Signaler delivers events over a lock-step requester.
type Signaler struct {
	contract *contract.Contract
	conn     transport.Requester
	log      *slog.Logger
	queue    *queue.FIFO[outbound]

	mu       sync.Mutex
	started  bool
	stopping bool
	done     chan struct{}
}

// New creates a Signaler. Signals emitted before Start wait in the queue.
func New(opts Opts) (*Signaler, error) {
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
	return &Signaler{
		contract: opts.Contract,
		conn:     opts.Conn,
		log:      log,
		queue:    queue.New[outbound](),
		done:     make(chan struct{}),
	}, nil
}

// Signal queues an event. It fails synchronously only for names outside the
// contract and for data that cannot be encoded.
func (s *Signaler) Signal(name string, data interface{}) error {
	if !s.contract.HasSignal(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	payload, err := envelope.Encode(&envelope.Event{Signal: name, Data: data})
	if err != nil {
		s.log.Log(context.Background(), logging.LevelCritical,
			fmt.Sprintf("%s - Error serializing signal into JSON. Exception: %v Data: %s(%v)", logPrefix, err, name, data))
		return fmt.Errorf("%s - failed to encode %s signal: %w", logPrefix, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	s.queue.Push(outbound{signal: name, payload: payload})
	return nil
}

// Start launches the delivery worker. Calls after the first are ignored.
func (s *Signaler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Signaler) startLocked() {
	if s.started {
		return
	}
	s.started = true
	go s.worker()
}

// Stop lets the worker deliver what is already queued, then release the requester.
func (s *Signaler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	s.queue.Push(outbound{sentinel: true})
	s.startLocked()
}

// Done is closed when the worker has exited.
func (s *Signaler) Done() <-chan struct{} {
	return s.done
}

// Pending returns the number of queued signals.
func (s *Signaler) Pending() int {
	return s.queue.Len()
}

func (s *Signaler) worker() {
	defer close(s.done)
	defer s.conn.Close()

	for range s.queue.Ready() {
		for {
			item, ok := s.queue.Pop()
			if !ok {
				break
			}
			if item.sentinel {
				s.log.Debug(fmt.Sprintf("%s - Signaler worker stopped", logPrefix))
				return
			}
			s.send(item)
		}
	}
}

func (s *Signaler) send(item outbound) {
	s.log.Debug(fmt.Sprintf("%s - Sending signal to frontend: %s", logPrefix, item.payload))
	reply, err := s.conn.Roundtrip(item.payload)
	if err != nil {
		s.log.Log(context.Background(), logging.LevelCritical,
			fmt.Sprintf("%s - Timeout error contacting frontend for %s: %v", logPrefix, item.signal, err))
		return
	}
	if string(reply) != envelope.Ack {
		s.log.Warn(fmt.Sprintf("%s - Unexpected reply for %s: %q", logPrefix, item.signal, reply))
	}
}
