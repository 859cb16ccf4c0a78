// Package sink is the frontend side of the event channel: it acknowledges every
// event and hands the data of known signals to their handlers.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/morezero/backend-bridge/internal/logging"
	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const logPrefix = "sink:sink"

// DefaultPollInterval is used when Opts.PollInterval is zero.
const DefaultPollInterval = 10 * time.Millisecond

// Handler receives the data of one delivered signal.
type Handler func(data interface{})

// Handlers maps signal names to handlers.
type Handlers map[string]Handler

// Opts configures New.
type Opts struct {
	Contract     *contract.Contract
	Conn         transport.Replier
	Handlers     Handlers
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Sink receives events.
type Sink struct {
	contract     *contract.Contract
	conn         transport.Replier
	handlers     Handlers
	pollInterval time.Duration
	log          *slog.Logger

	stopped   atomic.Bool
	delivered atomic.Int64
	done      chan struct{}
}

// New validates handler names against the contract's signals.
func New(opts Opts) (*Sink, error) {
	if opts.Contract == nil {
		return nil, fmt.Errorf("%s - contract is required", logPrefix)
	}
	if opts.Conn == nil {
		return nil, fmt.Errorf("%s - replier is required", logPrefix)
	}
	for name := range opts.Handlers {
		if !opts.Contract.HasSignal(name) {
			return nil, fmt.Errorf("%s - handler %q is not a contract signal", logPrefix, name)
		}
	}
	s := &Sink{
		contract:     opts.Contract,
		conn:         opts.Conn,
		handlers:     opts.Handlers,
		pollInterval: opts.PollInterval,
		log:          opts.Logger,
		done:         make(chan struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	return s, nil
}

// Run receives events until Stop is called or ctx ends, then closes the replier.
func (s *Sink) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.conn.Close()

	s.log.Info(fmt.Sprintf("%s - Listening for signals", logPrefix))
	for !s.stopped.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := s.conn.Poll()
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		if err != nil {
			s.log.Error(fmt.Sprintf("%s - Poll failed: %v", logPrefix, err))
			time.Sleep(s.pollInterval)
			continue
		}
		if payload == nil {
			time.Sleep(s.pollInterval)
			continue
		}

		if err := s.conn.Reply(envelope.AckBytes); err != nil {
			s.log.Error(fmt.Sprintf("%s - Failed to acknowledge signal: %v", logPrefix, err))
		}
		s.deliver(payload)
	}
	return nil
}

func (s *Sink) deliver(payload []byte) {
	ev, err := envelope.DecodeEvent(payload)
	if err != nil {
		s.log.Log(context.Background(), logging.LevelCritical,
			fmt.Sprintf("%s - Error deserializing JSON signal. Exception: %v Data: %q", logPrefix, err, payload))
		return
	}
	if !s.contract.HasSignal(ev.Signal) {
		s.log.Error(fmt.Sprintf("%s - Unknown signal received: %s", logPrefix, ev.Signal))
		return
	}
	h, ok := s.handlers[ev.Signal]
	if !ok {
		s.log.Warn(fmt.Sprintf("%s - Signal not implemented: %s", logPrefix, ev.Signal))
		return
	}

	defer func() {
		if p := recover(); p != nil {
			s.log.Error(fmt.Sprintf("%s - Handler for %s panicked: %v\n%s", logPrefix, ev.Signal, p, debug.Stack()))
		}
	}()
	s.log.Debug(fmt.Sprintf("%s - Delivering %s", logPrefix, ev.Signal))
	h(ev.Data)
	s.delivered.Add(1)
}

// Stop ends Run after the current event.
func (s *Sink) Stop() {
	s.stopped.Store(true)
}

// Done is closed when Run has returned.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Delivered returns the number of events handed to handlers.
func (s *Sink) Delivered() int64 {
	return s.delivered.Load()
}
