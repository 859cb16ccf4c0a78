// Package demo is the sample method set served over the bridge and a typed
// client for calling it.
package demo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/router"
	"github.com/morezero/backend-bridge/pkg/signaler"
)

const logPrefix = "demo:backend"

// Signals emitted by the demo handlers.
const (
	SignalAddResult        = "add_result"
	SignalResetOK          = "reset_ok"
	SignalStoredData       = "stored_data"
	SignalBlockingMethodOK = "blocking_method_ok"
	SignalTwice            = "twice_signal"
)

// BackendOpts configures NewBackend.
type BackendOpts struct {
	Emitter signaler.Emitter
	Store   Store
	Logger  *slog.Logger
}

// Backend implements the demo methods. Every result is reported as a signal.
type Backend struct {
	emitter signaler.Emitter
	store   Store
	log     *slog.Logger
}

// NewBackend creates a Backend. A nil Store means an in-memory one.
func NewBackend(opts BackendOpts) (*Backend, error) {
	if opts.Emitter == nil {
		return nil, fmt.Errorf("%s - emitter is required", logPrefix)
	}
	b := &Backend{emitter: opts.Emitter, store: opts.Store, log: opts.Logger}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b, nil
}

// Handlers returns the router table for the demo contract.
func (b *Backend) Handlers() router.Handlers {
	return router.Handlers{
		"add":             {Params: []string{"a", "b"}, Fn: b.Add},
		"reset":           {Fn: b.Reset},
		"get_stored_data": {Fn: b.GetStoredData},
		"blocking_method": {Params: []string{"data", "delay"}, Fn: b.BlockingMethod},
		"twice_01":        {Fn: b.Twice},
		"twice_02":        {Fn: b.Twice},
	}
}

// Add signals a+b. The sum is an integer when both operands are.
func (b *Backend) Add(_ context.Context, args envelope.Args) error {
	ia, errA := args.Int("a")
	ib, errB := args.Int("b")
	if errA == nil && errB == nil {
		return b.emitter.Signal(SignalAddResult, ia+ib)
	}

	fa, err := args.Float("a")
	if err != nil {
		return err
	}
	fb, err := args.Float("b")
	if err != nil {
		return err
	}
	return b.emitter.Signal(SignalAddResult, fa+fb)
}

// Reset signals reset_ok.
func (b *Backend) Reset(context.Context, envelope.Args) error {
	return b.emitter.Signal(SignalResetOK, nil)
}

// GetStoredData signals the stored text.
func (b *Backend) GetStoredData(ctx context.Context, _ envelope.Args) error {
	data, err := b.store.Load(ctx, StoredDataKey)
	if err != nil {
		return fmt.Errorf("%s - failed to load stored data: %w", logPrefix, err)
	}
	return b.emitter.Signal(SignalStoredData, data)
}

// BlockingMethod waits delay seconds, then signals blocking_method_ok.
func (b *Backend) BlockingMethod(ctx context.Context, args envelope.Args) error {
	data, err := args.String("data")
	if err != nil {
		return err
	}
	delay, err := args.Float("delay")
	if err != nil {
		return err
	}
	b.log.Debug(fmt.Sprintf("%s - blocking method start, data: %q - delay: %v", logPrefix, data, delay))

	t := time.NewTimer(time.Duration(delay * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.log.Debug(fmt.Sprintf("%s - blocking method end", logPrefix))
	return b.emitter.Signal(SignalBlockingMethodOK, nil)
}

// Twice signals twice_signal; both twice_01 and twice_02 use it.
func (b *Backend) Twice(context.Context, envelope.Args) error {
	return b.emitter.Signal(SignalTwice, nil)
}
