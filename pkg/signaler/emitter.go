// Package signaler is the backend side of the event channel. Handlers report
// results by emitting named signals; a single worker delivers them in order.
package signaler

// Emitter publishes signals to the frontend.
type Emitter interface {
	Signal(name string, data interface{}) error
}

// NoOpEmitter discards every signal (for in-process usage without a frontend).
type NoOpEmitter struct{}

// Signal is a no-op.
func (NoOpEmitter) Signal(string, interface{}) error {
	return nil
}

// CallbackEmitter hands every signal to a callback (for testing).
type CallbackEmitter struct {
	callback func(name string, data interface{}) error
}

// NewCallbackEmitter creates a new CallbackEmitter.
func NewCallbackEmitter(cb func(name string, data interface{}) error) *CallbackEmitter {
	return &CallbackEmitter{callback: cb}
}

// Signal calls the callback.
func (e *CallbackEmitter) Signal(name string, data interface{}) error {
	return e.callback(name, data)
}
