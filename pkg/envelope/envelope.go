// Package envelope defines the messages exchanged over the call and event channels.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const logPrefix = "envelope:envelope"

// Ack is the fixed acknowledgement sent back for every call and every event.
const Ack = "OK"

// AckBytes is Ack as a payload.
var AckBytes = []byte(Ack)

var (
	// ErrMissingMethod is returned when a request carries no method name.
	ErrMissingMethod = errors.New("envelope: missing method")
	// ErrMissingSignal is returned when an event carries no signal name.
	ErrMissingSignal = errors.New("envelope: missing signal")
	// ErrArgument is returned by the Args accessors.
	ErrArgument = errors.New("envelope: bad argument")
)

// Request is the call-channel envelope.
type Request struct {
	Method    string `json:"method"`
	Arguments Args   `json:"arguments"`
}

// Event is the event-channel envelope.
type Event struct {
	Signal string      `json:"signal"`
	Data   interface{} `json:"data"`
}

// Encode serializes an envelope to JSON bytes.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeRequest parses a call-channel payload. Numbers decode as json.Number.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := decode(data, &req); err != nil {
		return nil, fmt.Errorf("%s - malformed request: %w", logPrefix, err)
	}
	if req.Method == "" {
		return nil, ErrMissingMethod
	}
	return &req, nil
}

// DecodeEvent parses an event-channel payload. Numbers decode as json.Number.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := decode(data, &ev); err != nil {
		return nil, fmt.Errorf("%s - malformed event: %w", logPrefix, err)
	}
	if ev.Signal == "" {
		return nil, ErrMissingSignal
	}
	return &ev, nil
}

func decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Args holds the named arguments of a request.
type Args map[string]interface{}

// Keys returns the argument names, sorted.
func (a Args) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the named argument as a string.
func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok {
		return "", fmt.Errorf("%w: %s missing", ErrArgument, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, want string", ErrArgument, name, v)
	}
	return s, nil
}

// Int returns the named argument as an int64. Integral floats are accepted.
func (a Args) Int(name string) (int64, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s missing", ErrArgument, name)
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%s is not an integer", ErrArgument, name, n)
		}
		return i, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%w: %s=%v is not an integer", ErrArgument, name, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: %s is %T, want integer", ErrArgument, name, v)
	}
}

// Float returns the named argument as a float64.
func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s missing", ErrArgument, name)
	}
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%s is not a number", ErrArgument, name, n)
		}
		return f, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s is %T, want number", ErrArgument, name, v)
	}
}
