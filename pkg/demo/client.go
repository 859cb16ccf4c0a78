package demo

import (
	"time"

	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
)

// Caller queues a named call. *proxy.Proxy satisfies it.
type Caller interface {
	Call(method string, args envelope.Args) error
}

// Client exposes the demo methods with typed arguments. Results arrive as
// signals, not return values.
type Client struct {
	caller Caller
}

// NewClient wraps a Caller.
func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) Add(a, b int64) error {
	return c.caller.Call("add", envelope.Args{"a": a, "b": b})
}

func (c *Client) Reset() error {
	return c.caller.Call("reset", nil)
}

func (c *Client) GetStoredData() error {
	return c.caller.Call("get_stored_data", nil)
}

// BlockingMethod asks the backend to wait delay before answering.
func (c *Client) BlockingMethod(data string, delay time.Duration) error {
	return c.caller.Call("blocking_method", envelope.Args{"data": data, "delay": delay.Seconds()})
}

func (c *Client) Twice01() error {
	return c.caller.Call("twice_01", nil)
}

func (c *Client) Twice02() error {
	return c.caller.Call("twice_02", nil)
}

// Stop asks the backend to shut down. The caller accepts no calls afterwards.
func (c *Client) Stop() error {
	return c.caller.Call(contract.MethodStop, nil)
}
