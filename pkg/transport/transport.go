// Package transport implements the lock-step request/reply channels of the bridge.
//
// A channel has a requester end and a replier end. The requester may have at most
// one round trip outstanding; the replier must answer every request it polled
// before it may poll again. Two implementations exist: NATS with curve-sealed
// payloads, and an in-process pipe.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrTimeout is returned when every poll attempt for a reply expired.
	ErrTimeout = errors.New("transport: no reply from peer")
	// ErrBusy is returned when a round trip is started while another is in flight.
	ErrBusy = errors.New("transport: round trip already in progress")
	// ErrReplyPending is returned when polling before replying to the previous request.
	ErrReplyPending = errors.New("transport: previous request not answered")
	// ErrNoPending is returned when replying without a polled request.
	ErrNoPending = errors.New("transport: no request to answer")
	// ErrClosed is returned on use after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrPeerKey is returned when a reply is sealed by an unexpected key.
	ErrPeerKey = errors.New("transport: unexpected peer key")

	errPollTimeout = errors.New("transport: poll window expired")
)

// Requester is the calling end of a lock-step channel.
type Requester interface {
	// Roundtrip sends payload and waits for the peer's reply under the retry policy.
	Roundtrip(payload []byte) ([]byte, error)
	Close() error
}

// Replier is the answering end of a lock-step channel.
type Replier interface {
	// Poll returns the next request without blocking; nil when nothing is pending.
	Poll() ([]byte, error)
	// Reply answers the request returned by the last Poll.
	Reply(payload []byte) error
	Close() error
}

// Defaults for RetryPolicy.
const (
	DefaultPollTimeout = time.Second
	DefaultPollTries   = 3
)

// RetryPolicy bounds how long a requester waits for a reply: one send, then
// up to Tries polls of PollTimeout each.
type RetryPolicy struct {
	PollTimeout time.Duration
	Tries       int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.PollTimeout <= 0 {
		p.PollTimeout = DefaultPollTimeout
	}
	if p.Tries <= 0 {
		p.Tries = DefaultPollTries
	}
	return p
}

// await runs poll until it yields a reply, a hard error, or the tries are spent.
func (p RetryPolicy) await(log *slog.Logger, prefix string, poll func(timeout time.Duration) ([]byte, error)) ([]byte, error) {
	for try := 1; ; try++ {
		reply, err := poll(p.PollTimeout)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, errPollTimeout) {
			return nil, err
		}
		if try >= p.Tries {
			return nil, ErrTimeout
		}
		log.Warn(fmt.Sprintf("%s - Retrying receive... %d/%d", prefix, try, p.Tries))
	}
}

func loggerOrDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
