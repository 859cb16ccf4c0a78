package transport

import (
	"log/slog"
	"sync"
	"time"
)

const pipeLogPrefix = "transport:pipe"

type pipeMsg struct {
	payload []byte
	reply   chan []byte
}

type pipe struct {
	reqs      chan pipeMsg
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *pipe) close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipe) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// PipeRequester is the calling end of an in-process channel.
type PipeRequester struct {
	p      *pipe
	policy RetryPolicy
	log    *slog.Logger
	mu     sync.Mutex
}

// PipeReplier is the answering end of an in-process channel.
type PipeReplier struct {
	p       *pipe
	mu      sync.Mutex
	pending *pipeMsg
}

// Pipe returns the two ends of an in-process lock-step channel. Requests wait in
// a buffer until the replier polls them, the way a message waits on a socket
// whose peer is not reading. Closing either end closes the channel.
func Pipe(log *slog.Logger, policy RetryPolicy) (*PipeRequester, *PipeReplier) {
	p := &pipe{
		reqs:   make(chan pipeMsg, 64),
		closed: make(chan struct{}),
	}
	return &PipeRequester{p: p, policy: policy.withDefaults(), log: loggerOrDefault(log)}, &PipeReplier{p: p}
}

// Roundtrip implements Requester.
func (r *PipeRequester) Roundtrip(payload []byte) ([]byte, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	if r.p.isClosed() {
		return nil, ErrClosed
	}

	msg := pipeMsg{payload: append([]byte(nil), payload...), reply: make(chan []byte, 1)}
	select {
	case r.p.reqs <- msg:
	case <-r.p.closed:
		return nil, ErrClosed
	}

	return r.policy.await(r.log, pipeLogPrefix, func(timeout time.Duration) ([]byte, error) {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case reply := <-msg.reply:
			return reply, nil
		case <-r.p.closed:
			return nil, ErrClosed
		case <-t.C:
			return nil, errPollTimeout
		}
	})
}

// Close implements Requester.
func (r *PipeRequester) Close() error {
	return r.p.close()
}

// Poll implements Replier.
func (r *PipeReplier) Poll() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return nil, ErrReplyPending
	}
	if r.p.isClosed() {
		return nil, ErrClosed
	}
	select {
	case msg := <-r.p.reqs:
		r.pending = &msg
		return msg.payload, nil
	default:
		return nil, nil
	}
}

// Reply implements Replier.
func (r *PipeReplier) Reply(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return ErrNoPending
	}
	r.pending.reply <- append([]byte(nil), payload...)
	r.pending = nil
	return nil
}

// Close implements Replier.
func (r *PipeReplier) Close() error {
	return r.p.close()
}
