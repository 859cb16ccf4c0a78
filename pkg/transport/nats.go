package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

const natsLogPrefix = "transport:nats"

// HeaderXkey carries the sender's public curve key on every message.
const HeaderXkey = "Bridge-Xkey"

// receiveWait bounds a replier poll; it only has to observe already-delivered messages.
const receiveWait = time.Millisecond

const closeFlushTimeout = time.Second

// NatsRequesterOpts configures NewNatsRequester.
type NatsRequesterOpts struct {
	Conn    *comms.Conn
	Subject string
	// Key is the caller's curve key pair. Nil generates an ephemeral one.
	Key nkeys.KeyPair
	// PeerKey is the callee's public curve key; replies sealed by any other key are rejected.
	PeerKey string
	Policy  RetryPolicy
	Logger  *slog.Logger
}

// NatsRequester sends curve-sealed requests on a subject and waits for the reply on a private inbox.
type NatsRequester struct {
	nc      *comms.Conn
	subject string
	key     nkeys.KeyPair
	pub     string
	peer    string
	policy  RetryPolicy
	log     *slog.Logger
	mu      sync.Mutex
	closed  atomic.Bool
}

// NewNatsRequester creates the calling end of a NATS channel.
func NewNatsRequester(opts NatsRequesterOpts) (*NatsRequester, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("%s - nil connection", natsLogPrefix)
	}
	if opts.Subject == "" {
		return nil, fmt.Errorf("%s - empty subject", natsLogPrefix)
	}
	if !nkeys.IsValidPublicCurveKey(opts.PeerKey) {
		return nil, fmt.Errorf("%s - invalid peer curve key %q", natsLogPrefix, opts.PeerKey)
	}
	key := opts.Key
	if key == nil {
		var err error
		if key, err = nkeys.CreateCurveKeys(); err != nil {
			return nil, fmt.Errorf("%s - failed to create curve keys: %w", natsLogPrefix, err)
		}
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read public key: %w", natsLogPrefix, err)
	}
	return &NatsRequester{
		nc:      opts.Conn,
		subject: opts.Subject,
		key:     key,
		pub:     pub,
		peer:    opts.PeerKey,
		policy:  opts.Policy.withDefaults(),
		log:     loggerOrDefault(opts.Logger),
	}, nil
}

// Roundtrip implements Requester.
func (r *NatsRequester) Roundtrip(payload []byte) ([]byte, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, ErrClosed
	}

	sealed, err := r.key.Seal(payload, r.peer)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to seal request: %w", natsLogPrefix, err)
	}

	inbox := comms.NewInbox()
	sub, err := r.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to inbox: %w", natsLogPrefix, err)
	}
	defer sub.Unsubscribe()

	msg := &comms.Msg{Subject: r.subject, Reply: inbox, Header: comms.Header{}, Data: sealed}
	msg.Header.Set(HeaderXkey, r.pub)
	delivered, err := r.publish(msg)
	if err != nil {
		return nil, err
	}

	return r.policy.await(r.log, natsLogPrefix, func(timeout time.Duration) ([]byte, error) {
		start := time.Now()
		if !delivered {
			ok, err := r.publish(msg)
			if err != nil {
				return nil, err
			}
			if !ok {
				time.Sleep(timeout)
				return nil, errPollTimeout
			}
			delivered = true
		}
		m, err := sub.NextMsg(timeout)
		if errors.Is(err, comms.ErrTimeout) {
			return nil, errPollTimeout
		}
		if errors.Is(err, comms.ErrNoResponders) {
			// Nobody is listening yet, so the request was never delivered.
			if rest := timeout - time.Since(start); rest > 0 {
				time.Sleep(rest)
			}
			delivered = false
			return nil, errPollTimeout
		}
		if err != nil {
			return nil, fmt.Errorf("%s - receive failed: %w", natsLogPrefix, err)
		}
		if sender := m.Header.Get(HeaderXkey); sender != r.peer {
			return nil, fmt.Errorf("%w: %q", ErrPeerKey, sender)
		}
		reply, err := r.key.Open(m.Data, r.peer)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to open reply: %w", natsLogPrefix, err)
		}
		return reply, nil
	})
}

// publish reports false when the peer's server is not reachable yet. Until the
// first connect completes the client cannot send headers, so the request is
// held back and sent again on the next poll window.
func (r *NatsRequester) publish(msg *comms.Msg) (bool, error) {
	if r.nc.IsClosed() {
		return false, fmt.Errorf("%s - publish on %s: %w", natsLogPrefix, r.subject, comms.ErrConnectionClosed)
	}
	if !r.nc.IsConnected() {
		r.log.Debug(fmt.Sprintf("%s - Not connected, holding request on %s", natsLogPrefix, r.subject))
		return false, nil
	}
	err := r.nc.PublishMsg(msg)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, comms.ErrHeadersNotSupported) && !r.nc.IsConnected(),
		errors.Is(err, comms.ErrConnectionReconnecting):
		return false, nil
	default:
		return false, fmt.Errorf("%s - failed to publish on %s: %w", natsLogPrefix, r.subject, err)
	}
}

// Close implements Requester. The connection itself is owned by the caller.
func (r *NatsRequester) Close() error {
	r.closed.Store(true)
	return nil
}

// NatsReplierOpts configures NewNatsReplier.
type NatsReplierOpts struct {
	Conn    *comms.Conn
	Subject string
	// Key is the callee's long-lived curve key pair; callers seal to its public key.
	Key nkeys.KeyPair
	// PeerKey, when set, is the only caller public key accepted.
	PeerKey string
	Logger  *slog.Logger
}

// NatsReplier receives curve-sealed requests from a synchronous subscription.
type NatsReplier struct {
	nc          *comms.Conn
	sub         *comms.Subscription
	key         nkeys.KeyPair
	pub         string
	peer        string
	log         *slog.Logger
	mu          sync.Mutex
	pending     *comms.Msg
	pendingPeer string
	closed      bool
}

// NewNatsReplier subscribes to the channel subject and returns the answering end.
func NewNatsReplier(opts NatsReplierOpts) (*NatsReplier, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("%s - nil connection", natsLogPrefix)
	}
	if opts.Key == nil {
		return nil, fmt.Errorf("%s - replier requires a curve key pair", natsLogPrefix)
	}
	pub, err := opts.Key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read public key: %w", natsLogPrefix, err)
	}
	if opts.PeerKey != "" && !nkeys.IsValidPublicCurveKey(opts.PeerKey) {
		return nil, fmt.Errorf("%s - invalid peer curve key %q", natsLogPrefix, opts.PeerKey)
	}
	sub, err := opts.Conn.SubscribeSync(opts.Subject)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, opts.Subject, err)
	}
	log := loggerOrDefault(opts.Logger)
	log.Info(fmt.Sprintf("%s - Listening on %s", natsLogPrefix, opts.Subject))
	return &NatsReplier{nc: opts.Conn, sub: sub, key: opts.Key, pub: pub, peer: opts.PeerKey, log: log}, nil
}

// Poll implements Replier. Messages that cannot be opened are dropped unanswered.
func (r *NatsReplier) Poll() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.pending != nil {
		return nil, ErrReplyPending
	}

	m, err := r.sub.NextMsg(receiveWait)
	if errors.Is(err, comms.ErrTimeout) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - receive failed: %w", natsLogPrefix, err)
	}
	if m.Reply == "" {
		r.log.Warn(fmt.Sprintf("%s - Dropping message without reply subject", natsLogPrefix))
		return nil, nil
	}
	peer := m.Header.Get(HeaderXkey)
	if r.peer != "" && peer != r.peer {
		r.log.Warn(fmt.Sprintf("%s - Dropping message from unexpected sender %q", natsLogPrefix, peer))
		return nil, nil
	}
	payload, err := r.key.Open(m.Data, peer)
	if err != nil {
		r.log.Warn(fmt.Sprintf("%s - Dropping message that failed to open (sender %q): %v", natsLogPrefix, peer, err))
		return nil, nil
	}
	r.pending = m
	r.pendingPeer = peer
	return payload, nil
}

// Reply implements Replier.
func (r *NatsReplier) Reply(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return ErrNoPending
	}
	to, peer := r.pending.Reply, r.pendingPeer
	r.pending, r.pendingPeer = nil, ""

	sealed, err := r.key.Seal(payload, peer)
	if err != nil {
		return fmt.Errorf("%s - failed to seal reply: %w", natsLogPrefix, err)
	}
	msg := &comms.Msg{Subject: to, Header: comms.Header{}, Data: sealed}
	msg.Header.Set(HeaderXkey, r.pub)
	if err := r.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%s - failed to publish reply: %w", natsLogPrefix, err)
	}
	return nil
}

// Close implements Replier.
func (r *NatsReplier) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.sub.Unsubscribe()
	// The last reply may still be buffered; make sure the server has it
	// before the caller tears the connection down.
	if ferr := r.nc.FlushTimeout(closeFlushTimeout); ferr != nil {
		r.log.Warn(fmt.Sprintf("%s - Flush on close failed: %v", natsLogPrefix, ferr))
	}
	return err
}
