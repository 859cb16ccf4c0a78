package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/backend-bridge/internal/config"
	"github.com/morezero/backend-bridge/pkg/commsutil"
	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/keys"
	"github.com/morezero/backend-bridge/pkg/proxy"
	"github.com/morezero/backend-bridge/pkg/sink"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const frontendLogPrefix = "server:frontend"

const httpShutdownTimeout = 5 * time.Second

// SignalListener observes every delivered signal.
type SignalListener func(signal string, data interface{})

// Frontend is the process half that issues calls and receives signals.
type Frontend struct {
	cfg      *config.Config
	log      *slog.Logger
	contract *contract.Contract

	ns        *commsserver.Server
	eventConn *comms.Conn
	callConn  *comms.Conn

	sink  *sink.Sink
	proxy *proxy.Proxy
	hub   *Hub

	listener   net.Listener
	httpServer *http.Server

	mu        sync.RWMutex
	listeners []SignalListener
}

// RunFrontend builds a Frontend and runs it until ctx ends.
func RunFrontend(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	f, err := NewFrontend(cfg, log)
	if err != nil {
		return err
	}
	return f.Run(ctx)
}

// NewFrontend binds the event channel, connects to the call channel, and
// prepares the HTTP surface.
func NewFrontend(cfg *config.Config, log *slog.Logger) (*Frontend, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.ValidateForFrontend(); err != nil {
		return nil, err
	}
	f := &Frontend{cfg: cfg, log: log, hub: NewHub(log)}
	if err := f.init(); err != nil {
		f.release()
		return nil, err
	}
	return f, nil
}

func (f *Frontend) init() error {
	cfg, log := f.cfg, f.log

	// Step 1: Key material and contract
	if err := keys.LoadOrGenerate(log, cfg.KeysDir); err != nil {
		return fmt.Errorf("%s - key material: %w", frontendLogPrefix, err)
	}
	ownKey, err := keys.Load(cfg.KeysDir, keys.Frontend)
	if err != nil {
		return err
	}
	backendPub, err := keys.PublicKey(cfg.KeysDir, keys.Backend)
	if err != nil {
		return err
	}
	c, err := loadContract(cfg, log)
	if err != nil {
		return err
	}
	f.contract = c

	// Step 2: Bind the event channel, connect to the call channel
	f.ns, err = commsutil.StartServer(log, cfg.EventAddr)
	if err != nil {
		return fmt.Errorf("%s - failed to bind event channel: %w", frontendLogPrefix, err)
	}
	f.eventConn, err = commsutil.Connect(log, f.ns.ClientURL(), cfg.ServiceName+"-frontend-event")
	if err != nil {
		return err
	}
	f.callConn, err = commsutil.Connect(log, commsutil.URLForAddr(cfg.CallAddr), cfg.ServiceName+"-frontend-call")
	if err != nil {
		return err
	}

	// Step 3: Sink for every contract signal
	eventRep, err := transport.NewNatsReplier(transport.NatsReplierOpts{
		Conn:    f.eventConn,
		Subject: cfg.EventSubject,
		Key:     ownKey,
		PeerKey: backendPub,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	handlers := sink.Handlers{}
	for _, name := range c.Signals() {
		signal := name
		handlers[signal] = func(data interface{}) { f.deliver(signal, data) }
	}
	f.sink, err = sink.New(sink.Opts{
		Contract:     c,
		Conn:         eventRep,
		Handlers:     handlers,
		PollInterval: cfg.ReceivePollInterval,
		Logger:       log,
	})
	if err != nil {
		eventRep.Close()
		return err
	}

	// Step 4: HTTP listener, then the proxy, whose worker starts immediately
	f.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("%s - failed to listen on HTTP port %d: %w", frontendLogPrefix, cfg.HTTPPort, err)
	}
	callReq, err := transport.NewNatsRequester(transport.NatsRequesterOpts{
		Conn:    f.callConn,
		Subject: cfg.CallSubject,
		Key:     ownKey,
		PeerKey: backendPub,
		Policy:  callPolicy(cfg),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	f.proxy, err = proxy.New(proxy.Opts{
		Contract:          c,
		Conn:              callReq,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	f.httpServer = &http.Server{Handler: f.routes(), ReadHeaderTimeout: 10 * time.Second}
	return nil
}

// OnSignal registers a listener for delivered signals.
func (f *Frontend) OnSignal(fn SignalListener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *Frontend) deliver(signal string, data interface{}) {
	f.log.Info(fmt.Sprintf("%s - %s received. Data: %v", frontendLogPrefix, signal, data))
	f.hub.Broadcast(signal, data)

	f.mu.RLock()
	listeners := append([]SignalListener(nil), f.listeners...)
	f.mu.RUnlock()
	for _, fn := range listeners {
		fn(signal, data)
	}
}

// Proxy exposes the call dispatcher.
func (f *Frontend) Proxy() *proxy.Proxy {
	return f.proxy
}

// HTTPAddr returns the bound HTTP address.
func (f *Frontend) HTTPAddr() string {
	return f.listener.Addr().String()
}

// Run serves signals and HTTP until ctx ends. On the way out the backend is
// asked to stop, then the sink and the HTTP server are shut down.
func (f *Frontend) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return f.sink.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		f.log.Info(fmt.Sprintf("%s - HTTP server listening on %s", frontendLogPrefix, f.HTTPAddr()))
		if err := f.httpServer.Serve(f.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", frontendLogPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		f.shutdown()
		return nil
	})

	f.log.Info(fmt.Sprintf("%s - Frontend is ready", frontendLogPrefix))
	err := g.Wait()
	f.release()
	f.log.Info(fmt.Sprintf("%s - Shutdown complete", frontendLogPrefix))
	return err
}

func (f *Frontend) shutdown() {
	f.log.Info(fmt.Sprintf("%s - Stopping backend", frontendLogPrefix))
	if err := f.proxy.Stop(); err != nil && !errors.Is(err, proxy.ErrStopped) {
		f.log.Warn(fmt.Sprintf("%s - Failed to queue stop: %v", frontendLogPrefix, err))
	}
	waitOrTimeout(f.log, "proxy drain", f.proxy.Done(), drainBudget(callPolicy(f.cfg))*time.Duration(f.proxy.Pending()+1))

	f.sink.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := f.httpServer.Shutdown(shutdownCtx); err != nil {
		f.log.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", frontendLogPrefix, err))
	}
	f.hub.Close()
}

func (f *Frontend) release() {
	if f.listener != nil && f.httpServer == nil {
		f.listener.Close()
	}
	if f.callConn != nil {
		f.callConn.Close()
	}
	if f.eventConn != nil {
		f.eventConn.Close()
	}
	commsutil.StopServer(f.ns)
}
