package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/backend-bridge/internal/config"
	"github.com/morezero/backend-bridge/pkg/commsutil"
	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/db"
	"github.com/morezero/backend-bridge/pkg/demo"
	"github.com/morezero/backend-bridge/pkg/keys"
	"github.com/morezero/backend-bridge/pkg/router"
	"github.com/morezero/backend-bridge/pkg/signaler"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const backendLogPrefix = "server:backend"

// Backend is the process half that serves calls and emits signals.
type Backend struct {
	cfg      *config.Config
	log      *slog.Logger
	contract *contract.Contract

	ns        *commsserver.Server
	callConn  *comms.Conn
	eventConn *comms.Conn
	pool      *pgxpool.Pool

	signaler *signaler.Signaler
	router   *router.Router
}

// RunBackend builds a Backend and runs it until stop or ctx ends.
func RunBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	b, err := NewBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

// NewBackend binds the call channel, connects to the event channel, and wires
// the demo handlers behind a router.
func NewBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.ValidateForBackend(); err != nil {
		return nil, err
	}
	b := &Backend{cfg: cfg, log: log}
	if err := b.init(ctx); err != nil {
		b.release()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init(ctx context.Context) error {
	cfg, log := b.cfg, b.log

	// Step 1: Key material and contract
	if err := keys.LoadOrGenerate(log, cfg.KeysDir); err != nil {
		return fmt.Errorf("%s - key material: %w", backendLogPrefix, err)
	}
	ownKey, err := keys.Load(cfg.KeysDir, keys.Backend)
	if err != nil {
		return err
	}
	frontendPub, err := keys.PublicKey(cfg.KeysDir, keys.Frontend)
	if err != nil {
		return err
	}
	c, err := loadContract(cfg, log)
	if err != nil {
		return err
	}
	b.contract = c

	// Step 2: Bind the call channel, connect to the event channel
	b.ns, err = commsutil.StartServer(log, cfg.CallAddr)
	if err != nil {
		return fmt.Errorf("%s - failed to bind call channel: %w", backendLogPrefix, err)
	}
	b.callConn, err = commsutil.Connect(log, b.ns.ClientURL(), cfg.ServiceName+"-backend-call")
	if err != nil {
		return err
	}
	b.eventConn, err = commsutil.Connect(log, commsutil.URLForAddr(cfg.EventAddr), cfg.ServiceName+"-backend-event")
	if err != nil {
		return err
	}

	// Step 3: Stored data
	store, err := b.openStore(ctx)
	if err != nil {
		return err
	}

	// Step 4: Signaler, handlers, router
	eventReq, err := transport.NewNatsRequester(transport.NatsRequesterOpts{
		Conn:    b.eventConn,
		Subject: cfg.EventSubject,
		Key:     ownKey,
		PeerKey: frontendPub,
		Policy:  eventPolicy(cfg),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	b.signaler, err = signaler.New(signaler.Opts{Contract: c, Conn: eventReq, Logger: log})
	if err != nil {
		return err
	}

	handlers, err := demo.NewBackend(demo.BackendOpts{Emitter: b.signaler, Store: store, Logger: log})
	if err != nil {
		return err
	}
	callRep, err := transport.NewNatsReplier(transport.NatsReplierOpts{
		Conn:    b.callConn,
		Subject: cfg.CallSubject,
		Key:     ownKey,
		PeerKey: frontendPub,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	b.router, err = router.New(router.Opts{
		Contract:      c,
		Conn:          callRep,
		Handlers:      handlers.Handlers(),
		PollInterval:  cfg.ReceivePollInterval,
		ShutdownGrace: cfg.ShutdownGrace,
		ShutdownPoll:  cfg.ShutdownPoll,
		Logger:        log,
		OnStopped:     b.signaler.Stop,
	})
	if err != nil {
		callRep.Close()
		return err
	}
	b.signaler.Start()
	return nil
}

func (b *Backend) openStore(ctx context.Context) (demo.Store, error) {
	cfg, log := b.cfg, b.log
	if cfg.DatabaseURL == "" {
		log.Info(fmt.Sprintf("%s - DATABASE_URL not set, using in-memory store", backendLogPrefix))
		return demo.NewMemoryStore(), nil
	}

	if cfg.RunMigrations {
		if err := db.EnsureDatabase(ctx, log, cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	pool, err := db.NewPool(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", backendLogPrefix, err)
	}
	b.pool = pool

	if cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(log, cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", backendLogPrefix, err)
		}
		if err := db.RunMigrations(ctx, log, pool, migrationSQL); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", backendLogPrefix, err)
		}
	}
	return db.NewStore(pool), nil
}

// Run serves calls until a stop request or ctx ends, then waits for the
// router's graceful shutdown and the signaler's drain before releasing
// connections.
func (b *Backend) Run(ctx context.Context) error {
	b.log.Info(fmt.Sprintf("%s - Backend is ready on %s", backendLogPrefix, b.cfg.CallAddr))
	err := b.router.Run(ctx)

	<-b.router.Done()
	waitOrTimeout(b.log, "signaler drain", b.signaler.Done(), drainBudget(eventPolicy(b.cfg)))
	b.release()

	b.log.Info(fmt.Sprintf("%s - Shutdown complete", backendLogPrefix))
	return err
}

// Router exposes the router for observation.
func (b *Backend) Router() *router.Router {
	return b.router
}

func (b *Backend) release() {
	if b.eventConn != nil {
		b.eventConn.Close()
	}
	if b.callConn != nil {
		b.callConn.Close()
	}
	commsutil.StopServer(b.ns)
	if b.pool != nil {
		b.pool.Close()
	}
}
