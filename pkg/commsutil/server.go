package commsutil

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const serverLogPrefix = "commsutil:server"

// StartServer runs an embedded COMMS server bound to addr (host:port). The side
// that owns a channel binds it; its peer connects to the same address.
func StartServer(log *slog.Logger, addr string) (*commsserver.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid address %q: %w", serverLogPrefix, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid port in %q: %w", serverLogPrefix, addr, err)
	}

	opts := &commsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create server: %w", serverLogPrefix, err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("%s - server on %s failed to start", serverLogPrefix, addr)
	}
	log.Info(fmt.Sprintf("%s - Bound COMMS server on %s", serverLogPrefix, ns.ClientURL()))
	return ns, nil
}

// StopServer shuts an embedded server down and waits for it.
func StopServer(ns *commsserver.Server) {
	if ns == nil {
		return
	}
	ns.Shutdown()
	ns.WaitForShutdown()
}
