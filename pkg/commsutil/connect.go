// Package commsutil provides COMMS connection helpers and utilities.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// Connect creates a COMMS connection to the given URL. The peer that binds the
// address may start later: the connection keeps retrying in the background and
// buffers publishes until it is up.
func Connect(log *slog.Logger, url, name string) (*comms.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	log.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.RetryOnFailedConnect(true),
		comms.ReconnectWait(250*time.Millisecond),
		comms.MaxReconnects(-1),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			if err != nil {
				log.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			log.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ConnectHandler(func(nc *comms.Conn) {
			log.Info(fmt.Sprintf("%s - COMMS connected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			log.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	if nc.IsConnected() {
		log.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	} else {
		log.Info(fmt.Sprintf("%s - COMMS at %s not reachable yet, retrying in background", logPrefix, url))
	}
	return nc, nil
}
