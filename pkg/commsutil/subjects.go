package commsutil

import "fmt"

// Default COMMS subjects.
const (
	SubjectCall  = "bridge.call"
	SubjectEvent = "bridge.event"
)

// URLForAddr builds a client URL for a host:port address.
func URLForAddr(addr string) string {
	return fmt.Sprintf("nats://%s", addr)
}
