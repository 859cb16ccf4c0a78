// Package contract holds the method registry shared by both ends of the bridge:
// the allow-list of callable methods and the allow-list of emittable signals.
package contract

import "fmt"

// Reserved protocol-level method names. Both are always part of a resolved contract.
const (
	// MethodStop terminates the backend's receive loop.
	MethodStop = "stop"
	// MethodPing is a liveness probe; it is acknowledged and never dispatched.
	MethodPing = "ping"
)

// ContractConfig is the on-disk form of a contract.
type ContractConfig struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Methods     []string `json:"methods"`
	Signals     []string `json:"signals"`
}

// Contract is the resolved, immutable method registry.
type Contract struct {
	name      string
	version   string
	methods   []string
	signals   []string
	methodSet map[string]struct{}
	signalSet map[string]struct{}
}

// Resolve validates a ContractConfig and builds a Contract for fast lookups.
// The reserved stop and ping methods are added when missing.
func Resolve(cfg *ContractConfig) (*Contract, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%s - nil contract config", logPrefix)
	}
	c := &Contract{
		name:      cfg.Name,
		version:   cfg.Version,
		methodSet: make(map[string]struct{}, len(cfg.Methods)+2),
		signalSet: make(map[string]struct{}, len(cfg.Signals)),
	}

	for _, m := range cfg.Methods {
		if m == "" {
			return nil, fmt.Errorf("%s - empty method name in contract %q", logPrefix, cfg.Name)
		}
		if _, dup := c.methodSet[m]; dup {
			return nil, fmt.Errorf("%s - duplicate method %q in contract %q", logPrefix, m, cfg.Name)
		}
		c.methodSet[m] = struct{}{}
		c.methods = append(c.methods, m)
	}
	for _, m := range []string{MethodStop, MethodPing} {
		if _, ok := c.methodSet[m]; !ok {
			c.methodSet[m] = struct{}{}
			c.methods = append(c.methods, m)
		}
	}

	if len(cfg.Signals) == 0 {
		return nil, fmt.Errorf("%s - contract %q declares no signals", logPrefix, cfg.Name)
	}
	for _, s := range cfg.Signals {
		if s == "" {
			return nil, fmt.Errorf("%s - empty signal name in contract %q", logPrefix, cfg.Name)
		}
		if _, dup := c.signalSet[s]; dup {
			return nil, fmt.Errorf("%s - duplicate signal %q in contract %q", logPrefix, s, cfg.Name)
		}
		c.signalSet[s] = struct{}{}
		c.signals = append(c.signals, s)
	}
	return c, nil
}

// Name returns the contract name.
func (c *Contract) Name() string {
	return c.name
}

// Version returns the contract version string.
func (c *Contract) Version() string {
	return c.version
}

// HasMethod reports whether name is a callable method, reserved names included.
func (c *Contract) HasMethod(name string) bool {
	_, ok := c.methodSet[name]
	return ok
}

// HasSignal reports whether name is an emittable signal.
func (c *Contract) HasSignal(name string) bool {
	_, ok := c.signalSet[name]
	return ok
}

// Methods returns a copy of the callable method names in declaration order.
func (c *Contract) Methods() []string {
	out := make([]string, len(c.methods))
	copy(out, c.methods)
	return out
}

// Signals returns a copy of the signal names in declaration order.
func (c *Contract) Signals() []string {
	out := make([]string, len(c.signals))
	copy(out, c.signals)
	return out
}

// IsReserved reports whether name is a protocol-level method (stop or ping).
func IsReserved(name string) bool {
	return name == MethodStop || name == MethodPing
}
