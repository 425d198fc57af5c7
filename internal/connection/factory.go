package connection

import (
	"fmt"
	"time"
)

// SSH driver names accepted in configuration.
const (
	DriverExec = "exec"
	DriverPipe = "pipe"
)

// LocalGate decides whether a user may open connections to the local
// machine. Evaluated before any local connection object is built.
type LocalGate func(userID uint) bool

// Factory selects and constructs the Connection variant for a target.
type Factory struct {
	driver  string
	timeout time.Duration
	gate    LocalGate
}

// NewFactory builds a factory for the configured SSH driver. gate is
// the local-access check; a nil gate denies all local targets.
func NewFactory(driver string, timeout time.Duration, gate LocalGate) *Factory {
	return &Factory{driver: driver, timeout: timeout, gate: gate}
}

// Create returns an unconnected Connection for cfg on behalf of
// userID. Local targets are gated: on denial no connection object
// exists afterward.
func (f *Factory) Create(userID uint, cfg Config) (Connection, error) {
	if cfg.IsLocal {
		if f.gate == nil || !f.gate(userID) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrAccessDenied)
		}
		return NewLocalConnection(f.timeout), nil
	}

	if cfg.Host == "" || cfg.Username == "" {
		return nil, fmt.Errorf("remote target missing host or username: %w", ErrConfiguration)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	switch f.driver {
	case DriverExec:
		return NewExecConnection(cfg, f.timeout), nil
	case DriverPipe:
		return NewPipeConnection(cfg, f.timeout), nil
	default:
		return nil, fmt.Errorf("unknown SSH driver %q: %w", f.driver, ErrConfiguration)
	}
}
