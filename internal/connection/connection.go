// Package connection unifies local process execution and remote SSH
// execution behind one interface. Callers hold a Connection and never
// branch on the transport; the factory picks the variant.
//
// Async commands are tracked per Connection by an opaque process ID.
// GetOutput always returns the entire output accumulated so far, not a
// delta; callers diff by length.
package connection

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Result is the outcome of a synchronous execute.
type Result struct {
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

// Connection is a live handle to a command-execution target.
//
// Implementations must be safe for concurrent use: ExecuteAsync,
// GetOutput, IsProcessRunning and KillProcess may be called from
// different goroutines against different process IDs.
type Connection interface {
	// Connect establishes the underlying channel. For SSH variants key
	// auth is attempted first when the auth type includes a key, with
	// password fallback when the auth type is "both".
	Connect(ctx context.Context) error

	// Disconnect kills every tracked process, then releases the
	// channel. Idempotent.
	Disconnect() error

	IsConnected() bool

	// Execute runs command synchronously and blocks until it exits or
	// the configured timeout elapses. On timeout the process is killed
	// and the error wraps ErrTimeout.
	Execute(ctx context.Context, command string) (Result, error)

	// ExecuteAsync starts command detached and returns an opaque
	// process ID immediately.
	ExecuteAsync(command string) (string, error)

	// GetOutput returns the full output accumulated so far for a known
	// process ID. The second return is false for unknown IDs.
	GetOutput(processID string) (string, bool)

	IsProcessRunning(processID string) bool

	// KillProcess terminates the process and drops its bookkeeping.
	// Returns false if the ID is unknown (including already killed).
	KillProcess(processID string) bool
}

// Auth types accepted in Config.AuthType. "both" tries key auth first
// and falls back to password.
const (
	AuthPassword = "password"
	AuthKey      = "key"
	AuthBoth     = "both"
)

// Config describes a connection target, with credentials already
// decrypted by the caller.
type Config struct {
	Host          string
	Port          int
	Username      string
	AuthType      string
	Password      string
	PrivateKey    string
	KeyPassphrase string
	IsLocal       bool
}

// newProcessID returns an opaque identifier for one async command.
// Kept shell-safe: it is interpolated into remote side-file paths.
func newProcessID() string {
	return "proc_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
