package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// LocalConnection executes commands on the machine running the server.
// Each command runs under "sh -c" in its own process group so a kill
// reaches the whole pipeline.
type LocalConnection struct {
	timeout time.Duration

	mu        sync.Mutex
	connected bool
	procs     map[string]*localProcess
}

type localProcess struct {
	cmd  *exec.Cmd
	buf  *lockedBuffer
	done chan struct{}
}

// lockedBuffer is an io.Writer safe for one writer goroutine and many
// reader goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewLocalConnection returns an unconnected local connection. timeout
// bounds synchronous Execute calls.
func NewLocalConnection(timeout time.Duration) *LocalConnection {
	return &LocalConnection{
		timeout: timeout,
		procs:   make(map[string]*localProcess),
	}
}

// Connect flips the ready flag; there is no external channel to open.
func (c *LocalConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *LocalConnection) Disconnect() error {
	c.mu.Lock()
	procs := c.procs
	c.procs = make(map[string]*localProcess)
	c.connected = false
	c.mu.Unlock()

	for _, p := range procs {
		killProcessGroup(p.cmd)
	}
	return nil
}

func (c *LocalConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *LocalConnection) Execute(ctx context.Context, command string) (Result, error) {
	if !c.IsConnected() {
		return Result{}, fmt.Errorf("execute on local server: %w", ErrNotConnected)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Output:   stdout.String(),
		Error:    stderr.String(),
		ExitCode: exitCodeOf(cmd, err),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("command %q after %s: %w", command, c.timeout, ErrTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a normal result, not a transport error.
			return result, nil
		}
		return result, fmt.Errorf("run command: %w", err)
	}
	return result, nil
}

func (c *LocalConnection) ExecuteAsync(command string) (string, error) {
	if !c.IsConnected() {
		return "", fmt.Errorf("execute async on local server: %w", ErrNotConnected)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	buf := &lockedBuffer{}
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	p := &localProcess{cmd: cmd, buf: buf, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()

	id := newProcessID()
	c.mu.Lock()
	c.procs[id] = p
	c.mu.Unlock()
	return id, nil
}

func (c *LocalConnection) GetOutput(processID string) (string, bool) {
	c.mu.Lock()
	p, ok := c.procs[processID]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	return p.buf.String(), true
}

func (c *LocalConnection) IsProcessRunning(processID string) bool {
	c.mu.Lock()
	p, ok := c.procs[processID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (c *LocalConnection) KillProcess(processID string) bool {
	c.mu.Lock()
	p, ok := c.procs[processID]
	delete(c.procs, processID)
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-p.done:
	default:
		killProcessGroup(p.cmd)
	}
	return true
}

// killProcessGroup sends SIGKILL to the command's process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// exitCodeOf extracts the exit code from a finished command. Returns -1
// when the process was killed or never ran.
func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
