package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ExecConnection is the "exec" SSH driver. Async commands are
// backgrounded with nohup into a side file named after the process ID,
// because the exec channel used to launch them is not held open. Output
// is read back with cat on each poll and liveness checked with ps.
type ExecConnection struct {
	sshBase

	procMu sync.Mutex
	procs  map[string]string // process ID -> remote PID
}

// NewExecConnection builds the side-file SSH driver for cfg.
func NewExecConnection(cfg Config, timeout time.Duration) *ExecConnection {
	return &ExecConnection{
		sshBase: sshBase{cfg: cfg, timeout: timeout},
		procs:   make(map[string]string),
	}
}

func (c *ExecConnection) Disconnect() error {
	c.procMu.Lock()
	ids := make([]string, 0, len(c.procs))
	for id := range c.procs {
		ids = append(ids, id)
	}
	c.procMu.Unlock()

	// Kill tracked processes before the channel goes away so no remote
	// background jobs or side files are orphaned.
	for _, id := range ids {
		c.KillProcess(id)
	}
	return c.closeClient()
}

func (c *ExecConnection) ExecuteAsync(command string) (string, error) {
	if !c.IsConnected() {
		return "", fmt.Errorf("execute async on %s: %w", c.cfg.Host, ErrNotConnected)
	}

	id := newProcessID()
	bgCommand := fmt.Sprintf("nohup %s > /tmp/%s.out 2>&1 & echo $!", command, id)

	result, err := c.Execute(context.Background(), bgCommand)
	if err != nil {
		return "", fmt.Errorf("launch background command: %w", err)
	}

	pid := strings.TrimSpace(result.Output)
	if pid == "" {
		return "", fmt.Errorf("launch background command: no pid returned")
	}

	c.procMu.Lock()
	c.procs[id] = pid
	c.procMu.Unlock()
	return id, nil
}

func (c *ExecConnection) GetOutput(processID string) (string, bool) {
	c.procMu.Lock()
	_, ok := c.procs[processID]
	c.procMu.Unlock()
	if !ok {
		return "", false
	}

	result, err := c.Execute(context.Background(), fmt.Sprintf("cat /tmp/%s.out 2>/dev/null || true", processID))
	if err != nil {
		return "", false
	}
	return result.Output, true
}

func (c *ExecConnection) IsProcessRunning(processID string) bool {
	c.procMu.Lock()
	pid, ok := c.procs[processID]
	c.procMu.Unlock()
	if !ok {
		return false
	}

	result, err := c.Execute(context.Background(),
		fmt.Sprintf("ps -p %s > /dev/null 2>&1 && echo running || echo stopped", pid))
	if err != nil {
		return false
	}
	return strings.TrimSpace(result.Output) == "running"
}

func (c *ExecConnection) KillProcess(processID string) bool {
	c.procMu.Lock()
	pid, ok := c.procs[processID]
	delete(c.procs, processID)
	c.procMu.Unlock()
	if !ok {
		return false
	}

	c.Execute(context.Background(), fmt.Sprintf("kill -9 %s 2>/dev/null", pid))
	c.Execute(context.Background(), fmt.Sprintf("rm -f /tmp/%s.out 2>/dev/null", processID))
	return true
}
