package connection

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// PipeConnection is the "pipe" SSH driver. Async commands keep their
// exec channel open and stream stdout+stderr into an in-memory buffer,
// avoiding the side-file round trips of the exec driver. Delta
// semantics are identical: GetOutput returns the entire accumulated
// output and callers diff by length.
type PipeConnection struct {
	sshBase

	procMu sync.Mutex
	procs  map[string]*pipeProcess
}

type pipeProcess struct {
	session *ssh.Session
	buf     *lockedBuffer
	done    chan struct{}
}

// NewPipeConnection builds the streaming SSH driver for cfg.
func NewPipeConnection(cfg Config, timeout time.Duration) *PipeConnection {
	return &PipeConnection{
		sshBase: sshBase{cfg: cfg, timeout: timeout},
		procs:   make(map[string]*pipeProcess),
	}
}

func (c *PipeConnection) Disconnect() error {
	c.procMu.Lock()
	ids := make([]string, 0, len(c.procs))
	for id := range c.procs {
		ids = append(ids, id)
	}
	c.procMu.Unlock()

	for _, id := range ids {
		c.KillProcess(id)
	}
	return c.closeClient()
}

func (c *PipeConnection) ExecuteAsync(command string) (string, error) {
	client := c.getClient()
	if client == nil {
		return "", fmt.Errorf("execute async on %s: %w", c.cfg.Host, ErrNotConnected)
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}

	buf := &lockedBuffer{}
	session.Stdout = buf
	session.Stderr = buf

	if err := session.Start(command); err != nil {
		session.Close()
		return "", fmt.Errorf("start command: %w", err)
	}

	p := &pipeProcess{session: session, buf: buf, done: make(chan struct{})}
	go func() {
		session.Wait()
		session.Close()
		close(p.done)
	}()

	id := newProcessID()
	c.procMu.Lock()
	c.procs[id] = p
	c.procMu.Unlock()
	return id, nil
}

func (c *PipeConnection) GetOutput(processID string) (string, bool) {
	c.procMu.Lock()
	p, ok := c.procs[processID]
	c.procMu.Unlock()
	if !ok {
		return "", false
	}
	return p.buf.String(), true
}

func (c *PipeConnection) IsProcessRunning(processID string) bool {
	c.procMu.Lock()
	p, ok := c.procs[processID]
	c.procMu.Unlock()
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

func (c *PipeConnection) KillProcess(processID string) bool {
	c.procMu.Lock()
	p, ok := c.procs[processID]
	delete(c.procs, processID)
	c.procMu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-p.done:
	default:
		p.session.Signal(ssh.SIGKILL)
		p.session.Close()
	}
	return true
}
