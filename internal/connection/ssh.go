package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshDialTimeout = 10 * time.Second

// sshBase carries the client handle and synchronous execute logic
// shared by both SSH connection variants.
type sshBase struct {
	cfg     Config
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// Connect dials the host trying key auth first when the auth type
// includes a key, then password when the auth type allows it.
func (b *sshBase) Connect(ctx context.Context) error {
	var methods [][]ssh.AuthMethod

	if b.cfg.AuthType == AuthKey || b.cfg.AuthType == AuthBoth {
		if b.cfg.PrivateKey != "" {
			signer, err := parseSigner(b.cfg.PrivateKey, b.cfg.KeyPassphrase)
			if err != nil {
				return fmt.Errorf("parse private key: %w", err)
			}
			methods = append(methods, []ssh.AuthMethod{ssh.PublicKeys(signer)})
		}
	}
	if b.cfg.AuthType == AuthPassword || b.cfg.AuthType == AuthBoth {
		if b.cfg.Password != "" {
			methods = append(methods, []ssh.AuthMethod{ssh.Password(b.cfg.Password)})
		}
	}
	if len(methods) == 0 {
		return fmt.Errorf("no usable credentials for auth type %q: %w", b.cfg.AuthType, ErrConfiguration)
	}

	addr := net.JoinHostPort(b.cfg.Host, fmt.Sprintf("%d", b.cfg.Port))

	var lastErr error
	for _, auth := range methods {
		clientCfg := &ssh.ClientConfig{
			User:            b.cfg.Username,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         sshDialTimeout,
		}

		client, err := dialContext(ctx, addr, clientCfg)
		if err == nil {
			b.mu.Lock()
			b.client = client
			b.mu.Unlock()
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return fmt.Errorf("connect to %s: %w", addr, ctx.Err())
		}
	}
	if isAuthFailure(lastErr) {
		return fmt.Errorf("connect to %s: %v: %w", addr, lastErr, ErrAuthentication)
	}
	return fmt.Errorf("connect to %s: %w", addr, lastErr)
}

// isAuthFailure distinguishes rejected credentials from transport
// failures such as an unreachable host. The ssh package reports the
// former only through the handshake error text.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// dialContext wraps ssh.Dial so a cancelled context abandons the
// attempt instead of blocking the caller.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

func parseSigner(privateKey, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), []byte(passphrase))
	}
	return ssh.ParsePrivateKey([]byte(privateKey))
}

func (b *sshBase) getClient() *ssh.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *sshBase) IsConnected() bool {
	return b.getClient() != nil
}

// closeClient releases the SSH channel. Idempotent.
func (b *sshBase) closeClient() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}

// Execute runs command on its own exec channel and blocks until it
// exits or the timeout elapses.
func (b *sshBase) Execute(ctx context.Context, command string) (Result, error) {
	client := b.getClient()
	if client == nil {
		return Result{}, fmt.Errorf("execute on %s: %w", b.cfg.Host, ErrNotConnected)
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{
			Output:   stdout.String(),
			Error:    stderr.String(),
			ExitCode: -1,
		}, fmt.Errorf("command %q after %s: %w", command, b.timeout, ErrTimeout)
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{
			Output:   stdout.String(),
			Error:    stderr.String(),
			ExitCode: -1,
		}, fmt.Errorf("execute: %w", ctx.Err())
	}

	result := Result{Output: stdout.String(), Error: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("wait for command: %w", err)
	}
	return result, nil
}
