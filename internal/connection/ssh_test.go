package connection

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestConnectRefusedIsNotAuthenticationError(t *testing.T) {
	// Reserve a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	conn := NewExecConnection(Config{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Username: "deploy",
		AuthType: AuthPassword,
		Password: "hunter2",
	}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = conn.Connect(ctx)
	if err == nil {
		t.Fatal("connect to closed port should fail")
	}
	if errors.Is(err, ErrAuthentication) {
		t.Errorf("transport failure misreported as authentication: %v", err)
	}
}

func TestIsAuthFailure(t *testing.T) {
	rejected := errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")
	if !isAuthFailure(rejected) {
		t.Error("rejected credentials should classify as auth failure")
	}
	refused := errors.New("dial tcp 127.0.0.1:22: connect: connection refused")
	if isAuthFailure(refused) {
		t.Error("refused connection should not classify as auth failure")
	}
	if isAuthFailure(nil) {
		t.Error("nil error should not classify as auth failure")
	}
}
