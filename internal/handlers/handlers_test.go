package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/broadcast"
	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
	"github.com/Metacomet-Technologies/server-manager/internal/middleware"
	"github.com/Metacomet-Technologies/server-manager/internal/session"
	"github.com/Metacomet-Technologies/server-manager/internal/terminal"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates a fresh in-memory SQLite database for each test.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	database.DB = db
}

// stubConn is an in-memory Connection with canned results.
type stubConn struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	execResult connection.Result
	execErr    error
	output     string
	running    bool
	killed     bool
}

func (c *stubConn) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *stubConn) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *stubConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stubConn) Execute(ctx context.Context, command string) (connection.Result, error) {
	return c.execResult, c.execErr
}

func (c *stubConn) ExecuteAsync(command string) (string, error) { return "proc_stub", nil }

func (c *stubConn) GetOutput(processID string) (string, bool) {
	if processID != "proc_stub" {
		return "", false
	}
	return c.output, true
}

func (c *stubConn) IsProcessRunning(processID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && processID == "proc_stub"
}

func (c *stubConn) KillProcess(processID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if processID != "proc_stub" || c.killed {
		return false
	}
	c.killed = true
	c.running = false
	return true
}

type stubFactory struct {
	conn *stubConn
	err  error
}

func (f *stubFactory) Create(userID uint, cfg connection.Config) (connection.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

// wireStubs points the handler package vars at a registry and terminal
// service backed by the stub connection.
func wireStubs(t *testing.T, conn *stubConn) *stubFactory {
	t.Helper()
	factory := &stubFactory{conn: conn}
	Registry = session.NewRegistry(factory, time.Hour, 10)
	Hub = broadcast.NewHub()
	Terminal = terminal.NewService(Registry, Hub, 1024*1024, time.Millisecond)
	return factory
}

func createUser(t *testing.T, username, role string) *database.User {
	t.Helper()
	user := &database.User{Username: username, PasswordHash: "x", Role: role}
	if err := database.DB.Create(user).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return user
}

func createServerFor(t *testing.T, user *database.User) *database.Server {
	t.Helper()
	server := &database.Server{
		UserID:   user.ID,
		Name:     "web-1",
		Host:     "web-1.example.com",
		Username: "deploy",
		AuthType: database.AuthPassword,
	}
	if err := database.DB.Create(server).Error; err != nil {
		t.Fatalf("create server: %v", err)
	}
	return server
}

// doRequest invokes handler as user with chi URL params installed.
func doRequest(t *testing.T, handler http.HandlerFunc, user *database.User, method, target string, body interface{}, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req = middleware.WithUser(req, user)
	}

	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return result
}
