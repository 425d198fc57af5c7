package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/auth"
	"github.com/Metacomet-Technologies/server-manager/internal/broadcast"
	"github.com/Metacomet-Technologies/server-manager/internal/config"
	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
	"github.com/Metacomet-Technologies/server-manager/internal/middleware"
	"github.com/Metacomet-Technologies/server-manager/internal/session"
	"github.com/Metacomet-Technologies/server-manager/internal/terminal"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// setupE2E wires the full stack with a real local-exec factory and
// returns a running test server.
func setupE2E(t *testing.T) *httptest.Server {
	t.Helper()
	setupTestDB(t)
	config.Cfg = config.Defaults()

	gate := func(userID uint) bool {
		user, err := database.GetUserByID(userID)
		return err == nil && user.Role == "admin"
	}
	factory := connection.NewFactory(connection.DriverExec, 10*time.Second, gate)
	Registry = session.NewRegistry(factory, time.Hour, 10)
	Hub = broadcast.NewHub()
	Terminal = terminal.NewService(Registry, Hub, 1024*1024, 10*time.Millisecond)
	ConnFactory = factory
	SessionStore = auth.NewCookieStore()

	r := chi.NewRouter()
	r.Post("/api/v1/auth/login", Login)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(SessionStore))
		r.Get("/api/v1/auth/me", GetCurrentUser)
		r.Post("/api/v1/servers", CreateServer)
		r.Post("/api/v1/sessions", CreateSession)
		r.Delete("/api/v1/sessions/{id}", DestroySession)
		r.Post("/api/v1/sessions/{id}/execute", ExecuteCommand)
		r.Post("/api/v1/sessions/{id}/execute-async", ExecuteCommandAsync)
		r.Get("/api/v1/sessions/{id}/processes/{processId}/output", ProcessOutput)
		r.Get("/api/v1/sessions/{id}/processes/{processId}/status", ProcessStatus)
		r.Get("/api/v1/sessions/{id}/history", CommandHistoryList)
		r.Get("/api/v1/sessions/{id}/output/ws", SessionOutputWS)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func e2eUser(t *testing.T, username, password, role string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := database.CreateUser(&database.User{
		Username: username, PasswordHash: hash, Role: role,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
}

type e2eClient struct {
	t       *testing.T
	base    string
	cookies []*http.Cookie
}

func (c *e2eClient) do(method, path string, payload interface{}) (*http.Response, map[string]interface{}) {
	c.t.Helper()
	var reader io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var parsed map[string]interface{}
	json.Unmarshal(body, &parsed)
	if len(resp.Cookies()) > 0 {
		c.cookies = resp.Cookies()
	}
	return resp, parsed
}

func loginE2E(t *testing.T, srv *httptest.Server, username, password string) *e2eClient {
	t.Helper()
	c := &e2eClient{t: t, base: srv.URL}
	resp, _ := c.do(http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": username, "password": password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	if len(c.cookies) == 0 {
		t.Fatal("login set no cookie")
	}
	return c
}

func TestE2E_LoginAndExecuteOnLocalServer(t *testing.T) {
	srv := setupE2E(t)
	e2eUser(t, "admin", "correct horse", "admin")

	// Wrong password is rejected.
	c := &e2eClient{t: t, base: srv.URL}
	resp, _ := c.do(http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "admin", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}

	client := loginE2E(t, srv, "admin", "correct horse")

	resp, server := client.do(http.MethodPost, "/api/v1/servers",
		map[string]interface{}{"name": "this machine", "is_local": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create server: expected 201, got %d", resp.StatusCode)
	}
	serverID := server["id"].(string)

	resp, sess := client.do(http.MethodPost, "/api/v1/sessions",
		map[string]string{"server_id": serverID, "name": "shell"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", resp.StatusCode)
	}
	sessionID := sess["id"].(string)

	resp, result := client.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/execute",
		map[string]string{"command": "echo e2e-roundtrip"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: expected 200, got %d", resp.StatusCode)
	}
	if out, _ := result["output"].(string); !strings.Contains(out, "e2e-roundtrip") {
		t.Fatalf("output = %v", result["output"])
	}

	resp, _ = client.do(http.MethodDelete, "/api/v1/sessions/"+sessionID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("destroy: expected 204, got %d", resp.StatusCode)
	}
}

func TestE2E_AsyncExecuteAndPoll(t *testing.T) {
	srv := setupE2E(t)
	e2eUser(t, "admin", "correct horse", "admin")
	client := loginE2E(t, srv, "admin", "correct horse")

	_, server := client.do(http.MethodPost, "/api/v1/servers",
		map[string]interface{}{"name": "this machine", "is_local": true})
	_, sess := client.do(http.MethodPost, "/api/v1/sessions",
		map[string]string{"server_id": server["id"].(string)})
	sessionID := sess["id"].(string)

	resp, started := client.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/execute-async",
		map[string]string{"command": "printf async-done; sleep 0.2"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute-async: expected 202, got %d", resp.StatusCode)
	}
	processID := started["process_id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("process never finished")
		}
		_, status := client.do(http.MethodGet,
			"/api/v1/sessions/"+sessionID+"/processes/"+processID+"/status", nil)
		if status["running"] == false {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	_, output := client.do(http.MethodGet,
		"/api/v1/sessions/"+sessionID+"/processes/"+processID+"/output", nil)
	if out, _ := output["output"].(string); !strings.Contains(out, "async-done") {
		t.Fatalf("async output = %v", output["output"])
	}

	// History has the pending row, finalized by the poll loop.
	var rows []database.CommandHistory
	waitDeadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(waitDeadline) {
		database.DB.Where("session_id = ?", sessionID).Find(&rows)
		if len(rows) == 1 && rows[0].DurationMS != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(rows) != 1 || rows[0].DurationMS == nil {
		t.Fatal("history row never finalized")
	}
	if rows[0].Output == nil || !strings.Contains(*rows[0].Output, "async-done") {
		t.Fatalf("history output = %v", rows[0].Output)
	}
}

func TestE2E_WebsocketStreamsOutputEvents(t *testing.T) {
	srv := setupE2E(t)
	e2eUser(t, "admin", "correct horse", "admin")
	client := loginE2E(t, srv, "admin", "correct horse")

	_, server := client.do(http.MethodPost, "/api/v1/servers",
		map[string]interface{}{"name": "this machine", "is_local": true})
	_, sess := client.do(http.MethodPost, "/api/v1/sessions",
		map[string]string{"server_id": server["id"].(string)})
	sessionID := sess["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + sessionID + "/output/ws"
	header := http.Header{}
	for _, ck := range client.cookies {
		header.Add("Cookie", ck.Name+"="+ck.Value)
	}
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer ws.CloseNow()

	client.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/execute-async",
		map[string]string{"command": "printf streamed-bytes"})

	// First event is the input echo, then output deltas follow.
	var sawInput bool
	var streamed strings.Builder
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("websocket read: %v (streamed so far: %q)", err, streamed.String())
		}
		var ev broadcast.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad event payload: %s", data)
		}
		switch ev.Type {
		case broadcast.TypeInput:
			if !strings.Contains(ev.Output, "printf streamed-bytes") {
				t.Fatalf("input echo = %q", ev.Output)
			}
			sawInput = true
		case broadcast.TypeOutput:
			if !sawInput {
				t.Fatal("output event arrived before input echo")
			}
			streamed.WriteString(ev.Output)
			if strings.Contains(streamed.String(), "streamed-bytes") {
				return
			}
		default:
			t.Fatalf("unknown event type %q", ev.Type)
		}
	}
}

func TestE2E_NonAdminDeniedLocalServer(t *testing.T) {
	srv := setupE2E(t)
	e2eUser(t, "dev", "hunter2 hunter2", "user")
	client := loginE2E(t, srv, "dev", "hunter2 hunter2")

	_, server := client.do(http.MethodPost, "/api/v1/servers",
		map[string]interface{}{"name": "this machine", "is_local": true})

	// The local gate rejects non-admins without the permission before
	// any session row is written.
	resp, _ := client.do(http.MethodPost, "/api/v1/sessions",
		map[string]string{"server_id": server["id"].(string)})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 from local gate, got %d", resp.StatusCode)
	}

	var count int64
	database.DB.Model(&database.Session{}).Count(&count)
	if count != 0 {
		t.Fatal("denied create must not persist a session")
	}
}

func TestE2E_RequestWithoutCookieRejected(t *testing.T) {
	srv := setupE2E(t)
	e2eUser(t, "admin", "correct horse", "admin")

	c := &e2eClient{t: t, base: srv.URL}
	resp, _ := c.do(http.MethodGet, "/api/v1/auth/me", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", resp.StatusCode)
	}
}
