package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/crypto"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
)

func TestCreateServerEncryptsSecrets(t *testing.T) {
	setupTestDB(t)
	user := createUser(t, "alice", "user")

	rec := doRequest(t, CreateServer, user, http.MethodPost, "/api/v1/servers", map[string]interface{}{
		"name":      "db-1",
		"host":      "db-1.example.com",
		"username":  "postgres",
		"auth_type": "password",
		"password":  "hunter2",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var server database.Server
	if err := database.DB.Where("name = ?", "db-1").First(&server).Error; err != nil {
		t.Fatalf("fetch server: %v", err)
	}
	if server.Password == "hunter2" {
		t.Fatal("password stored in plaintext, expected encrypted")
	}
	decrypted, err := crypto.Decrypt(server.Password)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != "hunter2" {
		t.Fatalf("expected hunter2, got %s", decrypted)
	}

	// Secrets must never appear in the response body.
	if strings.Contains(rec.Body.String(), "hunter2") ||
		strings.Contains(rec.Body.String(), server.Password) {
		t.Fatal("response leaks credentials")
	}
}

func TestCreateServerRemoteRequiresHost(t *testing.T) {
	setupTestDB(t)
	user := createUser(t, "alice", "user")

	rec := doRequest(t, CreateServer, user, http.MethodPost, "/api/v1/servers", map[string]interface{}{
		"name": "incomplete",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetServerDeniedForNonOwner(t *testing.T) {
	setupTestDB(t)
	alice := createUser(t, "alice", "user")
	bob := createUser(t, "bob", "user")
	server := createServerFor(t, alice)

	rec := doRequest(t, GetServer, bob, http.MethodGet, "/api/v1/servers/"+server.ID, nil,
		map[string]string{"id": server.ID})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestUpdateServerPartial(t *testing.T) {
	setupTestDB(t)
	alice := createUser(t, "alice", "user")
	server := createServerFor(t, alice)

	rec := doRequest(t, UpdateServer, alice, http.MethodPut, "/api/v1/servers/"+server.ID,
		map[string]interface{}{"name": "renamed"},
		map[string]string{"id": server.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	fresh, err := database.GetServer(server.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Name != "renamed" {
		t.Errorf("name = %q", fresh.Name)
	}
	if fresh.Host != "web-1.example.com" {
		t.Errorf("partial update must not clear host, got %q", fresh.Host)
	}
}

func TestDeleteServer(t *testing.T) {
	setupTestDB(t)
	alice := createUser(t, "alice", "user")
	server := createServerFor(t, alice)

	rec := doRequest(t, DeleteServer, alice, http.MethodDelete, "/api/v1/servers/"+server.ID, nil,
		map[string]string{"id": server.ID})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := database.GetServer(server.ID); err == nil {
		t.Fatal("server should be deleted")
	}
}

func TestListServersScopedToOwner(t *testing.T) {
	setupTestDB(t)
	alice := createUser(t, "alice", "user")
	bob := createUser(t, "bob", "user")
	createServerFor(t, alice)

	rec := doRequest(t, ListServers, bob, http.MethodGet, "/api/v1/servers", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" && body != "null" {
		t.Fatalf("bob should see no servers, got %s", body)
	}
}

func TestTestServerConnectionReportsSuccess(t *testing.T) {
	setupTestDB(t)
	alice := createUser(t, "alice", "user")
	server := createServerFor(t, alice)

	ConnFactory = &stubFactory{conn: &stubConn{}}
	rec := doRequest(t, TestServerConnection, alice, http.MethodPost,
		"/api/v1/servers/"+server.ID+"/test-connection", nil,
		map[string]string{"id": server.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody(t, rec)["success"] != true {
		t.Fatal("expected success")
	}
}

func TestTestServerConnectionReportsFailure(t *testing.T) {
	setupTestDB(t)
	alice := createUser(t, "alice", "user")
	server := createServerFor(t, alice)

	ConnFactory = &stubFactory{conn: &stubConn{connectErr: connection.ErrAuthentication}}
	rec := doRequest(t, TestServerConnection, alice, http.MethodPost,
		"/api/v1/servers/"+server.ID+"/test-connection", nil,
		map[string]string{"id": server.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false {
		t.Fatal("expected failure")
	}
	if body["error"] == "" {
		t.Fatal("expected error detail")
	}
}
