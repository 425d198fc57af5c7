package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/authz"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
	"github.com/Metacomet-Technologies/server-manager/internal/middleware"
	"github.com/Metacomet-Technologies/server-manager/internal/session"
	"github.com/go-chi/chi/v5"
)

// Registry is set from main.go during init.
var Registry *session.Registry

// loadSession fetches the session plus its shares and enforces check.
// Writes the error response itself and returns nil on failure.
func loadSession(w http.ResponseWriter, r *http.Request, check func(*database.Session, []database.SessionShare, uint, time.Time) bool) (*database.Session, []database.SessionShare) {
	user := middleware.GetUser(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, nil
	}
	shares, err := database.SharesForSession(sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load shares")
		return nil, nil
	}
	if !check(sess, shares, user.ID, time.Now()) {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil, nil
	}
	return sess, shares
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sessions, err := database.ListSessionsForUser(user.ID, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		ServerID string          `json:"server_id"`
		Name     string          `json:"name"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.ServerID == "" {
		writeError(w, http.StatusBadRequest, "server_id is required")
		return
	}
	metadata := ""
	if len(body.Metadata) > 0 && string(body.Metadata) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(body.Metadata, &obj); err != nil {
			writeError(w, http.StatusBadRequest, "Metadata must be a JSON object")
			return
		}
		metadata = string(body.Metadata)
	}

	server, err := database.GetServer(body.ServerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}
	if !authz.CanViewServer(server, user.ID) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	sess, err := Registry.CreateSession(r.Context(), user, server, body.Name, metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	sess, shares := loadSession(w, r, authz.CanAccessSession)
	if sess == nil {
		return
	}
	sess.Shares = shares
	writeJSON(w, http.StatusOK, sess)
}

func DestroySession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !authz.CanDeleteSession(sess, user.ID) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	if err := Registry.DestroySession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to destroy session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ShareSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !authz.CanShareSession(sess, user.ID) {
		writeError(w, http.StatusForbidden, "Only the owner can share a session")
		return
	}

	var body struct {
		Username   string `json:"username"`
		Permission string `json:"permission"`
		ExpiresIn  *int   `json:"expires_in"` // seconds
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Permission == "" {
		body.Permission = database.PermissionView
	}
	if body.Permission != database.PermissionView && body.Permission != database.PermissionExecute {
		writeError(w, http.StatusBadRequest, "Permission must be view or execute")
		return
	}

	grantee, err := database.GetUserByUsername(body.Username)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if grantee.ID == user.ID {
		writeError(w, http.StatusBadRequest, "Cannot share a session with yourself")
		return
	}

	share := &database.SessionShare{
		SessionID:        sess.ID,
		SharedWithUserID: grantee.ID,
		SharedByUserID:   user.ID,
		Permission:       body.Permission,
	}
	if body.ExpiresIn != nil {
		at := time.Now().Add(time.Duration(*body.ExpiresIn) * time.Second)
		share.ExpiresAt = &at
	}
	if err := database.UpsertShare(share); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to share session")
		return
	}
	if err := refreshSharedFlag(sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update session")
		return
	}
	log.Printf("[session] %s shared with user %d (%s)", sess.ID, grantee.ID, body.Permission)
	writeJSON(w, http.StatusCreated, share)
}

func UnshareSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !authz.CanShareSession(sess, user.ID) {
		writeError(w, http.StatusForbidden, "Only the owner can revoke shares")
		return
	}

	grantee, err := database.GetUserByUsername(chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	deleted, err := database.DeleteShare(sess.ID, grantee.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke share")
		return
	}
	if deleted == 0 {
		writeError(w, http.StatusNotFound, "Share not found")
		return
	}
	if err := refreshSharedFlag(sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// refreshSharedFlag keeps is_shared in sync with the share table.
func refreshSharedFlag(sessionID string) error {
	count, err := database.ShareCount(sessionID)
	if err != nil {
		return err
	}
	return database.DB.Model(&database.Session{}).
		Where("id = ?", sessionID).Update("is_shared", count > 0).Error
}
