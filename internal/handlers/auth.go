package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/Metacomet-Technologies/server-manager/internal/auth"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
	"github.com/Metacomet-Technologies/server-manager/internal/logutil"
	"github.com/Metacomet-Technologies/server-manager/internal/middleware"
)

// SessionStore is set from main.go during init.
var SessionStore *auth.CookieStore

// loginLimiter throttles password guessing per username.
var loginLimiter = auth.NewLoginLimiter()

func setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(auth.SessionDuration.Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if err := loginLimiter.Allow(body.Username); err != nil {
		log.Printf("[auth] throttled login for %s: %v", logutil.SanitizeForLog(body.Username), err)
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	user, err := database.GetUserByUsername(body.Username)
	if err != nil || !auth.CheckPassword(body.Password, user.PasswordHash) {
		loginLimiter.RecordFailure(body.Username)
		log.Printf("[auth] failed login for %s", logutil.SanitizeForLog(body.Username))
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	loginLimiter.RecordSuccess(body.Username)

	sessionID, err := SessionStore.Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	setSessionCookie(w, r, sessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

func Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookie)
	if err == nil {
		SessionStore.Delete(cookie.Value)
	}
	clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}
