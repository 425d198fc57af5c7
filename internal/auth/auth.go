package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	SessionDuration = 8 * time.Hour
	SessionCookie   = "server_manager_session"
	BcryptCost      = 12
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type cookieEntry struct {
	UserID    uint
	ExpiresAt time.Time
}

// CookieStore maps login cookies to user IDs. These are authentication
// cookies, unrelated to terminal sessions.
type CookieStore struct {
	mu      sync.RWMutex
	entries map[string]cookieEntry
}

func NewCookieStore() *CookieStore {
	return &CookieStore{entries: make(map[string]cookieEntry)}
}

func (s *CookieStore) Create(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	id := hex.EncodeToString(b)
	s.mu.Lock()
	s.entries[id] = cookieEntry{
		UserID:    userID,
		ExpiresAt: time.Now().Add(SessionDuration),
	}
	s.mu.Unlock()
	return id, nil
}

func (s *CookieStore) Get(cookieID string) (uint, bool) {
	s.mu.RLock()
	entry, ok := s.entries[cookieID]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.ExpiresAt) {
		return 0, false
	}
	return entry.UserID, true
}

func (s *CookieStore) Delete(cookieID string) {
	s.mu.Lock()
	delete(s.entries, cookieID)
	s.mu.Unlock()
}

// Cleanup drops expired cookies. Called from a background ticker.
func (s *CookieStore) Cleanup() {
	now := time.Now()
	s.mu.Lock()
	for id, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
}
