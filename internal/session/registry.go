// Package session owns the lifecycle of terminal sessions: quota
// checks, the live-connection registry, activity tracking and the idle
// TTL sweep. A session row only exists while its first connect
// succeeded; a failed connect leaves no trace.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/crypto"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
)

// ErrQuotaExceeded is returned when a user is at their active session
// limit.
var ErrQuotaExceeded = errors.New("active session limit reached")

// Factory builds unconnected Connections. Satisfied by
// *connection.Factory; tests substitute fakes.
type Factory interface {
	Create(userID uint, cfg connection.Config) (connection.Connection, error)
}

// Registry maps session IDs to live connections. Each session has its
// own entry lock so a slow connect on one session never blocks
// operations on another.
type Registry struct {
	factory    Factory
	ttl        time.Duration
	maxPerUser int

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	conn connection.Connection
}

func NewRegistry(factory Factory, ttl time.Duration, maxPerUser int) *Registry {
	return &Registry{
		factory:    factory,
		ttl:        ttl,
		maxPerUser: maxPerUser,
		entries:    make(map[string]*entry),
	}
}

// connConfig decrypts the server's stored credentials into a
// connection config. Plaintext never leaves this call path.
func connConfig(server *database.Server) (connection.Config, error) {
	password, err := crypto.Decrypt(server.Password)
	if err != nil {
		return connection.Config{}, fmt.Errorf("decrypt password: %w", err)
	}
	key, err := crypto.Decrypt(server.PrivateKey)
	if err != nil {
		return connection.Config{}, fmt.Errorf("decrypt private key: %w", err)
	}
	passphrase, err := crypto.Decrypt(server.KeyPassphrase)
	if err != nil {
		return connection.Config{}, fmt.Errorf("decrypt key passphrase: %w", err)
	}
	return connection.Config{
		Host:          server.Host,
		Port:          server.Port,
		Username:      server.Username,
		AuthType:      server.AuthType,
		Password:      password,
		PrivateKey:    key,
		KeyPassphrase: passphrase,
		IsLocal:       server.IsLocal,
	}, nil
}

// CreateSession connects to the server and, only if the connect
// succeeds, persists a new session row and registers the live
// connection. Quota is checked before any connection work. metadata
// is a JSON object stored verbatim on the row; empty means none.
func (r *Registry) CreateSession(ctx context.Context, user *database.User, server *database.Server, name, metadata string) (*database.Session, error) {
	count, err := database.ActiveSessionCount(user.ID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if r.maxPerUser > 0 && count >= int64(r.maxPerUser) {
		return nil, fmt.Errorf("user %d has %d active sessions: %w", user.ID, count, ErrQuotaExceeded)
	}

	cfg, err := connConfig(server)
	if err != nil {
		return nil, err
	}
	conn, err := r.factory.Create(user.ID, cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	sess := &database.Session{
		UserID:         user.ID,
		ServerID:       server.ID,
		Name:           name,
		Metadata:       metadata,
		IsActive:       true,
		LastActivityAt: time.Now(),
	}
	if err := database.DB.Create(sess).Error; err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("persist session: %w", err)
	}
	sess.Server = server

	r.mu.Lock()
	r.entries[sess.ID] = &entry{conn: conn}
	r.mu.Unlock()

	log.Printf("[session] created %s for user %d on server %s", sess.ID, user.ID, server.Name)
	return sess, nil
}

func (r *Registry) entryFor(sessionID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{}
		r.entries[sessionID] = e
	}
	return e
}

// GetConnection returns the live connection for the session, lazily
// reconnecting after a restart or drop. Concurrent callers for the
// same session share one connect attempt; its sibling sessions are
// unaffected while it runs.
func (r *Registry) GetConnection(ctx context.Context, sess *database.Session) (connection.Connection, error) {
	e := r.entryFor(sess.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && e.conn.IsConnected() {
		return e.conn, nil
	}

	server := sess.Server
	if server == nil {
		var err error
		server, err = database.GetServer(sess.ServerID)
		if err != nil {
			return nil, fmt.Errorf("load server: %w", err)
		}
	}
	cfg, err := connConfig(server)
	if err != nil {
		return nil, err
	}
	conn, err := r.factory.Create(sess.UserID, cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	e.conn = conn
	log.Printf("[session] reconnected %s", sess.ID)
	return conn, nil
}

// TouchSession records activity on the session.
func (r *Registry) TouchSession(sessionID string) {
	if err := database.TouchSession(sessionID, time.Now()); err != nil {
		log.Printf("[session] touch %s: %v", sessionID, err)
	}
}

// DestroySession disconnects, deregisters and deletes the session.
// Safe to call for sessions with no live connection.
func (r *Registry) DestroySession(sess *database.Session) error {
	r.mu.Lock()
	e, ok := r.entries[sess.ID]
	delete(r.entries, sess.ID)
	r.mu.Unlock()

	if ok {
		e.mu.Lock()
		if e.conn != nil {
			if err := e.conn.Disconnect(); err != nil {
				log.Printf("[session] disconnect %s: %v", sess.ID, err)
			}
		}
		e.mu.Unlock()
	}

	if err := database.DB.Model(&database.Session{}).
		Where("id = ?", sess.ID).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if err := database.DeleteSession(sess.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	log.Printf("[session] destroyed %s", sess.ID)
	return nil
}

// CleanupInactiveSessions destroys sessions idle for longer than the
// TTL and returns how many were destroyed.
func (r *Registry) CleanupInactiveSessions() (int, error) {
	cutoff := time.Now().Add(-r.ttl)
	expired, err := database.ListExpiredSessions(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	destroyed := 0
	for i := range expired {
		if err := r.DestroySession(&expired[i]); err != nil {
			log.Printf("[session] cleanup %s: %v", expired[i].ID, err)
			continue
		}
		destroyed++
	}
	if destroyed > 0 {
		log.Printf("[session] cleanup destroyed %d idle sessions", destroyed)
	}
	return destroyed, nil
}
