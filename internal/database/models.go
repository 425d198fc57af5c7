package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthType values accepted for a Server.
const (
	AuthPassword = "password"
	AuthKey      = "key"
	AuthBoth     = "both"
)

// SharePermission values accepted for a SessionShare.
const (
	PermissionView    = "view"
	PermissionExecute = "execute"
)

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Permission grants a named capability to a user, e.g. the local-access
// gate "server-manager:access-local".
type Permission struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint   `gorm:"not null;uniqueIndex:idx_user_perm" json:"user_id"`
	Name   string `gorm:"not null;uniqueIndex:idx_user_perm;size:128" json:"name"`
}

// Server is a connection target: a remote SSH host or the local machine.
// Password, PrivateKey and KeyPassphrase are stored fernet-encrypted and
// are never serialized to clients.
type Server struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	Name          string    `gorm:"not null" json:"name"`
	Host          string    `json:"host"`
	Port          int       `gorm:"not null;default:22" json:"port"`
	Username      string    `json:"username"`
	AuthType      string    `gorm:"default:password" json:"auth_type"`
	Password      string    `json:"-"`
	PrivateKey    string    `gorm:"type:text" json:"-"`
	KeyPassphrase string    `json:"-"`
	IsLocal       bool      `gorm:"not null;default:false" json:"is_local"`
	Metadata      string    `gorm:"type:text;default:'{}'" json:"metadata"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Sessions []Session `gorm:"foreignKey:ServerID" json:"-"`
}

func (s *Server) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Session is a logical terminal context bound to one Server and one
// owning user. Its live Connection is tracked in memory by the session
// registry, not here.
type Session struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	ServerID       string    `gorm:"not null;index;size:36" json:"server_id"`
	Name           string    `json:"name"`
	IsActive       bool      `gorm:"not null;default:true;index" json:"is_active"`
	IsShared       bool      `gorm:"not null;default:false" json:"is_shared"`
	Metadata       string    `gorm:"type:text;default:'{}'" json:"metadata"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Server *Server        `gorm:"foreignKey:ServerID" json:"server,omitempty"`
	Shares []SessionShare `gorm:"foreignKey:SessionID" json:"shares,omitempty"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// SessionShare grants view or execute access to a session for a
// non-owning user, optionally until ExpiresAt. One share per
// (session, grantee).
type SessionShare struct {
	ID               uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID        string     `gorm:"not null;uniqueIndex:idx_session_grantee;size:36" json:"session_id"`
	SharedWithUserID uint       `gorm:"not null;uniqueIndex:idx_session_grantee" json:"shared_with_user_id"`
	SharedByUserID   uint       `gorm:"not null" json:"shared_by_user_id"`
	Permission       string     `gorm:"not null;default:view" json:"permission"`
	ExpiresAt        *time.Time `json:"expires_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpired reports whether the share has an expiry in the past.
func (s *SessionShare) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// CommandHistory records one command run inside a session. Output,
// ExitCode and DurationMS stay NULL while the command is running and are
// filled in when execution finishes. Streamed async commands never learn
// their exit code (the launch channel is not held open) and keep NULL.
type CommandHistory struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"not null;index;size:36" json:"session_id"`
	UserID     uint      `gorm:"not null" json:"user_id"`
	Command    string    `gorm:"type:text;not null" json:"command"`
	Output     *string   `gorm:"type:text" json:"output"`
	ExitCode   *int      `json:"exit_code"`
	DurationMS *int64    `json:"duration_ms"`
	Failed     bool      `gorm:"not null;default:false" json:"failed"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
