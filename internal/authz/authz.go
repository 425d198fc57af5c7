// Package authz holds the capability checks for servers and sessions.
// Every check is a pure function of its arguments and the supplied
// clock time, so policies are unit-testable without a database.
package authz

import (
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/database"
)

// CanViewServer reports whether the user may view (and connect to) the
// server. Servers are private to their owner.
func CanViewServer(server *database.Server, userID uint) bool {
	return server.UserID == userID
}

// CanUpdateServer reports whether the user may modify the server.
func CanUpdateServer(server *database.Server, userID uint) bool {
	return server.UserID == userID
}

// CanDeleteServer reports whether the user may delete the server.
func CanDeleteServer(server *database.Server, userID uint) bool {
	return server.UserID == userID
}

// activeShare returns the share for userID if one exists and has not
// expired. Expired shares are treated as absent.
func activeShare(shares []database.SessionShare, userID uint, now time.Time) *database.SessionShare {
	for i := range shares {
		s := &shares[i]
		if s.SharedWithUserID != userID {
			continue
		}
		if s.IsExpired(now) {
			return nil
		}
		return s
	}
	return nil
}

// CanAccessSession reports whether the user may view the session and
// subscribe to its output: the owner, or any grantee with an unexpired
// share of either permission.
func CanAccessSession(session *database.Session, shares []database.SessionShare, userID uint, now time.Time) bool {
	if session.UserID == userID {
		return true
	}
	return activeShare(shares, userID, now) != nil
}

// CanExecuteSession reports whether the user may run commands in the
// session: the owner, or a grantee with an unexpired execute share.
func CanExecuteSession(session *database.Session, shares []database.SessionShare, userID uint, now time.Time) bool {
	if session.UserID == userID {
		return true
	}
	share := activeShare(shares, userID, now)
	return share != nil && share.Permission == database.PermissionExecute
}

// CanShareSession reports whether the user may grant or revoke access.
func CanShareSession(session *database.Session, userID uint) bool {
	return session.UserID == userID
}

// CanDeleteSession reports whether the user may destroy the session.
func CanDeleteSession(session *database.Session, userID uint) bool {
	return session.UserID == userID
}

// CanAccessLocal evaluates the local-access gate: admins pass, other
// users need the named permission.
func CanAccessLocal(user *database.User, permissions []string, gateName string) bool {
	if user == nil {
		return false
	}
	if user.Role == "admin" {
		return true
	}
	for _, p := range permissions {
		if p == gateName {
			return true
		}
	}
	return false
}
