package auth

import (
	"fmt"
	"sync"
	"time"
)

// Login throttling defaults. Two independent mechanisms protect against
// password guessing:
//   - Sliding-window rate limit: max attempts per minute per username.
//   - Consecutive failure block: after N failures in a row, the
//     username is temporarily blocked for blockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

type loginState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// LoginLimiter throttles login attempts per username.
type LoginLimiter struct {
	mu    sync.Mutex
	state map[string]*loginState
	nowFn func() time.Time // injectable clock for testing

	maxPerMinute  int
	maxFailures   int
	blockDuration time.Duration
}

func NewLoginLimiter() *LoginLimiter {
	return &LoginLimiter{
		state:         make(map[string]*loginState),
		nowFn:         time.Now,
		maxPerMinute:  DefaultMaxAttemptsPerMinute,
		maxFailures:   DefaultMaxConsecFailures,
		blockDuration: DefaultBlockDuration,
	}
}

func (l *LoginLimiter) getState(username string) *loginState {
	s, ok := l.state[username]
	if !ok {
		s = &loginState{}
		l.state[username] = s
	}
	return s
}

// Allow checks whether a login attempt for the username is permitted
// and records it. Returns an error describing why when denied.
func (l *LoginLimiter) Allow(username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	s := l.getState(username)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("account temporarily locked after %d failed attempts; retry in %s",
			s.consecFailures, remaining)
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= l.maxPerMinute {
		return fmt.Errorf("too many login attempts: %d in the last minute (max %d)",
			len(s.attempts), l.maxPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any active block.
func (l *LoginLimiter) RecordSuccess(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.getState(username)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a failed attempt and blocks the username once
// the streak reaches the threshold.
func (l *LoginLimiter) RecordFailure(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.getState(username)
	s.consecFailures++
	if s.consecFailures >= l.maxFailures {
		s.blockedUntil = l.nowFn().Add(l.blockDuration)
	}
}
