// Package terminal drives command execution inside sessions. It covers
// the synchronous one-shot path and the async pipeline that starts a
// detached process, polls it for output deltas, feeds the broadcaster
// and finalizes the history row when the process exits.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/broadcast"
	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
)

// Broadcaster publishes output events on per-session channels.
// Satisfied by *broadcast.Hub.
type Broadcaster interface {
	Publish(sessionID string, ev broadcast.Event)
}

// ConnectionSource resolves live connections for sessions. Satisfied
// by *session.Registry.
type ConnectionSource interface {
	GetConnection(ctx context.Context, sess *database.Session) (connection.Connection, error)
	TouchSession(sessionID string)
}

// Service runs commands for sessions and maintains their history.
type Service struct {
	source        ConnectionSource
	broadcaster   Broadcaster
	maxOutputSize int
	pollInterval  time.Duration
}

func NewService(source ConnectionSource, broadcaster Broadcaster, maxOutputSize int, pollInterval time.Duration) *Service {
	return &Service{
		source:        source,
		broadcaster:   broadcaster,
		maxOutputSize: maxOutputSize,
		pollInterval:  pollInterval,
	}
}

func (s *Service) truncate(out string) string {
	if s.maxOutputSize > 0 && len(out) > s.maxOutputSize {
		return out[:s.maxOutputSize]
	}
	return out
}

// Execute runs command synchronously and records one complete history
// row. It blocks until the command exits or the connection's timeout
// kills it. On execution failure the row is recorded as failed with
// whatever output was captured, and the error is returned. The history
// row stores stdout and stderr merged and truncated; the returned
// Result keeps them separate for callers that present them apart.
func (s *Service) Execute(ctx context.Context, sess *database.Session, userID uint, command string) (*database.CommandHistory, connection.Result, error) {
	conn, err := s.source.GetConnection(ctx, sess)
	if err != nil {
		return nil, connection.Result{}, err
	}

	start := time.Now()
	result, execErr := conn.Execute(ctx, command)
	durationMS := time.Since(start).Milliseconds()

	output := s.truncate(result.Output + result.Error)
	record := &database.CommandHistory{
		SessionID:  sess.ID,
		UserID:     userID,
		Command:    command,
		Output:     &output,
		DurationMS: &durationMS,
	}
	if execErr != nil {
		record.Failed = true
	} else {
		code := result.ExitCode
		record.ExitCode = &code
	}
	if err := database.DB.Create(record).Error; err != nil {
		return nil, result, fmt.Errorf("record command: %w", err)
	}
	s.source.TouchSession(sess.ID)

	if execErr != nil {
		return record, result, execErr
	}
	return record, result, nil
}

// ExecuteStream starts command asynchronously, publishes the input
// echo, creates a pending history row and launches the poll loop that
// streams output deltas to the broadcaster. It returns the pending
// record and the process ID immediately.
//
// If the async start itself fails no history row is created and the
// error propagates.
func (s *Service) ExecuteStream(ctx context.Context, sess *database.Session, userID uint, command string) (*database.CommandHistory, string, error) {
	conn, err := s.source.GetConnection(ctx, sess)
	if err != nil {
		return nil, "", err
	}

	s.broadcaster.Publish(sess.ID, broadcast.Event{
		Output:    "$ " + command + "\r\n",
		Type:      broadcast.TypeInput,
		Timestamp: time.Now(),
	})

	processID, err := conn.ExecuteAsync(command)
	if err != nil {
		return nil, "", err
	}

	record := &database.CommandHistory{
		SessionID: sess.ID,
		UserID:    userID,
		Command:   command,
	}
	if err := database.DB.Create(record).Error; err != nil {
		conn.KillProcess(processID)
		return nil, "", fmt.Errorf("record command: %w", err)
	}

	go s.pollLoop(conn, sess.ID, record.ID, processID, time.Now())

	return record, processID, nil
}

// pollLoop streams output for one process until it exits. Each
// iteration publishes the suffix not yet seen, so events for a single
// process never repeat or skip bytes. A dropped connection finalizes
// the record with partial output instead of spinning.
func (s *Service) pollLoop(conn connection.Connection, sessionID string, recordID uint, processID string, start time.Time) {
	lastLen := 0
	full := ""

	for {
		if !conn.IsConnected() {
			log.Printf("[terminal] connection lost mid-stream for %s", processID)
			s.finalize(sessionID, recordID, full, start, true)
			return
		}

		running := conn.IsProcessRunning(processID)

		// Read after the running check so the final read catches bytes
		// written between the last poll and process exit.
		out, ok := conn.GetOutput(processID)
		if ok {
			if len(out) > lastLen {
				s.broadcaster.Publish(sessionID, broadcast.Event{
					Output:    out[lastLen:],
					Type:      broadcast.TypeOutput,
					Timestamp: time.Now(),
				})
				lastLen = len(out)
			}
			if len(out) >= len(full) {
				full = out
			}
		}

		if !running {
			s.finalize(sessionID, recordID, full, start, false)
			return
		}
		time.Sleep(s.pollInterval)
	}
}

// finalize completes a pending history row. The exit code stays NULL
// for streamed commands since the detached process does not report one.
func (s *Service) finalize(sessionID string, recordID uint, output string, start time.Time, failed bool) {
	truncated := s.truncate(output)
	durationMS := time.Since(start).Milliseconds()

	updates := map[string]any{
		"output":      truncated,
		"duration_ms": durationMS,
		"failed":      failed,
	}
	if err := database.DB.Model(&database.CommandHistory{}).
		Where("id = ?", recordID).Updates(updates).Error; err != nil {
		log.Printf("[terminal] finalize record %d: %v", recordID, err)
	}
	s.source.TouchSession(sessionID)
}

// GetOutput returns the full accumulated output for a process on the
// session's connection plus whether the process is still running, so a
// poller gets both in one round trip. known is false for unknown IDs.
func (s *Service) GetOutput(ctx context.Context, sess *database.Session, processID string) (out string, running, known bool, err error) {
	conn, err := s.source.GetConnection(ctx, sess)
	if err != nil {
		return "", false, false, err
	}
	out, known = conn.GetOutput(processID)
	if !known {
		return "", false, false, nil
	}
	return out, conn.IsProcessRunning(processID), true, nil
}

// IsProcessRunning reports whether the process is still alive.
func (s *Service) IsProcessRunning(ctx context.Context, sess *database.Session, processID string) (bool, error) {
	conn, err := s.source.GetConnection(ctx, sess)
	if err != nil {
		return false, err
	}
	return conn.IsProcessRunning(processID), nil
}

// KillProcess terminates a running async process. Returns false when
// the process is unknown or already gone.
func (s *Service) KillProcess(ctx context.Context, sess *database.Session, processID string) (bool, error) {
	conn, err := s.source.GetConnection(ctx, sess)
	if err != nil {
		return false, err
	}
	killed := conn.KillProcess(processID)
	if killed {
		s.source.TouchSession(sess.ID)
	}
	return killed, nil
}

// Resize stores the terminal dimensions in the session metadata.
func (s *Service) Resize(sess *database.Session, cols, rows int) error {
	meta := map[string]any{}
	if sess.Metadata != "" {
		if err := json.Unmarshal([]byte(sess.Metadata), &meta); err != nil {
			meta = map[string]any{}
		}
	}
	meta["terminal_cols"] = cols
	meta["terminal_rows"] = rows

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	sess.Metadata = string(raw)
	if err := database.DB.Model(&database.Session{}).
		Where("id = ?", sess.ID).Update("metadata", sess.Metadata).Error; err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	s.source.TouchSession(sess.ID)
	return nil
}

// History returns the most recent commands for a session, newest
// first.
func (s *Service) History(sessionID string, limit int) ([]database.CommandHistory, error) {
	return database.ListCommandHistory(sessionID, limit)
}
