package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Metacomet-Technologies/server-manager/internal/authz"
	"github.com/Metacomet-Technologies/server-manager/internal/middleware"
	"github.com/Metacomet-Technologies/server-manager/internal/terminal"
	"github.com/go-chi/chi/v5"
)

// Terminal is set from main.go during init.
var Terminal *terminal.Service

type commandBody struct {
	Command string `json:"command"`
}

func readCommand(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body commandBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return "", false
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "Command is required")
		return "", false
	}
	return body.Command, true
}

// ExecuteCommand runs a command synchronously and returns its complete
// result once finished.
func ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sess, _ := loadSession(w, r, authz.CanExecuteSession)
	if sess == nil {
		return
	}
	command, ok := readCommand(w, r)
	if !ok {
		return
	}

	record, result, err := Terminal.Execute(r.Context(), sess, user.ID, command)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":      result.Output,
		"error":       result.Error,
		"exit_code":   result.ExitCode,
		"duration_ms": record.DurationMS,
		"record":      record,
	})
}

// ExecuteCommandAsync starts a command detached and returns the pending
// history record plus the process ID for polling.
func ExecuteCommandAsync(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sess, _ := loadSession(w, r, authz.CanExecuteSession)
	if sess == nil {
		return
	}
	command, ok := readCommand(w, r)
	if !ok {
		return
	}

	record, processID, err := Terminal.ExecuteStream(r.Context(), sess, user.ID, command)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"record":     record,
		"process_id": processID,
	})
}

// ProcessOutput returns the entire output accumulated so far for an
// async process, along with whether it is still running.
func ProcessOutput(w http.ResponseWriter, r *http.Request) {
	sess, _ := loadSession(w, r, authz.CanAccessSession)
	if sess == nil {
		return
	}

	out, running, known, err := Terminal.GetOutput(r.Context(), sess, chi.URLParam(r, "processId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !known {
		writeError(w, http.StatusNotFound, "Unknown process")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":     out,
		"is_running": running,
	})
}

func ProcessStatus(w http.ResponseWriter, r *http.Request) {
	sess, _ := loadSession(w, r, authz.CanAccessSession)
	if sess == nil {
		return
	}

	running, err := Terminal.IsProcessRunning(r.Context(), sess, chi.URLParam(r, "processId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

// KillProcess terminates an async process. Killing an already-gone
// process reports killed=false rather than an error.
func KillProcess(w http.ResponseWriter, r *http.Request) {
	sess, _ := loadSession(w, r, authz.CanExecuteSession)
	if sess == nil {
		return
	}

	killed, err := Terminal.KillProcess(r.Context(), sess, chi.URLParam(r, "processId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"killed": killed})
}

// CommandHistoryList returns the session's command history, newest
// first. Captured output stays truncated as recorded.
func CommandHistoryList(w http.ResponseWriter, r *http.Request) {
	sess, _ := loadSession(w, r, authz.CanAccessSession)
	if sess == nil {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := Terminal.History(sess.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}
