package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"taskgen/internal/engine"
)

// Action names an operation on the single engine endpoint.
type Action string

const (
	ActionTriggerScan     Action = "triggerScan"
	ActionGetLogs         Action = "getLogs"
	ActionGetPendingTasks Action = "getPendingTasks"
	ActionCompleteTask    Action = "completeTask"
)

type command struct {
	method string
	run    func(r *http.Request) (any, error)
}

// dispatcher serves {base}/engine?action=<name>. Every action maps to exactly
// one command and one method.
type dispatcher struct {
	commands map[Action]command
	logger   *slog.Logger
}

const maxBodyBytes = 1 << 20

func newDispatcher(e engine.Engine, logger *slog.Logger) dispatcher {
	return dispatcher{logger: logger, commands: map[Action]command{
		ActionTriggerScan: {method: http.MethodPost, run: func(r *http.Request) (any, error) {
			return triggerScan(r.Context(), e)
		}},
		ActionGetLogs: {method: http.MethodGet, run: func(r *http.Request) (any, error) {
			q := r.URL.Query()
			limit := 0
			if raw := q.Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid limit", map[string]any{"limit": raw})
				}
				limit = n
			}
			return recentLogs(r.Context(), e, limit, q.Get("before"))
		}},
		ActionGetPendingTasks: {method: http.MethodGet, run: func(r *http.Request) (any, error) {
			return pendingTasks(r.Context(), e, r.URL.Query()["exclude"])
		}},
		ActionCompleteTask: {method: http.MethodPost, run: func(r *http.Request) (any, error) {
			var req CompleteTaskRequest
			dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
			if err := dec.Decode(&req); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid request body", map[string]any{"error": err.Error()})
			}
			return completeTask(r.Context(), e, req)
		}},
	}}
}

func (d dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("action")
	if raw == "" {
		d.writeError(w, r, newAPIError(http.StatusBadRequest, "unknown_action", "action is required", nil))
		return
	}
	cmd, ok := d.commands[Action(raw)]
	if !ok {
		d.writeError(w, r, newAPIError(http.StatusBadRequest, "unknown_action", "unknown action "+strconv.Quote(raw), map[string]any{"action": raw}))
		return
	}
	if r.Method != cmd.method {
		w.Header().Set("Allow", cmd.method)
		d.writeError(w, r, newAPIError(http.StatusMethodNotAllowed, "", raw+" requires "+cmd.method, map[string]any{"action": raw}))
		return
	}
	body, err := cmd.run(r)
	if err != nil {
		d.writeError(w, r, handleError(err))
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (d dispatcher) writeError(w http.ResponseWriter, r *http.Request, se huma.StatusError) {
	var ae *apiError
	if !errors.As(se, &ae) {
		ae = newAPIError(se.GetStatus(), "", se.Error(), nil).(*apiError)
	}
	if ae.status >= http.StatusInternalServerError {
		d.logger.ErrorContext(r.Context(), "engine action failed", "action", r.URL.Query().Get("action"), "error", ae.Body.Message)
	}
	writeJSON(w, ae.status, ae)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
