package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/driftline/driftline/internal/conflict"
	"github.com/driftline/driftline/internal/models"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	Network       string `json:"network"`
	Backend       string `json:"backend"`
	Pending       int    `json:"pending"`
	Failed        int    `json:"failed"`
	Conflicts     int    `json:"conflicts"`
	LastSyncAt        int64 `json:"last_sync_at,omitempty"`
	LastSyncSucceeded int   `json:"last_sync_succeeded,omitempty"`
	LastSyncFailed    int   `json:"last_sync_failed,omitempty"`
}

// enqueueRequest is the body of POST /queue.
type enqueueRequest struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Operation  string                 `json:"operation"`
	Payload    json.RawMessage        `json:"payload"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// resolveRequest is the body of POST /conflicts/{id}/resolve.
type resolveRequest struct {
	Choice string `json:"choice"`
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /queue", a.handleQueueList)
	mux.HandleFunc("POST /queue", a.handleEnqueue)
	mux.HandleFunc("POST /queue/{id}/retry", a.handleRetry)
	mux.HandleFunc("DELETE /queue/{id}", a.handleRemove)
	mux.HandleFunc("DELETE /queue/synced", a.handleClearSynced)
	mux.HandleFunc("DELETE /queue", a.handleClearAll)
	mux.HandleFunc("GET /conflicts", a.handleConflicts)
	mux.HandleFunc("POST /conflicts/{id}/resolve", a.handleResolve)
	mux.HandleFunc("POST /sync", a.handleTriggerSync)
	mux.HandleFunc("GET /ws", a.hub.handleWebSocket)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.queue.Snapshot()

	resp := statusResponse{
		Network:   string(a.monitor.Status()),
		Backend:   a.store.BackendName(),
		Pending:   snap.Pending,
		Failed:    snap.Failed,
		Conflicts: snap.Conflicts,
	}
	if last, ok := a.orch.LastResult(); ok {
		resp.LastSyncAt = last.FinishedAt.UnixMilli()
		resp.LastSyncSucceeded = last.Succeeded
		resp.LastSyncFailed = last.Failed
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleQueueList(w http.ResponseWriter, r *http.Request) {
	snap := a.queue.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (a *app) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	var req enqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.EntityType == "" {
		writeError(w, http.StatusBadRequest, "entity_type is required")
		return
	}

	op := models.Operation(req.Operation)
	switch op {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete, models.OperationUpsert:
	default:
		writeError(w, http.StatusBadRequest, "operation must be create, update, delete, or upsert")
		return
	}

	item := a.queue.Enqueue(req.EntityType, req.EntityID, op, req.Payload, req.Metadata)
	writeJSON(w, http.StatusCreated, item)
}

func (a *app) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.queue.RetryItem(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	item, _ := a.queue.Get(id)
	writeJSON(w, http.StatusOK, item)
}

func (a *app) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleClearSynced(w http.ResponseWriter, r *http.Request) {
	removed := a.queue.ClearSynced()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *app) handleClearAll(w http.ResponseWriter, r *http.Request) {
	removed := a.queue.ClearAll()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *app) handleConflicts(w http.ResponseWriter, r *http.Request) {
	records := a.resolver.List()
	if records == nil {
		records = []models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *app) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	choice := conflict.Choice(req.Choice)
	switch choice {
	case conflict.KeepLocal, conflict.KeepRemote, conflict.Merge, conflict.Dismiss:
	default:
		writeError(w, http.StatusBadRequest,
			"choice must be keep_local, keep_remote, merge, or dismiss")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := a.resolver.Resolve(ctx, r.PathValue("id"), choice); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	a.orch.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}
