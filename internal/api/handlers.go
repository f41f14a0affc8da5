package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"codelab-engine/internal/engine"
	"codelab-engine/internal/monitor"
	"codelab-engine/internal/policy"
	"codelab-engine/internal/sandbox"
	"codelab-engine/internal/storage"
	"codelab-engine/internal/template"
)

// Engine is the submission surface the handlers depend on.
type Engine interface {
	Submit(ctx context.Context, in engine.Input) (*engine.Result, error)
	Cancel(id string) bool
}

type Handlers struct {
	engine   Engine
	store    storage.Store
	catalog  *template.Catalog
	policies *policy.Store
	metrics  *monitor.Metrics
}

func NewHandlers(eng Engine, store storage.Store, catalog *template.Catalog, policies *policy.Store, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		engine:   eng,
		store:    store,
		catalog:  catalog,
		policies: policies,
		metrics:  metrics,
	}
}

func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "invalid_request", http.StatusBadRequest, r)
		return
	}

	res, err := h.engine.Submit(r.Context(), engine.Input{
		CallerID:    req.CallerID,
		Language:    req.Language,
		Mode:        req.Mode,
		SourceText:  req.SourceText,
		TemplateRef: req.TemplateRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidRequest):
			writeError(w, err.Error(), "invalid_request", http.StatusBadRequest, r)
		case sandbox.IsCapacity(err):
			w.Header().Set("Retry-After", "1")
			writeError(w, "engine at capacity, retry later", "capacity_exceeded", http.StatusTooManyRequests, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submission failed")
			writeError(w, "submission failed", "internal", http.StatusInternalServerError, r)
		}
		return
	}

	writeJSON(w, http.StatusOK, toResultResponse(res))
}

func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "invalid_request", http.StatusBadRequest, r)
		return
	}

	if !h.engine.Cancel(id) {
		writeError(w, "no in-flight execution with that id", "not_found", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested", "id": id})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "invalid_request", http.StatusBadRequest, r)
		return
	}

	entry, err := h.store.GetEntry(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "not_found", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeError(w, "query failed", "internal", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EntryFilter{
		CallerID: q.Get("caller"),
		Language: q.Get("language"),
		Status:   q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "invalid_request", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "invalid_request", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}

	entries, err := h.store.ListEntries(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "internal", http.StatusInternalServerError, r)
		return
	}

	out := make([]EntryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toEntryResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleSessionStats(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")
	if caller == "" {
		writeError(w, "caller ID required", "invalid_request", http.StatusBadRequest, r)
		return
	}

	stats, err := h.store.SessionStats(r.Context(), caller)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "no tracked executions for caller", "not_found", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeError(w, "query failed", "internal", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		CallerID:           stats.CallerID,
		TotalAttempts:      stats.TotalAttempts,
		TotalSuccesses:     stats.TotalSuccesses,
		AverageWallClockMS: stats.AverageWallClockMS,
		LastExecutionAt:    stats.LastExecutionAt,
	})
}

func (h *Handlers) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	caller := callerFromRequest(r)

	tpl, err := h.catalog.Fetch(r.Context(), id, caller)
	switch {
	case errors.Is(err, template.ErrNotFound):
		writeError(w, "template not found", "not_found", http.StatusNotFound, r)
		return
	case errors.Is(err, template.ErrForbidden):
		writeError(w, "template is private", "forbidden", http.StatusForbidden, r)
		return
	case err != nil:
		writeError(w, "query failed", "internal", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, toTemplateResponse(tpl))
}

func (h *Handlers) HandleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "invalid_request", http.StatusBadRequest, r)
		return
	}

	tpl := &storage.Template{
		Name:       req.Name,
		Language:   req.Language,
		SourceText: req.SourceText,
		Visibility: req.Visibility,
		OwnerID:    req.OwnerID,
	}
	if tpl.OwnerID == "" {
		tpl.OwnerID = callerFromRequest(r)
	}

	if err := h.catalog.Create(r.Context(), tpl); err != nil {
		writeError(w, err.Error(), "invalid_request", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusCreated, toTemplateResponse(tpl))
}

func (h *Handlers) HandleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	caller := callerFromRequest(r)

	err := h.catalog.Delete(r.Context(), id, caller)
	switch {
	case errors.Is(err, template.ErrNotFound):
		writeError(w, "template not found", "not_found", http.StatusNotFound, r)
	case errors.Is(err, template.ErrForbidden):
		writeError(w, "template is private", "forbidden", http.StatusForbidden, r)
	case err != nil:
		writeError(w, "delete failed", "internal", http.StatusInternalServerError, r)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPolicyDTO(h.policies.Current()))
}

// HandlePutPolicy swaps in a new policy. Invalid policies are rejected whole
// and the previous one stays active.
func (h *Handlers) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var dto PolicyDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "invalid_request", http.StatusBadRequest, r)
		return
	}

	if err := h.policies.Reload(dto.toPolicy()); err != nil {
		h.metrics.RecordPolicyReload("rejected")
		writeError(w, err.Error(), "invalid_policy", http.StatusUnprocessableEntity, r)
		return
	}

	h.metrics.RecordPolicyReload("applied")
	writeJSON(w, http.StatusOK, toPolicyDTO(h.policies.Current()))
}

// callerFromRequest resolves the caller identity for read endpoints: query
// parameter first, then header.
func callerFromRequest(r *http.Request) string {
	if c := r.URL.Query().Get("caller"); c != "" {
		return c
	}
	return r.Header.Get("X-Caller-ID")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
