package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"modernc.org/sqlite"

	"github.com/hazyhaar/crashcache/codec"
	"github.com/hazyhaar/crashcache/envelope"
	"github.com/hazyhaar/crashcache/sentry"
	"github.com/hazyhaar/crashcache/store"
)

// Handler serves the Sentry-compatible ingestion endpoints.
type Handler struct {
	uc       *UseCase
	projects *ProjectCache
	health   *HealthCache
}

// NewHandler wires the use case and caches into an HTTP handler.
func NewHandler(uc *UseCase, projects *ProjectCache, health *HealthCache) *Handler {
	return &Handler{uc: uc, projects: projects, health: health}
}

// Routes registers the ingestion endpoints on r. Clients are inconsistent
// about trailing slashes, so both forms are served.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/{projectID}/store", h.handleStore)
	r.Post("/api/{projectID}/store/", h.handleStore)
	r.Post("/api/{projectID}/envelope", h.handleEnvelope)
	r.Post("/api/{projectID}/envelope/", h.handleEnvelope)
	r.Get("/health", h.handleHealth)
}

func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	projectID, body, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	payload, originalSize, err := h.uc.Condition(body, r.Header.Get("Content-Encoding"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.uc.Ingest(r.Context(), projectID, payload, originalSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": res.Hash})
}

func (h *Handler) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	projectID, body, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	contentEncoding := r.Header.Get("Content-Encoding")
	payload, originalSize, err := h.uc.Condition(body, contentEncoding)
	if err != nil {
		writeError(w, err)
		return
	}

	// Client-compressed envelopes are unpacked after the size check so
	// session items can be stored inline instead of being archived.
	raw := body
	if strings.Contains(contentEncoding, "gzip") {
		raw, err = codec.Decompress(payload)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	env, ok := envelope.Parse(raw)
	if !ok {
		writeError(w, ErrInvalidRequest)
		return
	}
	if _, found := env.FindEventPayload(); found {
		res, err := h.uc.Ingest(r.Context(), projectID, payload, originalSize)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": res.Hash})
		return
	}

	sessions := env.FindSessionPayloads()
	if len(sessions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "No event or session in envelope",
		})
		return
	}
	stored, err := h.uc.IngestSessions(r.Context(), projectID, sessions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sessions": stored})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	c := h.health.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crash-cache",
		"stats": map[string]int64{
			"ingested":     c.Archives,
			"digested":     c.Reports,
			"queued":       c.Queued,
			"regurgitated": c.Regurgitated,
			"orphaned":     c.Orphaned,
		},
	})
}

// authenticate resolves the project, checks the sentry_key and reads the
// body. On failure the response is already written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (int64, []byte, bool) {
	projectID, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		writeError(w, ErrInvalidRequest)
		return 0, nil, false
	}

	key, ok := extractSentryKey(r)
	if !ok {
		writeError(w, ErrMissingKey)
		return 0, nil, false
	}
	if err := h.projects.Validate(r.Context(), projectID, key); err != nil {
		writeError(w, err)
		return 0, nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, ErrPayloadTooLarge)
		} else {
			writeError(w, ErrInvalidRequest)
		}
		return 0, nil, false
	}
	return projectID, body, true
}

// extractSentryKey reads the client key, query parameter first, then the
// X-Sentry-Auth header.
func extractSentryKey(r *http.Request) (string, bool) {
	if auth, ok := sentry.ParseAuthQuery(r.URL.Query()); ok {
		return auth.Key, true
	}
	if auth, ok := sentry.ParseAuthHeader(r.Header.Get("X-Sentry-Auth")); ok && auth.Key != "" {
		return auth.Key, true
	}
	return "", false
}

// isDatabaseError recognises driver and pool failures so they surface as
// 503 rather than 500: the client should retry, the payload is fine.
func isDatabaseError(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, context.DeadlineExceeded)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps pipeline errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var status int
	var msg string
	switch {
	case errors.Is(err, store.ErrProjectNotFound):
		status, msg = http.StatusNotFound, "Project not found"
	case errors.Is(err, store.ErrDuplicateEvent):
		status, msg = http.StatusConflict, "Duplicate event id"
	case errors.Is(err, ErrMissingKey):
		status, msg = http.StatusUnauthorized, "Missing sentry_key"
	case errors.Is(err, ErrInvalidKey):
		status, msg = http.StatusUnauthorized, "Invalid public key"
	case errors.Is(err, ErrPayloadTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, "Payload too large"
	case errors.Is(err, ErrOverloaded):
		status, msg = http.StatusServiceUnavailable, "Service overloaded, please retry"
	case errors.Is(err, codec.ErrDecompression):
		status, msg = http.StatusUnprocessableEntity, "Malformed payload"
	case errors.Is(err, ErrInvalidRequest):
		status, msg = http.StatusBadRequest, "Invalid request"
	case isDatabaseError(err):
		status, msg = http.StatusServiceUnavailable, "Database busy, please retry"
	default:
		slog.Error("ingest: request failed", "error", err)
		status, msg = http.StatusInternalServerError, "Internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
