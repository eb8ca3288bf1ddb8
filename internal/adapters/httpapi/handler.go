package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/usecase"
)

const (
	timeFormat   = "2006-01-02T15:04:05.999Z07:00"
	readyTimeout = 3 * time.Second
)

// Backend is the part of the database the ops surface reads from.
type Backend interface {
	Ping(ctx context.Context) error
	Metrics() usecase.MetricsSnapshot
	ChannelID() string
	SyncCursor() uint64
	AuditTrail(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	VerifyIntegrity(ctx context.Context, table, txID string) (domain.VerificationResult, error)
}

type Handler struct {
	backend Backend
	logger  *slog.Logger
}

func NewHandler(backend Backend, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{backend: backend, logger: logger.With("component", "httpapi")}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/metrics", h.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/audit", h.auditTrail)
		r.Get("/verify/{table}/{txID}", h.verify)
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.backend.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"channel":     h.backend.ChannelID(),
		"sync_cursor": h.backend.SyncCursor(),
	})
}

func (h *Handler) metrics(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.backend.Metrics())
}

type auditEntryResponse struct {
	ID            int64          `json:"id"`
	TxID          string         `json:"tx_id"`
	Table         string         `json:"table"`
	Operation     string         `json:"operation"`
	DataHash      string         `json:"data_hash,omitempty"`
	PreviousHash  string         `json:"previous_hash,omitempty"`
	NewHash       string         `json:"new_hash,omitempty"`
	Version       int64          `json:"version"`
	Sequence      uint64         `json:"sequence"`
	ChannelID     string         `json:"channel_id"`
	LedgerTime    string         `json:"ledger_time"`
	CommittedAt   string         `json:"committed_at"`
	ActorID       string         `json:"actor_id"`
	OriginAddress string         `json:"origin_address,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	FromReplay    bool           `json:"from_replay"`
}

func toAuditResponse(e domain.AuditEntry) auditEntryResponse {
	return auditEntryResponse{
		ID:            e.ID,
		TxID:          e.TxID,
		Table:         e.Table,
		Operation:     string(e.Operation),
		DataHash:      e.DataHash,
		PreviousHash:  e.PreviousHash,
		NewHash:       e.NewHash,
		Version:       e.Version,
		Sequence:      e.Sequence,
		ChannelID:     e.ChannelID,
		LedgerTime:    e.LedgerTime.UTC().Format(timeFormat),
		CommittedAt:   e.CommittedAt.UTC().Format(timeFormat),
		ActorID:       e.ActorID,
		OriginAddress: e.OriginAddress,
		Metadata:      e.Metadata,
		FromReplay:    e.FromReplay,
	}
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := h.parseInt(w, q.Get("limit"), "limit", 100)
	if !ok {
		return
	}
	afterID, ok := h.parseInt(w, q.Get("after_id"), "after_id", 0)
	if !ok {
		return
	}
	order := domain.SortOrder(q.Get("order"))
	if order != "" && order != domain.SortAsc && order != domain.SortDesc {
		h.writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	entries, err := h.backend.AuditTrail(r.Context(), domain.AuditFilter{
		Table:     q.Get("table"),
		TxID:      q.Get("tx_id"),
		Operation: domain.OperationType(q.Get("operation")),
		Order:     order,
		AfterID:   int64(afterID),
		Limit:     limit,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditResponse(e))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	txID := chi.URLParam(r, "txID")
	result, err := h.backend.VerifyIntegrity(r.Context(), table, txID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	history := make([]auditEntryResponse, 0, len(result.History))
	for _, e := range result.History {
		history = append(history, toAuditResponse(e))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"table":         result.Table,
		"tx_id":         result.TxID,
		"status":        result.Status,
		"verified":      result.Verified(),
		"stored_hash":   result.StoredHash,
		"computed_hash": result.ComputedHash,
		"audit_matches": result.AuditMatches,
		"history":       history,
	})
}

func (h *Handler) parseInt(w http.ResponseWriter, raw, name string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, name+" must be integer")
		return 0, false
	}
	return parsed, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("encode json response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		h.logger.Warn("write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSchemaViolation), errors.Is(err, domain.ErrInvalidFilter):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotInitialized), errors.Is(err, domain.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
