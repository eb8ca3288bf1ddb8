package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/usecase"
)

type stubBackend struct {
	pingErr  error
	auditFn  func(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	verifyFn func(ctx context.Context, table, txID string) (domain.VerificationResult, error)
}

func (s *stubBackend) Ping(context.Context) error { return s.pingErr }

func (s *stubBackend) Metrics() usecase.MetricsSnapshot {
	return usecase.MetricsSnapshot{Inserts: 3, Publications: 3, ReplaySkipped: 1}
}

func (s *stubBackend) ChannelID() string  { return "ch-1" }
func (s *stubBackend) SyncCursor() uint64 { return 42 }

func (s *stubBackend) AuditTrail(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if s.auditFn != nil {
		return s.auditFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubBackend) VerifyIntegrity(ctx context.Context, table, txID string) (domain.VerificationResult, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, table, txID)
	}
	return domain.VerificationResult{}, nil
}

func testHandler(b *stubBackend) *Handler {
	return NewHandler(b, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serve(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, payload
}

func TestHealthz(t *testing.T) {
	rec, payload := serve(t, testHandler(&stubBackend{}).Router(), "/healthz")
	if rec.Code != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("unexpected response %d %v", rec.Code, payload)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestReadyzReportsChannelAndCursor(t *testing.T) {
	rec, payload := serve(t, testHandler(&stubBackend{}).Router(), "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload["channel"] != "ch-1" || payload["sync_cursor"] != float64(42) {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestReadyzUnavailableWhenPingFails(t *testing.T) {
	rec, payload := serve(t, testHandler(&stubBackend{pingErr: errors.New("ledger: broker down")}).Router(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(payload["error"].(string), "broker down") {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	rec, payload := serve(t, testHandler(&stubBackend{}).Router(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload["inserts"] != float64(3) || payload["replay_skipped"] != float64(1) || payload["errors"] != float64(0) {
		t.Fatalf("unexpected metrics: %v", payload)
	}
}

func TestAuditTrailPassesFilter(t *testing.T) {
	var got domain.AuditFilter
	b := &stubBackend{auditFn: func(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
		got = filter
		return []domain.AuditEntry{{
			ID:          7,
			TxID:        "tx-1",
			Table:       "users",
			Operation:   domain.OpInsert,
			DataHash:    "abc",
			Sequence:    3,
			ChannelID:   "ch-1",
			LedgerTime:  time.UnixMilli(1700000000123).UTC(),
			CommittedAt: time.UnixMilli(1700000000200).UTC(),
		}}, nil
	}}
	rec, payload := serve(t, testHandler(b).Router(), "/v1/audit?table=users&tx_id=tx-1&order=asc&limit=5&after_id=2&operation=INSERT")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, payload)
	}
	want := domain.AuditFilter{Table: "users", TxID: "tx-1", Operation: domain.OpInsert, Order: domain.SortAsc, AfterID: 2, Limit: 5}
	if got != want {
		t.Fatalf("unexpected filter %+v", got)
	}
	entries := payload["entries"].([]any)
	entry := entries[0].(map[string]any)
	if entry["ledger_time"] != "2023-11-14T22:13:20.123Z" || entry["sequence"] != float64(3) {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestAuditTrailRejectsBadParameters(t *testing.T) {
	h := testHandler(&stubBackend{}).Router()
	for _, target := range []string{
		"/v1/audit?limit=bad",
		"/v1/audit?after_id=x",
		"/v1/audit?order=sideways",
	} {
		rec, _ := serve(t, h, target)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestVerifyMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NewSchemaViolation("ghosts", "unknown table"), http.StatusBadRequest},
		{domain.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		b := &stubBackend{verifyFn: func(context.Context, string, string) (domain.VerificationResult, error) {
			return domain.VerificationResult{}, tc.err
		}}
		rec, payload := serve(t, testHandler(b).Router(), "/v1/verify/ghosts/tx-1")
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
		if tc.want == http.StatusInternalServerError && payload["error"] != "internal server error" {
			t.Fatalf("internal error leaked: %v", payload)
		}
	}
}

func TestVerifyReportsMismatch(t *testing.T) {
	b := &stubBackend{verifyFn: func(_ context.Context, table, txID string) (domain.VerificationResult, error) {
		return domain.VerificationResult{
			Table:        table,
			TxID:         txID,
			Status:       domain.VerificationMismatch,
			StoredHash:   "aa",
			ComputedHash: "bb",
			History:      []domain.AuditEntry{{ID: 1, TxID: txID, Table: table, Operation: domain.OpInsert}},
		}, nil
	}}
	rec, payload := serve(t, testHandler(b).Router(), "/v1/verify/users/tx-9")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload["status"] != "mismatch" || payload["verified"] != false || payload["tx_id"] != "tx-9" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if len(payload["history"].([]any)) != 1 {
		t.Fatalf("expected history in payload: %v", payload)
	}
}

func TestWriteJSONEncodeErrorHandled(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler(&stubBackend{}).writeJSON(rec, http.StatusOK, map[string]any{"bad": func() {}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}
