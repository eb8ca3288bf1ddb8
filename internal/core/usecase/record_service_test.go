package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/canonical"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

func TestRecordServiceInsertPublishesAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.records.Insert(ctx, "users", map[string]any{
		"name":  "Alice",
		"email": "alice@example.com",
		"age":   30,
	}, domain.MutationMetadata{Actor: "admin", Origin: "10.0.0.1", Attributes: map[string]any{"reason": "signup", "apiToken": "s3cret"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	wantHash, err := canonical.HashFields(map[string]any{
		"name": "Alice", "email": "alice@example.com", "age": int64(30), "profile": nil, "active": true,
	})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if res.Hash != wantHash {
		t.Fatalf("unexpected hash: got %s want %s", res.Hash, wantHash)
	}
	if res.Record.Version != 1 || res.Record.CreatorID != "admin" {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
	if res.Ledger.Sequence != 1 || res.Ledger.ChannelID != "ch-test" {
		t.Fatalf("unexpected receipt: %+v", res.Ledger)
	}

	audits := f.store.audits()
	if len(audits) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(audits))
	}
	entry := audits[0]
	if entry.Operation != domain.OpInsert || entry.DataHash != wantHash || entry.Sequence != 1 || entry.TxID != res.TxID {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.ActorID != "admin" || entry.OriginAddress != "10.0.0.1" {
		t.Fatalf("unexpected audit actor/origin: %+v", entry)
	}
	if _, leaked := entry.Metadata["apiToken"]; leaked {
		t.Fatalf("secret attribute leaked into audit metadata: %v", entry.Metadata)
	}
	if entry.Metadata["reason"] != "signup" {
		t.Fatalf("expected reason in metadata, got %v", entry.Metadata)
	}

	msg, err := f.client.Codec().Decode(f.ledger.payloads[0])
	if err != nil {
		t.Fatalf("decode published message: %v", err)
	}
	if msg.Type != domain.OpInsert || msg.DataHash != wantHash || msg.TxID != res.TxID || msg.Table != "users" {
		t.Fatalf("unexpected published message: %+v", msg)
	}

	if got := f.metrics.Snapshot(); got.Inserts != 1 || got.Publications != 1 || got.Errors != 0 {
		t.Fatalf("unexpected metrics: %+v", got)
	}
}

func TestRecordServicePublishFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.ledger.submitErrs = []error{domain.PermanentLedgerError(errors.New("rejected"))}

	_, err := f.records.Insert(context.Background(), "users", map[string]any{"name": "Bob", "email": "bob@example.com"}, domain.MutationMetadata{})
	if !errors.Is(err, domain.ErrLedgerSubmission) {
		t.Fatalf("expected ledger submission error, got %v", err)
	}
	if !domain.IsPermanentLedgerError(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if f.ledger.submitCount() != 1 {
		t.Fatalf("permanent errors must not be retried, got %d submits", f.ledger.submitCount())
	}
	if n := f.store.rowCount("users"); n != 0 {
		t.Fatalf("expected no rows after rollback, got %d", n)
	}
	if n := len(f.store.audits()); n != 0 {
		t.Fatalf("expected no audit entries after rollback, got %d", n)
	}
	if got := f.metrics.Snapshot(); got.Errors != 1 || got.Inserts != 0 {
		t.Fatalf("unexpected metrics: %+v", got)
	}
}

func TestRecordServiceRetriesTransientPublishFailures(t *testing.T) {
	f := newFixture(t)
	f.ledger.submitErrs = []error{
		domain.TransientLedgerError(errors.New("broker unavailable")),
		errors.New("connection reset"),
	}

	res, err := f.records.Insert(context.Background(), "users", map[string]any{"name": "Carol", "email": "carol@example.com"}, domain.MutationMetadata{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if f.ledger.submitCount() != 3 {
		t.Fatalf("expected 3 submit attempts, got %d", f.ledger.submitCount())
	}
	if res.Ledger.Sequence != 1 {
		t.Fatalf("unexpected sequence: %d", res.Ledger.Sequence)
	}
}

func TestRecordServiceTransientFailureExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t)
	transient := domain.TransientLedgerError(errors.New("timeout"))
	f.ledger.submitErrs = []error{transient, transient, transient, transient}

	_, err := f.records.Insert(context.Background(), "users", map[string]any{"name": "Dan", "email": "dan@example.com"}, domain.MutationMetadata{})
	if !errors.Is(err, domain.ErrLedgerSubmission) || domain.IsPermanentLedgerError(err) {
		t.Fatalf("expected transient ledger error, got %v", err)
	}
	if f.ledger.submitCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.ledger.submitCount())
	}
	if n := f.store.rowCount("users"); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestRecordServiceInsertSchemaViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		table  string
		fields map[string]any
	}{
		"unknown table":   {table: "orders", fields: map[string]any{"name": "x"}},
		"unknown field":   {table: "users", fields: map[string]any{"name": "x", "email": "x@y", "nickname": "z"}},
		"wrong type":      {table: "users", fields: map[string]any{"name": "x", "email": "x@y", "age": "thirty"}},
		"missing column":  {table: "users", fields: map[string]any{"name": "x"}},
		"null not nullable": {table: "users", fields: map[string]any{"name": nil, "email": "x@y"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.records.Insert(ctx, tc.table, tc.fields, domain.MutationMetadata{})
			if !errors.Is(err, domain.ErrSchemaViolation) {
				t.Fatalf("expected schema violation, got %v", err)
			}
		})
	}
	if f.ledger.submitCount() != 0 {
		t.Fatalf("invalid writes must not reach the ledger")
	}
}

func TestRecordServiceUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ins, err := f.records.Insert(ctx, "users", map[string]any{"name": "Alice", "email": "alice@example.com", "age": 30}, domain.MutationMetadata{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	upd, err := f.records.Update(ctx, "users", ins.TxID, map[string]any{"age": 31}, domain.MutationMetadata{Actor: "editor"}, domain.UpdateOptions{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Version != 2 || upd.PreviousHash != ins.Hash || upd.NewHash == ins.Hash {
		t.Fatalf("unexpected update result: %+v", upd)
	}
	if upd.Record.Fields["age"] != int64(31) || upd.Record.Fields["name"] != "Alice" {
		t.Fatalf("patch not merged: %v", upd.Record.Fields)
	}

	audits := f.store.audits()
	if len(audits) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(audits))
	}
	last := audits[1]
	if last.Operation != domain.OpUpdate || last.PreviousHash != ins.Hash || last.NewHash != upd.NewHash || last.Sequence != 2 {
		t.Fatalf("unexpected update audit: %+v", last)
	}

	_, err = f.records.Update(ctx, "users", ins.TxID, map[string]any{"age": 40}, domain.MutationMetadata{}, domain.UpdateOptions{ExpectedVersion: 1})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := f.records.Update(ctx, "users", ins.TxID, map[string]any{"age": 40}, domain.MutationMetadata{}, domain.UpdateOptions{ExpectedVersion: 2}); err != nil {
		t.Fatalf("update with matching version: %v", err)
	}
}

func TestRecordServiceUpdateMissingRecordWritesNoAudit(t *testing.T) {
	f := newFixture(t)

	_, err := f.records.Update(context.Background(), "users", "missing", map[string]any{"age": 1}, domain.MutationMetadata{}, domain.UpdateOptions{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := len(f.store.audits()); n != 0 {
		t.Fatalf("expected no audit entries, got %d", n)
	}
	if f.ledger.submitCount() != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestRecordServiceDeleteSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ins, err := f.records.Insert(ctx, "users", map[string]any{"name": "Eve", "email": "eve@example.com"}, domain.MutationMetadata{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	soft, err := f.records.Delete(ctx, "users", ins.TxID, domain.MutationMetadata{}, false)
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if soft.Hard || soft.Hash != ins.Hash {
		t.Fatalf("unexpected soft delete result: %+v", soft)
	}
	if _, err := f.records.Delete(ctx, "users", ins.TxID, domain.MutationMetadata{}, false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second soft delete: expected not found, got %v", err)
	}
	if _, err := f.records.Update(ctx, "users", ins.TxID, map[string]any{"name": "x"}, domain.MutationMetadata{}, domain.UpdateOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update of soft-deleted row: expected not found, got %v", err)
	}

	visible, err := f.records.Query(ctx, "users", domain.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("soft-deleted rows must be hidden by default, got %d", len(visible))
	}

	hard, err := f.records.Delete(ctx, "users", ins.TxID, domain.MutationMetadata{}, true)
	if err != nil {
		t.Fatalf("hard delete after soft delete: %v", err)
	}
	if !hard.Hard {
		t.Fatalf("expected hard delete result")
	}
	if _, err := f.records.Delete(ctx, "users", ins.TxID, domain.MutationMetadata{}, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("hard delete of missing row: expected not found, got %v", err)
	}

	ops := []domain.OperationType{}
	for _, e := range f.store.audits() {
		ops = append(ops, e.Operation)
	}
	want := []domain.OperationType{domain.OpInsert, domain.OpDeleteSoft, domain.OpDeleteHard}
	if len(ops) != len(want) {
		t.Fatalf("unexpected audit operations: %v", ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("unexpected audit operations: %v", ops)
		}
	}
}

func TestRecordServiceQueryClampsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.records.Query(ctx, "users", domain.QueryOptions{}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if f.store.lastQuery.Limit != 100 {
		t.Fatalf("expected default limit 100, got %d", f.store.lastQuery.Limit)
	}
	if _, err := f.records.Query(ctx, "users", domain.QueryOptions{Limit: 5000}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if f.store.lastQuery.Limit != 1000 {
		t.Fatalf("expected clamped limit 1000, got %d", f.store.lastQuery.Limit)
	}
	_, err := f.records.Query(ctx, "users", domain.QueryOptions{Order: []domain.OrderBy{{Field: "password"}}})
	if !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("expected schema violation for unknown order field, got %v", err)
	}
}

func TestRecordServiceEmitsChangeEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(4)
	defer sub.Unsubscribe()

	ins, err := f.records.Insert(context.Background(), "users", map[string]any{"name": "Fay", "email": "fay@example.com"}, domain.MutationMetadata{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ev := <-sub.C
	if ev.Kind != domain.EventMutation || ev.Operation != domain.OpInsert || ev.TxID != ins.TxID || ev.Sequence != 1 || ev.Hash != ins.Hash {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
