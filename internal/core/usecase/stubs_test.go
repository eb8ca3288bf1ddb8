package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

// memStore is an in-memory RecordStore that also serves the audit and cursor
// repositories. WriteTx works on a copy of the state and swaps it in only when
// the callback succeeds.
type memStore struct {
	mu     sync.Mutex
	state  memState
	tables map[string]bool

	failAudit   int
	nextAuditID int64
	lastQuery   domain.QueryOptions

	lastAuditFilter domain.AuditFilter
}

type memState struct {
	rows    map[string]map[string]domain.Record
	audits  []domain.AuditEntry
	cursors map[string]uint64
}

func newMemStore() *memStore {
	return &memStore{
		state:  memState{rows: map[string]map[string]domain.Record{}, cursors: map[string]uint64{}},
		tables: map[string]bool{},
	}
}

func (s memState) clone() memState {
	out := memState{
		rows:    make(map[string]map[string]domain.Record, len(s.rows)),
		audits:  append([]domain.AuditEntry(nil), s.audits...),
		cursors: make(map[string]uint64, len(s.cursors)),
	}
	for table, rows := range s.rows {
		copied := make(map[string]domain.Record, len(rows))
		for id, rec := range rows {
			copied[id] = rec.Clone()
		}
		out.rows[table] = copied
	}
	for k, v := range s.cursors {
		out.cursors[k] = v
	}
	return out
}

func (m *memStore) EnsureTable(_ context.Context, schema *domain.TableSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[schema.Name] = true
	if m.state.rows[schema.Name] == nil {
		m.state.rows[schema.Name] = map[string]domain.Record{}
	}
	return nil
}

func (m *memStore) WriteTx(_ context.Context, fn func(tx ports.RecordTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *memStore) Get(_ context.Context, schema *domain.TableSchema, txID string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.state.rows[schema.Name][txID]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memStore) Query(_ context.Context, schema *domain.TableSchema, opts domain.QueryOptions) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQuery = opts
	var out []domain.Record
	for _, rec := range m.sortedRows(schema.Name) {
		if rec.Deleted && !opts.IncludeDeleted {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) Scan(_ context.Context, schema *domain.TableSchema, fn func(domain.Record) error) error {
	m.mu.Lock()
	rows := m.sortedRows(schema.Name)
	m.mu.Unlock()
	for _, rec := range rows {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) sortedRows(table string) []domain.Record {
	rows := make([]domain.Record, 0, len(m.state.rows[table]))
	for _, rec := range m.state.rows[table] {
		rows = append(rows, rec.Clone())
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TxID < rows[j].TxID })
	return rows
}

func (m *memStore) List(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAuditFilter = filter
	var out []domain.AuditEntry
	for _, e := range m.state.audits {
		if filter.Table != "" && e.Table != filter.Table {
			continue
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.TxID != "" && e.TxID != filter.TxID {
			continue
		}
		out = append(out, e)
	}
	if filter.Order == domain.SortDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) History(_ context.Context, table, txID string) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.state.audits {
		if e.Table == table && e.TxID == txID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Load(_ context.Context, channelID string) (domain.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.SyncCursor{ChannelID: channelID, LastSequence: m.state.cursors[channelID]}, nil
}

func (m *memStore) audits() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.state.audits...)
}

func (m *memStore) rowCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.rows[table])
}

// tamper rewrites a stored field without going through the pipeline.
func (m *memStore) tamper(table, txID, field string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.state.rows[table][txID]
	rec.Fields[field] = value
	m.state.rows[table][txID] = rec
}

type memTx struct {
	store *memStore
	state memState
}

func (tx *memTx) Get(schema *domain.TableSchema, txID string) (domain.Record, error) {
	rec, ok := tx.state.rows[schema.Name][txID]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (tx *memTx) InsertRow(schema *domain.TableSchema, rec domain.Record) error {
	if _, ok := tx.state.rows[schema.Name][rec.TxID]; ok {
		return fmt.Errorf("duplicate tx_id %s", rec.TxID)
	}
	if tx.state.rows[schema.Name] == nil {
		tx.state.rows[schema.Name] = map[string]domain.Record{}
	}
	tx.state.rows[schema.Name][rec.TxID] = rec.Clone()
	return nil
}

func (tx *memTx) UpdateRow(schema *domain.TableSchema, rec domain.Record) error {
	if _, ok := tx.state.rows[schema.Name][rec.TxID]; !ok {
		return domain.ErrNotFound
	}
	tx.state.rows[schema.Name][rec.TxID] = rec.Clone()
	return nil
}

func (tx *memTx) MarkDeleted(schema *domain.TableSchema, txID string, at time.Time) error {
	rec, ok := tx.state.rows[schema.Name][txID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Deleted = true
	rec.UpdatedAt = at
	tx.state.rows[schema.Name][txID] = rec
	return nil
}

func (tx *memTx) DeleteRow(schema *domain.TableSchema, txID string) error {
	if _, ok := tx.state.rows[schema.Name][txID]; !ok {
		return domain.ErrNotFound
	}
	delete(tx.state.rows[schema.Name], txID)
	return nil
}

func (tx *memTx) AppendAudit(entry domain.AuditEntry) (domain.AuditEntry, error) {
	if tx.store.failAudit > 0 {
		tx.store.failAudit--
		return domain.AuditEntry{}, errors.New("forced audit failure")
	}
	for _, e := range tx.state.audits {
		if e.ChannelID == entry.ChannelID && e.Sequence == entry.Sequence {
			return domain.AuditEntry{}, fmt.Errorf("duplicate sequence %d", entry.Sequence)
		}
	}
	tx.store.nextAuditID++
	entry.ID = tx.store.nextAuditID
	tx.state.audits = append(tx.state.audits, entry)
	return entry, nil
}

func (tx *memTx) HasSequence(channelID string, sequence uint64) (bool, error) {
	for _, e := range tx.state.audits {
		if e.ChannelID == channelID && e.Sequence == sequence {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) AdvanceCursor(channelID string, sequence uint64) error {
	if sequence > tx.state.cursors[channelID] {
		tx.state.cursors[channelID] = sequence
	}
	return nil
}

type schemaRepoStub struct {
	saved []domain.TableSchema
}

func (r *schemaRepoStub) Save(_ context.Context, schemas []domain.TableSchema) error {
	r.saved = append(r.saved, schemas...)
	return nil
}

func (r *schemaRepoStub) List(_ context.Context) ([]domain.TableSchema, error) {
	return append([]domain.TableSchema(nil), r.saved...), nil
}

// ledgerStub keeps submitted payloads in memory. submitErrs is consumed one
// entry per Submit call; a nil entry lets that call succeed.
type ledgerStub struct {
	mu         sync.Mutex
	payloads   [][]byte
	submitErrs []error
	submits    int
	script     []domain.Delivery
}

func (l *ledgerStub) CreateChannel(_ context.Context, name string, _ domain.ChannelOptions) (domain.ChannelState, error) {
	return domain.ChannelState{ChannelID: "ch-" + name}, nil
}

func (l *ledgerStub) AttachChannel(_ context.Context, channelID string) (domain.ChannelState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := uint64(len(l.payloads))
	if n := len(l.script); n > 0 {
		last = l.script[n-1].Sequence
	}
	return domain.ChannelState{ChannelID: channelID, LastSequence: last}, nil
}

func (l *ledgerStub) Submit(_ context.Context, channelID string, payload []byte) (domain.LedgerReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		if err != nil {
			return domain.LedgerReceipt{}, err
		}
	}
	l.payloads = append(l.payloads, append([]byte(nil), payload...))
	return domain.LedgerReceipt{
		Status:      domain.LedgerSuccess,
		ChannelID:   channelID,
		Sequence:    uint64(len(l.payloads)),
		SubmittedAt: time.UnixMilli(1700000000000 + int64(len(l.payloads))).UTC(),
	}, nil
}

// Subscribe replays the script when one is set, otherwise the submitted
// payloads. Deliveries at or below after are still sent when scripted so
// redelivery can be tested.
func (l *ledgerStub) Subscribe(_ context.Context, _ string, after uint64) (ports.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.script != nil {
		return &stubSubscription{deliveries: append([]domain.Delivery(nil), l.script...)}, nil
	}
	var ds []domain.Delivery
	for i, p := range l.payloads {
		seq := uint64(i + 1)
		if seq <= after {
			continue
		}
		ds = append(ds, domain.Delivery{Sequence: seq, Timestamp: time.UnixMilli(1700000000000 + int64(seq)).UTC(), Payload: p})
	}
	return &stubSubscription{deliveries: ds}, nil
}

func (l *ledgerStub) Close() error { return nil }

func (l *ledgerStub) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

type stubSubscription struct {
	deliveries []domain.Delivery
	pos        int
}

func (s *stubSubscription) Next(ctx context.Context) (domain.Delivery, error) {
	if s.pos < len(s.deliveries) {
		d := s.deliveries[s.pos]
		s.pos++
		return d, nil
	}
	<-ctx.Done()
	return domain.Delivery{}, ctx.Err()
}

func (s *stubSubscription) Close() error { return nil }

type publisherStub struct {
	mu        sync.Mutex
	err       error
	published []domain.ChangeEvent
}

func (p *publisherStub) Publish(_ context.Context, event domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func (p *publisherStub) events() []domain.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChangeEvent(nil), p.published...)
}

func usersSchema() domain.TableSchema {
	return domain.TableSchema{
		Name: "users",
		Columns: []domain.ColumnDescriptor{
			{Name: "name", Type: domain.ColumnString},
			{Name: "email", Type: domain.ColumnString, Unique: true},
			{Name: "age", Type: domain.ColumnInteger, Nullable: true},
			{Name: "profile", Type: domain.ColumnJSON, Nullable: true},
			{Name: "active", Type: domain.ColumnBoolean, Default: true},
		},
	}
}

type fixture struct {
	store   *memStore
	schemas *SchemaService
	ledger  *ledgerStub
	client  *LedgerClient
	metrics *Metrics
	bus     *EventBus
	records *RecordService
	logger  *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	store := newMemStore()
	schemas := NewSchemaService(&schemaRepoStub{}, store)
	if err := schemas.Register(ctx, []domain.TableSchema{usersSchema()}); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	ledger := &ledgerStub{}
	metrics := NewMetrics()
	bus := NewEventBus(metrics)
	client := NewLedgerClient(ledger, nil, metrics, logger, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	if _, err := client.Create(ctx, "test", domain.ChannelOptions{}); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	return &fixture{
		store:   store,
		schemas: schemas,
		ledger:  ledger,
		client:  client,
		metrics: metrics,
		bus:     bus,
		records: NewRecordService(store, schemas, client, bus, metrics, logger),
		logger:  logger,
	}
}

func (f *fixture) syncEngine(opts SyncOptions) *SyncEngine {
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	if opts.RetryMaxDelay == 0 {
		opts.RetryMaxDelay = 5 * time.Millisecond
	}
	return NewSyncEngine(f.store, f.store, f.schemas, f.client, f.bus, f.metrics, f.logger, opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
