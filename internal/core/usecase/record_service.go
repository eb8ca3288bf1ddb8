package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/canonical"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// RecordService runs the audited mutation pipeline. Every mutation writes the
// row, publishes the ledger message and appends the audit entry inside one
// write transaction; if publishing fails nothing is committed.
type RecordService struct {
	store   ports.RecordStore
	schemas *SchemaService
	ledger  *LedgerClient
	bus     *EventBus
	metrics *Metrics
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewRecordService(store ports.RecordStore, schemas *SchemaService, ledger *LedgerClient, bus *EventBus, metrics *Metrics, logger *slog.Logger) *RecordService {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if bus == nil {
		bus = NewEventBus(metrics)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordService{
		store:   store,
		schemas: schemas,
		ledger:  ledger,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (s *RecordService) Insert(ctx context.Context, table string, fields map[string]any, meta domain.MutationMetadata) (domain.InsertResult, error) {
	res, err := s.insert(ctx, table, fields, meta)
	if err != nil {
		s.metrics.errors.Add(1)
		return domain.InsertResult{}, err
	}
	s.metrics.inserts.Add(1)
	return res, nil
}

func (s *RecordService) insert(ctx context.Context, table string, fields map[string]any, meta domain.MutationMetadata) (domain.InsertResult, error) {
	schema, err := s.schemas.Table(table)
	if err != nil {
		return domain.InsertResult{}, err
	}
	if err := schema.CheckFields(fields); err != nil {
		return domain.InsertResult{}, err
	}
	row := make(map[string]any, len(schema.Columns))
	for k, v := range fields {
		row[k] = v
	}
	schema.ApplyDefaults(row)
	// every column is materialized so the hash matches the row read back
	for _, col := range schema.Columns {
		if _, ok := row[col.Name]; !ok {
			row[col.Name] = nil
		}
	}

	normalized, err := s.schemas.Normalize(schema, row)
	if err != nil {
		return domain.InsertResult{}, err
	}
	if err := s.schemas.Validate(schema, normalized); err != nil {
		return domain.InsertResult{}, err
	}
	hash, err := canonical.HashFields(normalized)
	if err != nil {
		return domain.InsertResult{}, err
	}

	meta = meta.Normalize()
	rec := domain.Record{
		TxID:      s.newID(),
		Table:     table,
		Fields:    normalized,
		Version:   1,
		DataHash:  hash,
		CreatorID: meta.Actor,
		CreatedAt: meta.OccurredAt,
		UpdatedAt: meta.OccurredAt,
	}
	msg := newMessage(domain.OpInsert, rec, meta)
	msg.DataHash = hash
	msg.Data = normalized

	var receipt domain.LedgerReceipt
	err = s.store.WriteTx(ctx, func(tx ports.RecordTx) error {
		if err := tx.InsertRow(schema, rec); err != nil {
			return err
		}
		var err error
		receipt, err = s.publishAndAudit(ctx, tx, msg)
		return err
	})
	if err != nil {
		return domain.InsertResult{}, fmt.Errorf("insert into %s: %w", table, err)
	}

	s.emit(domain.EventMutation, msg, receipt)
	return domain.InsertResult{TxID: rec.TxID, Record: rec, Hash: hash, Ledger: receipt}, nil
}

func (s *RecordService) Update(ctx context.Context, table, txID string, patch map[string]any, meta domain.MutationMetadata, opts domain.UpdateOptions) (domain.UpdateResult, error) {
	res, err := s.update(ctx, table, txID, patch, meta, opts)
	if err != nil {
		s.metrics.errors.Add(1)
		return domain.UpdateResult{}, err
	}
	s.metrics.updates.Add(1)
	return res, nil
}

func (s *RecordService) update(ctx context.Context, table, txID string, patch map[string]any, meta domain.MutationMetadata, opts domain.UpdateOptions) (domain.UpdateResult, error) {
	schema, err := s.schemas.Table(table)
	if err != nil {
		return domain.UpdateResult{}, err
	}
	normalizedPatch, err := s.schemas.Normalize(schema, patch)
	if err != nil {
		return domain.UpdateResult{}, err
	}
	meta = meta.Normalize()

	var (
		result  domain.UpdateResult
		msg     domain.LedgerMessage
		receipt domain.LedgerReceipt
	)
	err = s.store.WriteTx(ctx, func(tx ports.RecordTx) error {
		current, err := tx.Get(schema, txID)
		if err != nil {
			return err
		}
		if current.Deleted {
			return domain.ErrNotFound
		}
		if opts.ExpectedVersion != 0 && current.Version != opts.ExpectedVersion {
			return fmt.Errorf("%w: %s is at version %d, expected %d", domain.ErrVersionConflict, txID, current.Version, opts.ExpectedVersion)
		}

		merged := current.Merge(normalizedPatch)
		if err := s.schemas.Validate(schema, merged); err != nil {
			return err
		}
		newHash, err := canonical.HashFields(merged)
		if err != nil {
			return err
		}

		next := current.Clone()
		next.Fields = merged
		next.Version = current.Version + 1
		next.DataHash = newHash
		next.UpdatedAt = meta.OccurredAt
		if err := tx.UpdateRow(schema, next); err != nil {
			return err
		}

		msg = newMessage(domain.OpUpdate, next, meta)
		msg.PreviousHash = current.DataHash
		msg.NewHash = newHash
		msg.Data = merged
		receipt, err = s.publishAndAudit(ctx, tx, msg)
		if err != nil {
			return err
		}

		result = domain.UpdateResult{
			Record:       next,
			PreviousHash: current.DataHash,
			NewHash:      newHash,
			Version:      next.Version,
			Ledger:       receipt,
		}
		return nil
	})
	if err != nil {
		return domain.UpdateResult{}, fmt.Errorf("update %s/%s: %w", table, txID, err)
	}

	s.emit(domain.EventMutation, msg, receipt)
	return result, nil
}

func (s *RecordService) Delete(ctx context.Context, table, txID string, meta domain.MutationMetadata, hard bool) (domain.DeleteResult, error) {
	res, err := s.delete(ctx, table, txID, meta, hard)
	if err != nil {
		s.metrics.errors.Add(1)
		return domain.DeleteResult{}, err
	}
	s.metrics.deletes.Add(1)
	return res, nil
}

func (s *RecordService) delete(ctx context.Context, table, txID string, meta domain.MutationMetadata, hard bool) (domain.DeleteResult, error) {
	schema, err := s.schemas.Table(table)
	if err != nil {
		return domain.DeleteResult{}, err
	}
	meta = meta.Normalize()

	var (
		result  domain.DeleteResult
		msg     domain.LedgerMessage
		receipt domain.LedgerReceipt
	)
	err = s.store.WriteTx(ctx, func(tx ports.RecordTx) error {
		current, err := tx.Get(schema, txID)
		if err != nil {
			return err
		}

		op := domain.OpDeleteSoft
		if hard {
			op = domain.OpDeleteHard
			if err := tx.DeleteRow(schema, txID); err != nil {
				return err
			}
		} else {
			if current.Deleted {
				return domain.ErrNotFound
			}
			if err := tx.MarkDeleted(schema, txID, meta.OccurredAt); err != nil {
				return err
			}
		}

		msg = newMessage(op, current, meta)
		msg.DataHash = current.DataHash
		receipt, err = s.publishAndAudit(ctx, tx, msg)
		if err != nil {
			return err
		}
		result = domain.DeleteResult{TxID: txID, Hard: hard, Hash: current.DataHash, Ledger: receipt}
		return nil
	})
	if err != nil {
		return domain.DeleteResult{}, fmt.Errorf("delete %s/%s: %w", table, txID, err)
	}

	s.emit(domain.EventMutation, msg, receipt)
	return result, nil
}

func (s *RecordService) Query(ctx context.Context, table string, opts domain.QueryOptions) ([]domain.Record, error) {
	schema, err := s.schemas.Table(table)
	if err != nil {
		s.metrics.errors.Add(1)
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultQueryLimit
	}
	if opts.Limit > maxQueryLimit {
		opts.Limit = maxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	for _, o := range opts.Order {
		if _, ok := schema.ResolveField(o.Field); !ok {
			s.metrics.errors.Add(1)
			return nil, domain.NewSchemaViolation(table, fmt.Sprintf("unknown order field %q", o.Field))
		}
	}

	records, err := s.store.Query(ctx, schema, opts)
	if err != nil {
		s.metrics.errors.Add(1)
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	s.metrics.queries.Add(1)
	return records, nil
}

// AnnounceSchema publishes a SCHEMA_INIT message carrying the registered
// tables, so a store rebuilt from the channel can register them before the
// first row arrives.
func (s *RecordService) AnnounceSchema(ctx context.Context, meta domain.MutationMetadata) (domain.LedgerReceipt, error) {
	tables := s.schemas.Tables()
	if len(tables) == 0 {
		return domain.LedgerReceipt{}, domain.ErrNotInitialized
	}
	meta = meta.Normalize()
	msg := domain.LedgerMessage{
		Type:      domain.OpSchemaInit,
		TxID:      s.newID(),
		Timestamp: meta.OccurredAt.UnixMilli(),
		Actor:     meta.Actor,
		Origin:    meta.Origin,
		Metadata:  meta.Public(),
		Schemas:   tables,
	}

	var receipt domain.LedgerReceipt
	err := s.store.WriteTx(ctx, func(tx ports.RecordTx) error {
		var err error
		receipt, err = s.publishAndAudit(ctx, tx, msg)
		return err
	})
	if err != nil {
		s.metrics.errors.Add(1)
		return domain.LedgerReceipt{}, fmt.Errorf("announce schema: %w", err)
	}
	s.emit(domain.EventMutation, msg, receipt)
	return receipt, nil
}

// publishAndAudit runs inside the write transaction: the audit entry carries
// the sequence and timestamp the channel assigned to the message.
func (s *RecordService) publishAndAudit(ctx context.Context, tx ports.RecordTx, msg domain.LedgerMessage) (domain.LedgerReceipt, error) {
	receipt, payload, err := s.ledger.Publish(ctx, msg)
	if err != nil {
		return domain.LedgerReceipt{}, err
	}
	entry := auditEntryFor(msg, receipt, payload, s.now())
	if _, err := tx.AppendAudit(entry); err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("append audit: %w", err)
	}
	return receipt, nil
}

func (s *RecordService) emit(kind domain.EventKind, msg domain.LedgerMessage, receipt domain.LedgerReceipt) {
	s.bus.Publish(changeEvent(kind, msg, receipt.Sequence, s.now()))
}

func newMessage(op domain.OperationType, rec domain.Record, meta domain.MutationMetadata) domain.LedgerMessage {
	return domain.LedgerMessage{
		Type:      op,
		Table:     rec.Table,
		TxID:      rec.TxID,
		Timestamp: meta.OccurredAt.UnixMilli(),
		Version:   rec.Version,
		Actor:     meta.Actor,
		Origin:    meta.Origin,
		Metadata:  meta.Public(),
	}
}

func auditEntryFor(msg domain.LedgerMessage, receipt domain.LedgerReceipt, payload []byte, committedAt time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		TxID:           msg.TxID,
		Table:          msg.Table,
		Operation:      msg.Type,
		DataHash:       msg.DeclaredHash(),
		PreviousHash:   msg.PreviousHash,
		NewHash:        msg.NewHash,
		Version:        msg.Version,
		Sequence:       receipt.Sequence,
		LedgerTime:     receipt.SubmittedAt.UTC(),
		ChannelID:      receipt.ChannelID,
		Metadata:       msg.Metadata,
		ActorID:        msg.Actor,
		OriginAddress:  msg.Origin,
		CommittedAt:    committedAt,
		MessagePayload: payload,
	}
}

func changeEvent(kind domain.EventKind, msg domain.LedgerMessage, sequence uint64, at time.Time) domain.ChangeEvent {
	return domain.ChangeEvent{
		Kind:      kind,
		Operation: msg.Type,
		Table:     msg.Table,
		TxID:      msg.TxID,
		Hash:      msg.DeclaredHash(),
		Version:   msg.Version,
		Sequence:  sequence,
		At:        at,
	}
}
