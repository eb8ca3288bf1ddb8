package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

// RecordTx is the view of one write transaction. Nothing is visible to other
// readers until the callback passed to RecordStore.WriteTx returns nil.
type RecordTx interface {
	// Get loads a row including soft-deleted ones.
	Get(schema *domain.TableSchema, txID string) (domain.Record, error)
	InsertRow(schema *domain.TableSchema, rec domain.Record) error
	UpdateRow(schema *domain.TableSchema, rec domain.Record) error
	MarkDeleted(schema *domain.TableSchema, txID string, at time.Time) error
	DeleteRow(schema *domain.TableSchema, txID string) error
	AppendAudit(entry domain.AuditEntry) (domain.AuditEntry, error)
	HasSequence(channelID string, sequence uint64) (bool, error)
	AdvanceCursor(channelID string, sequence uint64) error
}

type RecordStore interface {
	EnsureTable(ctx context.Context, schema *domain.TableSchema) error
	WriteTx(ctx context.Context, fn func(tx RecordTx) error) error
	Get(ctx context.Context, schema *domain.TableSchema, txID string) (domain.Record, error)
	Query(ctx context.Context, schema *domain.TableSchema, opts domain.QueryOptions) ([]domain.Record, error)
	// Scan visits every row of the table, soft-deleted rows included.
	Scan(ctx context.Context, schema *domain.TableSchema, fn func(domain.Record) error) error
}
