package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

const scanBatchSize = 500

// RecordStore keeps audited rows in one SQLite table per schema. All writes
// go through the single-connection writer pool.
type RecordStore struct {
	db *gormsqlite.DB
}

func NewRecordStore(db *gormsqlite.DB) *RecordStore {
	return &RecordStore{db: db}
}

var _ ports.RecordStore = (*RecordStore)(nil)

func (s *RecordStore) EnsureTable(ctx context.Context, schema *domain.TableSchema) error {
	return s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		for _, stmt := range createTableStatements(schema) {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("create table %s: %w", schema.Name, err)
			}
		}
		return nil
	})
}

func (s *RecordStore) WriteTx(ctx context.Context, fn func(tx ports.RecordTx) error) error {
	return s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return fn(&recordTx{db: tx.DB})
	})
}

func (s *RecordStore) Get(ctx context.Context, schema *domain.TableSchema, txID string) (domain.Record, error) {
	var rec domain.Record
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		var err error
		rec, err = getRow(tx.DB, schema, txID)
		return err
	})
	return rec, err
}

func (s *RecordStore) Query(ctx context.Context, schema *domain.TableSchema, opts domain.QueryOptions) ([]domain.Record, error) {
	q, err := buildSelect(schema, opts)
	if err != nil {
		return nil, err
	}
	var out []domain.Record
	err = s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		out, err = queryRows(tx.DB, schema, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan pages through the table by tx_id. fn runs outside any transaction so
// it may issue its own reads.
func (s *RecordStore) Scan(ctx context.Context, schema *domain.TableSchema, fn func(domain.Record) error) error {
	after := ""
	for {
		q := selectQuery{
			SQL: fmt.Sprintf("SELECT %s FROM %s WHERE tx_id > ? ORDER BY tx_id ASC LIMIT ?",
				selectColumns(schema), quoteIdent(schema.Name)),
			Args: []any{after, scanBatchSize},
		}
		var batch []domain.Record
		err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
			var err error
			batch, err = queryRows(tx.DB, schema, q)
			return err
		})
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(batch) < scanBatchSize {
			return nil
		}
		after = batch[len(batch)-1].TxID
	}
}

type recordTx struct {
	db *gorm.DB
}

func (t *recordTx) Get(schema *domain.TableSchema, txID string) (domain.Record, error) {
	return getRow(t.db, schema, txID)
}

func (t *recordTx) InsertRow(schema *domain.TableSchema, rec domain.Record) error {
	cols := append([]string(nil), systemColumns...)
	args := []any{
		rec.TxID,
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
		rec.Version,
		rec.DataHash,
		rec.CreatorID,
		boolInt(rec.Deleted),
	}
	for _, col := range schema.Columns {
		v, err := toSQL(col, rec.Fields[col.Name])
		if err != nil {
			return err
		}
		cols = append(cols, col.Name)
		args = append(args, v)
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(schema.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if err := t.db.Exec(stmt, args...).Error; err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

func (t *recordTx) UpdateRow(schema *domain.TableSchema, rec domain.Record) error {
	sets := []string{"updated_at = ?", "version = ?", "data_hash = ?", "is_deleted = ?"}
	args := []any{toMillis(rec.UpdatedAt), rec.Version, rec.DataHash, boolInt(rec.Deleted)}
	for _, col := range schema.Columns {
		v, err := toSQL(col, rec.Fields[col.Name])
		if err != nil {
			return err
		}
		sets = append(sets, quoteIdent(col.Name)+" = ?")
		args = append(args, v)
	}
	args = append(args, rec.TxID)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE tx_id = ?", quoteIdent(schema.Name), strings.Join(sets, ", "))
	res := t.db.Exec(stmt, args...)
	if res.Error != nil {
		return fmt.Errorf("update row: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *recordTx) MarkDeleted(schema *domain.TableSchema, txID string, at time.Time) error {
	stmt := fmt.Sprintf("UPDATE %s SET is_deleted = 1, updated_at = ? WHERE tx_id = ?", quoteIdent(schema.Name))
	res := t.db.Exec(stmt, toMillis(at), txID)
	if res.Error != nil {
		return fmt.Errorf("soft delete row: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *recordTx) DeleteRow(schema *domain.TableSchema, txID string) error {
	res := t.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE tx_id = ?", quoteIdent(schema.Name)), txID)
	if res.Error != nil {
		return fmt.Errorf("delete row: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *recordTx) AppendAudit(entry domain.AuditEntry) (domain.AuditEntry, error) {
	model, err := toAuditModel(entry)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	if err := t.db.Create(&model).Error; err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	entry.ID = model.ID
	return entry, nil
}

func (t *recordTx) HasSequence(channelID string, sequence uint64) (bool, error) {
	var n int64
	err := t.db.Model(&auditEntryModel{}).
		Where("channel_id = ? AND sequence = ?", channelID, int64(sequence)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check sequence: %w", err)
	}
	return n > 0, nil
}

func (t *recordTx) AdvanceCursor(channelID string, sequence uint64) error {
	return advanceCursor(t.db, channelID, sequence, time.Now())
}

func getRow(db *gorm.DB, schema *domain.TableSchema, txID string) (domain.Record, error) {
	recs, err := queryRows(db, schema, selectQuery{
		SQL:  fmt.Sprintf("SELECT %s FROM %s WHERE tx_id = ?", selectColumns(schema), quoteIdent(schema.Name)),
		Args: []any{txID},
	})
	if err != nil {
		return domain.Record{}, err
	}
	if len(recs) == 0 {
		return domain.Record{}, domain.ErrNotFound
	}
	return recs[0], nil
}

func queryRows(db *gorm.DB, schema *domain.TableSchema, q selectQuery) ([]domain.Record, error) {
	rows, err := db.Raw(q.SQL, q.Args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", schema.Name, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows, schema)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", schema.Name, err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows, schema *domain.TableSchema) (domain.Record, error) {
	var (
		rec              domain.Record
		created, updated int64
		deleted          int64
	)
	values := make([]any, len(schema.Columns))
	dest := []any{&rec.TxID, &created, &updated, &rec.Version, &rec.DataHash, &rec.CreatorID, &deleted}
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return domain.Record{}, fmt.Errorf("scan %s: %w", schema.Name, err)
	}

	rec.Table = schema.Name
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	rec.Deleted = deleted != 0
	rec.Fields = make(map[string]any, len(schema.Columns))
	for i, col := range schema.Columns {
		v, err := fromSQL(col, values[i])
		if err != nil {
			return domain.Record{}, err
		}
		rec.Fields[col.Name] = v
	}
	return rec, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
