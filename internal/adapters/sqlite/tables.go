package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/canonical"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

// systemColumns are stored first in every audited table, in this order.
var systemColumns = []string{
	domain.ColTxID,
	domain.ColCreatedAt,
	domain.ColUpdatedAt,
	domain.ColVersion,
	domain.ColDataHash,
	domain.ColCreatorID,
	domain.ColDeleted,
}

// quoteIdent double-quotes an identifier. Callers only pass names that were
// resolved through the table schema.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlType(t domain.ColumnType) string {
	switch t {
	case domain.ColumnInteger, domain.ColumnBoolean:
		return "INTEGER"
	case domain.ColumnNumber:
		return "REAL"
	default:
		return "TEXT"
	}
}

func createTableStatements(schema *domain.TableSchema) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(schema.Name))
	b.WriteString("  tx_id TEXT PRIMARY KEY,\n")
	b.WriteString("  created_at INTEGER NOT NULL,\n")
	b.WriteString("  updated_at INTEGER NOT NULL,\n")
	b.WriteString("  version INTEGER NOT NULL,\n")
	b.WriteString("  data_hash TEXT NOT NULL,\n")
	b.WriteString("  creator_id TEXT NOT NULL,\n")
	b.WriteString("  is_deleted INTEGER NOT NULL DEFAULT 0")
	for _, col := range schema.Columns {
		fmt.Fprintf(&b, ",\n  %s %s", quoteIdent(col.Name), sqlType(col.Type))
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if col.Unique {
			b.WriteString(" UNIQUE")
		}
	}
	b.WriteString("\n)")

	return []string{
		b.String(),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(is_deleted, created_at)",
			quoteIdent("idx_"+schema.Name+"_live"), quoteIdent(schema.Name)),
	}
}

func selectColumns(schema *domain.TableSchema) string {
	cols := make([]string, 0, len(systemColumns)+len(schema.Columns))
	for _, c := range systemColumns {
		cols = append(cols, quoteIdent(c))
	}
	for _, c := range schema.Columns {
		cols = append(cols, quoteIdent(c.Name))
	}
	return strings.Join(cols, ", ")
}

// toSQL converts a normalized field value to its stored form.
func toSQL(col domain.ColumnDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case domain.ColumnBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case domain.ColumnJSON:
		raw, err := canonical.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", col.Name, err)
		}
		return string(raw), nil
	}
	return v, nil
}

// fromSQL converts a scanned value back to the normalized form used for
// hashing.
func fromSQL(col domain.ColumnDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case domain.ColumnString, domain.ColumnTimestamp:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case domain.ColumnInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		}
	case domain.ColumnNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case domain.ColumnBoolean:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case domain.ColumnJSON:
		var raw []byte
		switch s := v.(type) {
		case string:
			raw = []byte(s)
		case []byte:
			raw = s
		}
		if raw != nil {
			var out any
			if err := canonical.Decode(raw, &out); err != nil {
				return nil, fmt.Errorf("column %q: %w", col.Name, err)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("column %q: unexpected stored value %T", col.Name, v)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
