package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type ColumnType string

const (
	ColumnString    ColumnType = "string"
	ColumnInteger   ColumnType = "integer"
	ColumnNumber    ColumnType = "number"
	ColumnBoolean   ColumnType = "boolean"
	ColumnJSON      ColumnType = "json"
	ColumnTimestamp ColumnType = "timestamp"
)

// System column names as stored in every audited table.
const (
	ColTxID      = "tx_id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColVersion   = "version"
	ColDataHash  = "data_hash"
	ColCreatorID = "creator_id"
	ColDeleted   = "is_deleted"
)

// systemFields maps caller-facing system field names to their columns.
var systemFields = map[string]string{
	"txId":      ColTxID,
	"createdAt": ColCreatedAt,
	"updatedAt": ColUpdatedAt,
	"version":   ColVersion,
	"dataHash":  ColDataHash,
	"creatorId": ColCreatorID,
	"isDeleted": ColDeleted,
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

type ColumnDescriptor struct {
	Name     string     `json:"name" yaml:"name"`
	Type     ColumnType `json:"type" yaml:"type"`
	Nullable bool       `json:"nullable,omitempty" yaml:"nullable"`
	Unique   bool       `json:"unique,omitempty" yaml:"unique"`
	Default  any        `json:"default,omitempty" yaml:"default"`
}

// TableSchema describes one audited table. It is validated once when the
// database is initialized and treated as read-only afterwards.
type TableSchema struct {
	Name    string             `json:"name" yaml:"name"`
	Columns []ColumnDescriptor `json:"columns" yaml:"columns"`

	index map[string]int
}

func (s *TableSchema) Validate() error {
	if !identifierPattern.MatchString(s.Name) {
		return NewSchemaViolation(s.Name, "invalid table name")
	}
	if strings.HasPrefix(strings.ToLower(s.Name), "sqlite_") || IsSystemTable(s.Name) {
		return NewSchemaViolation(s.Name, "reserved table name")
	}
	if len(s.Columns) == 0 {
		return NewSchemaViolation(s.Name, "table has no columns")
	}

	var problems []string
	seen := make(map[string]bool, len(s.Columns))
	for _, col := range s.Columns {
		lower := strings.ToLower(col.Name)
		switch {
		case !identifierPattern.MatchString(col.Name):
			problems = append(problems, fmt.Sprintf("invalid column name %q", col.Name))
		case isSystemColumn(lower) || systemFields[col.Name] != "":
			problems = append(problems, fmt.Sprintf("column %q collides with a system column", col.Name))
		case seen[lower]:
			problems = append(problems, fmt.Sprintf("duplicate column %q", col.Name))
		}
		seen[lower] = true

		switch col.Type {
		case ColumnString, ColumnInteger, ColumnNumber, ColumnBoolean, ColumnJSON, ColumnTimestamp:
		default:
			problems = append(problems, fmt.Sprintf("column %q has unknown type %q", col.Name, col.Type))
		}
	}
	if len(problems) > 0 {
		return NewSchemaViolation(s.Name, problems...)
	}

	s.index = make(map[string]int, len(s.Columns))
	for i, col := range s.Columns {
		s.index[col.Name] = i
	}
	return nil
}

// Column returns the descriptor for a domain column.
func (s *TableSchema) Column(name string) (ColumnDescriptor, bool) {
	if s.index == nil {
		for _, col := range s.Columns {
			if col.Name == name {
				return col, true
			}
		}
		return ColumnDescriptor{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return ColumnDescriptor{}, false
	}
	return s.Columns[i], true
}

// ResolveField maps a caller-supplied field name to a whitelisted column name.
// Only registered domain columns and the fixed system fields resolve.
func (s *TableSchema) ResolveField(name string) (string, bool) {
	if col, ok := systemFields[name]; ok {
		return col, true
	}
	if col, ok := s.Column(name); ok {
		return col.Name, true
	}
	return "", false
}

// CheckFields rejects any key that is not a declared domain column.
func (s *TableSchema) CheckFields(fields map[string]any) error {
	var unknown []string
	for name := range fields {
		if _, ok := s.Column(name); !ok {
			unknown = append(unknown, fmt.Sprintf("unknown field %q", name))
		}
	}
	if len(unknown) > 0 {
		return NewSchemaViolation(s.Name, unknown...)
	}
	return nil
}

// Normalize converts field values to the Go representation used for storage
// and hashing, so a value hashed on write hashes identically after a read.
func (s *TableSchema) Normalize(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	var problems []string
	for name, value := range fields {
		col, ok := s.Column(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown field %q", name))
			continue
		}
		v, err := NormalizeValue(col, value)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		out[name] = v
	}
	if len(problems) > 0 {
		return nil, NewSchemaViolation(s.Name, problems...)
	}
	return out, nil
}

// ApplyDefaults fills absent columns that declare a default.
func (s *TableSchema) ApplyDefaults(fields map[string]any) {
	for _, col := range s.Columns {
		if _, ok := fields[col.Name]; ok || col.Default == nil {
			continue
		}
		fields[col.Name] = col.Default
	}
}

// NormalizeValue coerces a single value to the column's canonical Go type.
func NormalizeValue(col ColumnDescriptor, value any) (any, error) {
	if value == nil {
		if !col.Nullable {
			return nil, fmt.Errorf("field %q is not nullable", col.Name)
		}
		return nil, nil
	}

	switch col.Type {
	case ColumnString:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case ColumnInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint32:
			return int64(v), nil
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i, nil
			}
		case uint64:
			if v <= 1<<63-1 {
				return int64(v), nil
			}
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		}
	case ColumnNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, nil
			}
		}
	case ColumnBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		}
	case ColumnTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("field %q: invalid timestamp %q", col.Name, v)
			}
			return t.UTC().Format(time.RFC3339Nano), nil
		}
	case ColumnJSON:
		return value, nil
	}
	return nil, fmt.Errorf("field %q: expected %s, got %T", col.Name, col.Type, value)
}

func isSystemColumn(name string) bool {
	switch name {
	case ColTxID, ColCreatedAt, ColUpdatedAt, ColVersion, ColDataHash, ColCreatorID, ColDeleted:
		return true
	}
	return false
}

// IsSystemTable reports whether name is used by the bookkeeping tables.
func IsSystemTable(name string) bool {
	switch strings.ToLower(name) {
	case "audit_entries", "sync_cursors", "table_schemas", "ledger_channels", "goose_db_version":
		return true
	}
	return false
}

// Registry holds the validated schemas for one database instance.
type Registry struct {
	tables []TableSchema
	byName map[string]int
}

func NewRegistry(schemas []TableSchema) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(schemas))}
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, NewSchemaViolation(s.Name, "table declared twice")
		}
		r.byName[s.Name] = len(r.tables)
		r.tables = append(r.tables, s)
	}
	return r, nil
}

// Table returns the schema for name, or a SchemaViolationError.
func (r *Registry) Table(name string) (*TableSchema, error) {
	if r == nil {
		return nil, ErrNotInitialized
	}
	i, ok := r.byName[name]
	if !ok {
		return nil, NewSchemaViolation(name, "unknown table")
	}
	return &r.tables[i], nil
}

func (r *Registry) Tables() []TableSchema {
	if r == nil {
		return nil
	}
	out := make([]TableSchema, len(r.tables))
	copy(out, r.tables)
	return out
}
