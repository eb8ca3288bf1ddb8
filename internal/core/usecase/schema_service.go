package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/canonical"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

// SchemaService owns the table registry. Tables are registered once and are
// read-only afterwards; every write is validated against the compiled
// JSON Schema of its table.
type SchemaService struct {
	repo  ports.SchemaRepository
	store ports.RecordStore

	mu       sync.RWMutex
	registry *domain.Registry
	compiled map[string]*santhosh.Schema
}

func NewSchemaService(repo ports.SchemaRepository, store ports.RecordStore) *SchemaService {
	return &SchemaService{repo: repo, store: store, compiled: map[string]*santhosh.Schema{}}
}

// Register validates the schemas, creates their tables and persists them.
// Re-registering an identical table is a no-op; changing one is rejected.
func (s *SchemaService) Register(ctx context.Context, schemas []domain.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.registry.Tables()
	var added []domain.TableSchema
	for _, schema := range schemas {
		existing, err := s.registry.Table(schema.Name)
		if err == nil {
			same, err := sameSchema(*existing, schema)
			if err != nil {
				return err
			}
			if !same {
				return domain.NewSchemaViolation(schema.Name, "table is already registered with a different definition")
			}
			continue
		}
		merged = append(merged, schema)
		added = append(added, schema)
	}
	if len(added) == 0 && s.registry != nil {
		return nil
	}

	registry, err := domain.NewRegistry(merged)
	if err != nil {
		return err
	}
	compiled := make(map[string]*santhosh.Schema, len(merged))
	for k, v := range s.compiled {
		compiled[k] = v
	}
	for _, schema := range added {
		table, _ := registry.Table(schema.Name)
		sch, err := compileTableSchema(table)
		if err != nil {
			return fmt.Errorf("compile schema %s: %w", schema.Name, err)
		}
		compiled[schema.Name] = sch
		if err := s.store.EnsureTable(ctx, table); err != nil {
			return fmt.Errorf("create table %s: %w", schema.Name, err)
		}
	}
	if len(added) > 0 {
		if err := s.repo.Save(ctx, added); err != nil {
			return fmt.Errorf("persist schemas: %w", err)
		}
	}

	s.registry = registry
	s.compiled = compiled
	return nil
}

// Load registers the schemas persisted by an earlier run.
func (s *SchemaService) Load(ctx context.Context) error {
	schemas, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	if len(schemas) == 0 {
		return nil
	}
	return s.Register(ctx, schemas)
}

func (s *SchemaService) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry != nil
}

func (s *SchemaService) Table(name string) (*domain.TableSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Table(name)
}

func (s *SchemaService) Tables() []domain.TableSchema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Tables()
}

// Normalize checks field names and coerces values to their storage form.
// JSON columns are passed through a canonical round trip so they hash the
// same before and after storage.
func (s *SchemaService) Normalize(schema *domain.TableSchema, fields map[string]any) (map[string]any, error) {
	out, err := schema.Normalize(fields)
	if err != nil {
		return nil, err
	}
	for name, v := range out {
		col, _ := schema.Column(name)
		if col.Type != domain.ColumnJSON || v == nil {
			continue
		}
		nv, err := canonical.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = nv
	}
	return out, nil
}

// Validate checks a complete row image against the table's JSON Schema.
func (s *SchemaService) Validate(schema *domain.TableSchema, fields map[string]any) error {
	s.mu.RLock()
	sch, ok := s.compiled[schema.Name]
	s.mu.RUnlock()
	if !ok {
		return domain.NewSchemaViolation(schema.Name, "unknown table")
	}

	doc, err := canonical.Normalize(fields)
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return domain.NewSchemaViolation(schema.Name, collectValidationErrors(ve)...)
		}
		return domain.NewSchemaViolation(schema.Name, err.Error())
	}
	return nil
}

// TableJSONSchema renders the JSON Schema document used to validate rows.
func TableJSONSchema(schema *domain.TableSchema) map[string]any {
	properties := make(map[string]any, len(schema.Columns))
	required := make([]any, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		prop := map[string]any{}
		switch col.Type {
		case domain.ColumnString:
			prop["type"] = "string"
		case domain.ColumnInteger:
			prop["type"] = "integer"
		case domain.ColumnNumber:
			prop["type"] = "number"
		case domain.ColumnBoolean:
			prop["type"] = "boolean"
		case domain.ColumnTimestamp:
			prop["type"] = "string"
			prop["format"] = "date-time"
		case domain.ColumnJSON:
		}
		if col.Nullable {
			if t, ok := prop["type"]; ok {
				prop["type"] = []any{t, "null"}
			}
		} else {
			if _, ok := prop["type"]; !ok {
				prop["not"] = map[string]any{"type": "null"}
			}
			if col.Default == nil {
				required = append(required, col.Name)
			}
		}
		properties[col.Name] = prop
	}
	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"title":                schema.Name,
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func compileTableSchema(schema *domain.TableSchema) (*santhosh.Schema, error) {
	raw, err := json.Marshal(TableJSONSchema(schema))
	if err != nil {
		return nil, err
	}
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	compiler.AssertFormat = true
	url := schema.Name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}

func sameSchema(a, b domain.TableSchema) (bool, error) {
	ab, err := canonical.Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := canonical.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
