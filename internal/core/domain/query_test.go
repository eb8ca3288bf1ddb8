package domain

import (
	"errors"
	"reflect"
	"testing"
)

func testSchema(t *testing.T) *TableSchema {
	t.Helper()
	s := &TableSchema{Name: "users", Columns: []ColumnDescriptor{
		{Name: "name", Type: ColumnString},
		{Name: "age", Type: ColumnInteger, Nullable: true},
	}}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return s
}

func TestFilterConditions(t *testing.T) {
	schema := testSchema(t)
	conds, err := Filter{
		"name":      "Alice",
		"age":       map[string]any{"$lte": 40, "$gte": 25},
		"createdAt": map[string]any{"$gt": "2024-01-01T00:00:00Z"},
	}.Conditions(schema)
	if err != nil {
		t.Fatalf("conditions: %v", err)
	}

	want := []Condition{
		{Column: "age", Op: OpGte, Operand: 25},
		{Column: "age", Op: OpLte, Operand: 40},
		{Column: ColCreatedAt, Op: OpGt, Operand: "2024-01-01T00:00:00Z"},
		{Column: "name", Op: OpEq, Operand: "Alice"},
	}
	if !reflect.DeepEqual(conds, want) {
		t.Fatalf("unexpected conditions:\n got %#v\nwant %#v", conds, want)
	}
}

func TestFilterConditionsNestedFilter(t *testing.T) {
	conds, err := Filter{"age": Filter{"$gte": 25, "$lt": 40}}.Conditions(testSchema(t))
	if err != nil {
		t.Fatalf("conditions: %v", err)
	}
	want := []Condition{
		{Column: "age", Op: OpGte, Operand: 25},
		{Column: "age", Op: OpLt, Operand: 40},
	}
	if !reflect.DeepEqual(conds, want) {
		t.Fatalf("unexpected conditions:\n got %#v\nwant %#v", conds, want)
	}
}

func TestFilterConditionsLists(t *testing.T) {
	conds, err := Filter{"name": map[string]any{"$in": []string{"a", "b"}}}.Conditions(testSchema(t))
	if err != nil {
		t.Fatalf("conditions: %v", err)
	}
	if got := conds[0].Operand; !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Fatalf("expected list operand, got %#v", got)
	}
}

func TestFilterConditionsRejects(t *testing.T) {
	schema := testSchema(t)
	cases := []struct {
		name   string
		filter Filter
		want   error
	}{
		{"unknown field", Filter{"password": "x"}, ErrSchemaViolation},
		{"injection attempt", Filter{"name; DROP TABLE users": "x"}, ErrSchemaViolation},
		{"unknown operator", Filter{"age": map[string]any{"$regex": "."}}, ErrInvalidFilter},
		{"empty in", Filter{"age": map[string]any{"$in": []any{}}}, ErrInvalidFilter},
		{"in without list", Filter{"age": map[string]any{"$in": 3}}, ErrInvalidFilter},
		{"like without string", Filter{"name": map[string]any{"$like": 3}}, ErrInvalidFilter},
		{"range without value", Filter{"age": map[string]any{"$gt": nil}}, ErrInvalidFilter},
		{"empty operator set", Filter{"age": map[string]any{}}, ErrInvalidFilter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.filter.Conditions(schema); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParseOrder(t *testing.T) {
	cases := map[string]OrderBy{
		"age":      {Field: "age"},
		"age asc":  {Field: "age"},
		"age DESC": {Field: "age", Desc: true},
		"-age":     {Field: "age", Desc: true},
	}
	for in, want := range cases {
		got, err := ParseOrder(in)
		if err != nil || got != want {
			t.Fatalf("ParseOrder(%q) = %+v, %v", in, got, err)
		}
	}
	if _, err := ParseOrder("age sideways"); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected invalid filter, got %v", err)
	}
}
