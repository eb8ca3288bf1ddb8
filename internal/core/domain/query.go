package domain

import (
	"fmt"
	"sort"
	"strings"
)

type FilterOp string

const (
	OpEq   FilterOp = "$eq"
	OpNe   FilterOp = "$ne"
	OpGt   FilterOp = "$gt"
	OpGte  FilterOp = "$gte"
	OpLt   FilterOp = "$lt"
	OpLte  FilterOp = "$lte"
	OpIn   FilterOp = "$in"
	OpNin  FilterOp = "$nin"
	OpLike FilterOp = "$like"
)

// Filter maps a field to either a plain value (equality) or to a
// map[string]any of operator → operand, e.g. {"age": {"$gte": 25}}.
type Filter map[string]any

type OrderBy struct {
	Field string
	Desc  bool
}

type QueryOptions struct {
	Filter         Filter
	Order          []OrderBy
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// Condition is one resolved predicate: a whitelisted column, an operator and
// the operand that will be bound as a parameter.
type Condition struct {
	Column  string
	Op      FilterOp
	Operand any
}

// ParseOrder accepts "field", "field asc", "field desc" or "-field".
func ParseOrder(spec string) (OrderBy, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return OrderBy{}, ErrInvalidFilter
	}
	if strings.HasPrefix(spec, "-") {
		return OrderBy{Field: spec[1:], Desc: true}, nil
	}
	parts := strings.Fields(spec)
	switch len(parts) {
	case 1:
		return OrderBy{Field: parts[0]}, nil
	case 2:
		switch strings.ToLower(parts[1]) {
		case "asc":
			return OrderBy{Field: parts[0]}, nil
		case "desc":
			return OrderBy{Field: parts[0], Desc: true}, nil
		}
	}
	return OrderBy{}, fmt.Errorf("%w: order %q", ErrInvalidFilter, spec)
}

// Conditions resolves the filter against the schema whitelist. Field names
// are never used verbatim; operands are returned for parameter binding.
// The result is ordered by field name so generated SQL is stable.
func (f Filter) Conditions(schema *TableSchema) ([]Condition, error) {
	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var conds []Condition
	for _, field := range fields {
		column, ok := schema.ResolveField(field)
		if !ok {
			return nil, NewSchemaViolation(schema.Name, fmt.Sprintf("unknown field %q in filter", field))
		}

		var ops map[string]any
		switch v := f[field].(type) {
		case Filter:
			ops = v
		case map[string]any:
			ops = v
		default:
			conds = append(conds, Condition{Column: column, Op: OpEq, Operand: f[field]})
			continue
		}
		if len(ops) == 0 {
			return nil, fmt.Errorf("%w: empty operator set for %q", ErrInvalidFilter, field)
		}

		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}
		sort.Strings(names)
		for _, name := range names {
			op := FilterOp(name)
			operand := ops[name]
			switch op {
			case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
				if operand == nil && op != OpEq && op != OpNe {
					return nil, fmt.Errorf("%w: %s on %q needs a value", ErrInvalidFilter, op, field)
				}
			case OpIn, OpNin:
				list, ok := toList(operand)
				if !ok || len(list) == 0 {
					return nil, fmt.Errorf("%w: %s on %q needs a non-empty list", ErrInvalidFilter, op, field)
				}
				operand = list
			case OpLike:
				if _, ok := operand.(string); !ok {
					return nil, fmt.Errorf("%w: $like on %q needs a string pattern", ErrInvalidFilter, field)
				}
			default:
				return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, name)
			}
			conds = append(conds, Condition{Column: column, Op: op, Operand: operand})
		}
	}
	return conds, nil
}

func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
