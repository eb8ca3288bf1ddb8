package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type selectQuery struct {
	SQL  string
	Args []any
}

// buildSelect renders a parameterized SELECT for the table. Identifiers only
// ever come from the schema; every operand is a bound argument.
func buildSelect(schema *domain.TableSchema, opts domain.QueryOptions) (selectQuery, error) {
	conds, err := opts.Filter.Conditions(schema)
	if err != nil {
		return selectQuery{}, err
	}

	var (
		where []string
		args  []any
	)
	if !opts.IncludeDeleted {
		where = append(where, quoteIdent(domain.ColDeleted)+" = 0")
	}
	for _, c := range conds {
		clause, cargs, err := conditionSQL(schema, c)
		if err != nil {
			return selectQuery{}, err
		}
		where = append(where, clause)
		args = append(args, cargs...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", selectColumns(schema), quoteIdent(schema.Name))
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	order := make([]string, 0, len(opts.Order)+1)
	for _, o := range opts.Order {
		col, ok := schema.ResolveField(o.Field)
		if !ok {
			return selectQuery{}, domain.NewSchemaViolation(schema.Name, fmt.Sprintf("unknown order field %q", o.Field))
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		order = append(order, quoteIdent(col)+" "+dir)
	}
	if len(order) == 0 {
		order = append(order, quoteIdent(domain.ColCreatedAt)+" ASC")
	}
	order = append(order, quoteIdent(domain.ColTxID)+" ASC")
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(order, ", "))

	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			b.WriteString(" OFFSET ?")
			args = append(args, opts.Offset)
		}
	}
	return selectQuery{SQL: b.String(), Args: args}, nil
}

func conditionSQL(schema *domain.TableSchema, c domain.Condition) (string, []any, error) {
	col := quoteIdent(c.Column)
	switch c.Op {
	case domain.OpEq, domain.OpNe:
		if c.Operand == nil {
			if c.Op == domain.OpEq {
				return col + " IS NULL", nil, nil
			}
			return col + " IS NOT NULL", nil, nil
		}
		v, err := bindOperand(schema, c.Column, c.Operand)
		if err != nil {
			return "", nil, err
		}
		if c.Op == domain.OpEq {
			return col + " = ?", []any{v}, nil
		}
		return col + " <> ?", []any{v}, nil
	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		v, err := bindOperand(schema, c.Column, c.Operand)
		if err != nil {
			return "", nil, err
		}
		return col + " " + comparison[c.Op] + " ?", []any{v}, nil
	case domain.OpIn, domain.OpNin:
		list := c.Operand.([]any)
		marks := make([]string, len(list))
		args := make([]any, len(list))
		for i, item := range list {
			v, err := bindOperand(schema, c.Column, item)
			if err != nil {
				return "", nil, err
			}
			marks[i] = "?"
			args[i] = v
		}
		kw := " IN "
		if c.Op == domain.OpNin {
			kw = " NOT IN "
		}
		return col + kw + "(" + strings.Join(marks, ", ") + ")", args, nil
	case domain.OpLike:
		return col + " LIKE ?", []any{c.Operand}, nil
	}
	return "", nil, fmt.Errorf("%w: unknown operator %q", domain.ErrInvalidFilter, c.Op)
}

var comparison = map[domain.FilterOp]string{
	domain.OpGt:  ">",
	domain.OpGte: ">=",
	domain.OpLt:  "<",
	domain.OpLte: "<=",
}

// bindOperand converts a filter operand to the representation stored in the
// column, so comparisons happen in the column's own domain.
func bindOperand(schema *domain.TableSchema, column string, operand any) (any, error) {
	switch column {
	case domain.ColCreatedAt, domain.ColUpdatedAt:
		return millisOperand(column, operand)
	case domain.ColDeleted:
		if b, ok := operand.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return operand, nil
	case domain.ColTxID, domain.ColVersion, domain.ColDataHash, domain.ColCreatorID:
		return operand, nil
	}

	col, ok := schema.Column(column)
	if !ok {
		return nil, domain.NewSchemaViolation(schema.Name, fmt.Sprintf("unknown field %q in filter", column))
	}
	v, err := domain.NormalizeValue(col, operand)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}
	return toSQL(col, v)
}

func millisOperand(column string, operand any) (any, error) {
	switch v := operand.(type) {
	case time.Time:
		return toMillis(v), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s expects RFC 3339 or epoch milliseconds, got %q", domain.ErrInvalidFilter, column, v)
		}
		return toMillis(t), nil
	case int, int64, float64:
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s expects a time, got %T", domain.ErrInvalidFilter, column, operand)
}
