// Package plan converts between a structured, inspectable query plan and
// literal SQL text, in both directions. The structured form is what the
// role rewriter and the execution collaborator consume; the text form is
// what generation backends produce.
package plan

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoTables is returned for a plan with an empty table list.
var ErrNoTables = errors.New("query plan has no tables")

// Join is one JOIN clause. Kind is INNER, LEFT, RIGHT or FULL; empty
// means INNER.
type Join struct {
	Table string
	On    string
	Kind  string
}

// Predicate is one WHERE condition. Only comparison operators are
// representable; richer conditions are out of the plan's vocabulary.
type Predicate struct {
	Field    string
	Operator string
	Value    string
}

// QueryPlan is a structured query. The first table is the implicit
// primary relation for unqualified predicates.
type QueryPlan struct {
	Tables     []string
	Fields     []string
	Joins      []Join
	Predicates []Predicate
	GroupBy    []string
	OrderBy    []string
	Limit      int // 0 = absent
}

// Validate checks the plan's structural invariants.
func (p QueryPlan) Validate() error {
	if len(p.Tables) == 0 {
		return ErrNoTables
	}
	return nil
}

// supportedOperators lists the recognized predicate operators, longest
// first so two-character operators win the match over their one-character
// prefixes.
var supportedOperators = []string{"<>", "!=", ">=", "<=", "=", ">", "<"}

// SupportedOperator reports whether op is in the converter's vocabulary.
func SupportedOperator(op string) bool {
	for _, s := range supportedOperators {
		if op == s {
			return true
		}
	}
	return false
}

// ToText renders the plan as SQL in fixed clause order: projection,
// source, joins, predicates, grouping, ordering, limit. Deterministic:
// the same plan always renders to the same text.
func ToText(p QueryPlan) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	var sb strings.Builder

	sb.WriteString("SELECT ")
	if len(p.Fields) == 0 {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(p.Fields, ", "))
	}

	sb.WriteString(" FROM ")
	sb.WriteString(strings.Join(p.Tables, ", "))

	for _, j := range p.Joins {
		kind := strings.ToUpper(strings.TrimSpace(j.Kind))
		if kind == "" {
			kind = "INNER"
		}
		fmt.Fprintf(&sb, " %s JOIN %s ON %s", kind, j.Table, j.On)
	}

	if len(p.Predicates) > 0 {
		sb.WriteString(" WHERE ")
		parts := make([]string, len(p.Predicates))
		for i, pred := range p.Predicates {
			parts[i] = fmt.Sprintf("%s %s %s", pred.Field, pred.Operator, RenderValue(pred.Value))
		}
		sb.WriteString(strings.Join(parts, " AND "))
	}

	if len(p.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(p.GroupBy, ", "))
	}

	if len(p.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(p.OrderBy, ", "))
	}

	if p.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", p.Limit)
	}

	return sb.String(), nil
}
