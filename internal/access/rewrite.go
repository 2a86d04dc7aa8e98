// Package access enforces per-role data visibility on generated query
// text. The rewriter is additive-only: it may inject predicates, never
// remove them, so a rewritten query is always at least as restrictive as
// its input.
package access

import (
	"fmt"
	"log/slog"
	"strings"
)

// Role is the caller's access level.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// Context carries the caller's identity for one request. Never persisted.
type Context struct {
	UserID string
	Role   Role
	Scope  string
}

const (
	defaultScopeColumn = "department"
	defaultOwnerColumn = "user_id"
)

// Rewriter injects visibility predicates into query text.
type Rewriter struct {
	scopeColumn string
	ownerColumn string
}

// NewRewriter creates a Rewriter. Empty column names fall back to the
// defaults ("department" and "user_id").
func NewRewriter(scopeColumn, ownerColumn string) *Rewriter {
	if scopeColumn == "" {
		scopeColumn = defaultScopeColumn
	}
	if ownerColumn == "" {
		ownerColumn = defaultOwnerColumn
	}
	return &Rewriter{scopeColumn: scopeColumn, ownerColumn: ownerColumn}
}

// Rewrite applies the role policy to queryText. Admins pass through
// unchanged. Managers get a scope predicate, users an ownership
// predicate, inserted as a WHERE clause when the query has none or
// appended with AND when it does. Unrecognized roles get the user
// policy: fail closed, never open.
func (r *Rewriter) Rewrite(queryText string, ac Context) string {
	switch ac.Role {
	case RoleAdmin:
		return queryText
	case RoleManager:
		if ac.Scope == "" {
			slog.Warn("manager without scope, applying ownership policy", "user_id", ac.UserID)
			return injectPredicate(queryText, r.ownerColumn, ac.UserID)
		}
		return injectPredicate(queryText, r.scopeColumn, ac.Scope)
	case RoleUser:
		return injectPredicate(queryText, r.ownerColumn, ac.UserID)
	default:
		slog.Warn("unrecognized role, applying most restrictive policy",
			"role", string(ac.Role), "user_id", ac.UserID)
		return injectPredicate(queryText, r.ownerColumn, ac.UserID)
	}
}

// injectPredicate adds "column = 'value'" to the query's filter. The
// predicate lands before any GROUP BY, ORDER BY or LIMIT clause.
func injectPredicate(queryText, column, value string) string {
	s := strings.TrimRight(strings.TrimSpace(queryText), ";")
	s = strings.TrimSpace(s)
	if s == "" {
		return queryText
	}

	pred := fmt.Sprintf("%s = '%s'", column, strings.ReplaceAll(value, "'", "''"))
	masked := upperMasked(s)

	insertAt := len(s)
	for _, kw := range []string{"GROUP BY", "ORDER BY", "LIMIT"} {
		if pos := indexTopLevel(masked, kw); pos >= 0 && pos < insertAt {
			insertAt = pos
		}
	}

	var clause string
	if indexTopLevel(masked, "WHERE") >= 0 {
		clause = "AND " + pred
	} else {
		clause = "WHERE " + pred
	}

	head := strings.TrimRight(s[:insertAt], " \t\n")
	tail := s[insertAt:]
	if tail == "" {
		return head + " " + clause
	}
	return head + " " + clause + " " + strings.TrimLeft(tail, " \t\n")
}

// upperMasked uppercases s and blanks single-quoted literals so keyword
// searches never match inside string values.
func upperMasked(s string) string {
	out := []byte(strings.ToUpper(s))
	inLiteral := false
	for i := range out {
		if s[i] == '\'' {
			inLiteral = !inLiteral
			out[i] = 0
			continue
		}
		if inLiteral {
			out[i] = 0
		}
	}
	return string(out)
}

// indexTopLevel finds the first paren-depth-zero occurrence of a keyword
// with word boundaries. Returns -1 if absent.
func indexTopLevel(masked, kw string) int {
	depth := 0
	for i := 0; i+len(kw) <= len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if masked[i:i+len(kw)] != kw {
			continue
		}
		if i > 0 && isWordByte(masked[i-1]) {
			continue
		}
		if i+len(kw) < len(masked) && isWordByte(masked[i+len(kw)]) {
			continue
		}
		return i
	}
	return -1
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
