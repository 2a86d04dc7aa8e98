package plan

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// TextToPlan extracts a structured plan from SQL text by clause pattern
// matching. Extraction is best-effort with documented information loss:
// predicates using operators outside the supported set, join clauses
// without an ON condition, and OR-connected conditions are dropped from
// the plan with a logged warning, never silently round-tripped.
func TextToPlan(text string) (QueryPlan, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimSuffix(s, ";")
	s = strings.TrimSpace(s)

	masked := maskLiterals(s)

	if !hasKeywordAt(masked, "SELECT", 0) {
		return QueryPlan{}, fmt.Errorf("unrecognized query shape: expected SELECT")
	}

	posFrom := indexKeyword(masked, "FROM", 0)
	if posFrom < 0 {
		return QueryPlan{}, fmt.Errorf("unrecognized query shape: no FROM clause")
	}

	posWhere := indexKeyword(masked, "WHERE", posFrom)
	posGroup := indexKeyword(masked, "GROUP BY", posFrom)
	posOrder := indexKeyword(masked, "ORDER BY", posFrom)
	posLimit := indexKeyword(masked, "LIMIT", posFrom)

	boundary := func(from int) int {
		end := len(s)
		for _, p := range []int{posWhere, posGroup, posOrder, posLimit} {
			if p >= from && p < end {
				end = p
			}
		}
		return end
	}

	var p QueryPlan

	// Projection list.
	projection := strings.TrimSpace(s[len("SELECT"):posFrom])
	if projection != "*" && projection != "" {
		p.Fields = splitTopLevel(projection, masked[len("SELECT"):posFrom], ',')
	}

	// Source tables run from FROM to the first join or the next clause.
	joins := findJoins(masked, posFrom+len("FROM"), boundary(posFrom))
	tablesEnd := boundary(posFrom)
	if len(joins) > 0 {
		tablesEnd = joins[0].start
	}
	tablesRaw := s[posFrom+len("FROM") : tablesEnd]
	p.Tables = splitTopLevel(tablesRaw, masked[posFrom+len("FROM"):tablesEnd], ',')
	if len(p.Tables) == 0 {
		return QueryPlan{}, fmt.Errorf("unrecognized query shape: empty table list")
	}

	// Joins.
	for i, j := range joins {
		segEnd := boundary(j.onEnd)
		if i+1 < len(joins) && joins[i+1].start < segEnd {
			segEnd = joins[i+1].start
		}
		seg := s[j.onEnd:segEnd]
		segMasked := masked[j.onEnd:segEnd]
		posOn := indexKeyword(segMasked, "ON", 0)
		if posOn < 0 {
			slog.Warn("plan conversion dropped join without ON condition", "join", strings.TrimSpace(seg))
			continue
		}
		table := strings.TrimSpace(seg[:posOn])
		cond := strings.TrimSpace(seg[posOn+len("ON"):])
		if table == "" || cond == "" {
			slog.Warn("plan conversion dropped malformed join", "join", strings.TrimSpace(seg))
			continue
		}
		p.Joins = append(p.Joins, Join{Table: table, On: cond, Kind: j.kind})
	}

	// Predicates: split the WHERE clause on top-level AND.
	if posWhere >= 0 {
		end := len(s)
		for _, pos := range []int{posGroup, posOrder, posLimit} {
			if pos > posWhere && pos < end {
				end = pos
			}
		}
		whereRaw := s[posWhere+len("WHERE") : end]
		whereMasked := masked[posWhere+len("WHERE") : end]
		for _, part := range splitOnKeyword(whereRaw, whereMasked, "AND") {
			pred, ok := parsePredicate(part.text, part.masked)
			if !ok {
				slog.Warn("plan conversion dropped unrecognized predicate", "predicate", strings.TrimSpace(part.text))
				continue
			}
			p.Predicates = append(p.Predicates, pred)
		}
	}

	if posGroup >= 0 {
		end := len(s)
		for _, pos := range []int{posOrder, posLimit} {
			if pos > posGroup && pos < end {
				end = pos
			}
		}
		raw := s[posGroup+len("GROUP BY") : end]
		p.GroupBy = splitTopLevel(raw, masked[posGroup+len("GROUP BY"):end], ',')
	}

	if posOrder >= 0 {
		end := len(s)
		if posLimit > posOrder && posLimit < end {
			end = posLimit
		}
		raw := s[posOrder+len("ORDER BY") : end]
		p.OrderBy = splitTopLevel(raw, masked[posOrder+len("ORDER BY"):end], ',')
	}

	if posLimit >= 0 {
		raw := strings.TrimSpace(s[posLimit+len("LIMIT"):])
		n, err := strconv.Atoi(strings.Fields(raw + " 0")[0])
		if err != nil || n < 0 {
			slog.Warn("plan conversion dropped unparseable limit", "limit", raw)
		} else {
			p.Limit = n
		}
	}

	return p, nil
}

// parsePredicate extracts field, operator and value from one condition.
// Operators match only at paren depth 0: a comparison inside a function
// call, e.g. greatest(b >= 1, 0), belongs to the value, not the
// predicate. At the earliest depth-0 position the longest operator wins.
// Returns ok=false for conditions outside the supported operator set.
func parsePredicate(raw, masked string) (Predicate, bool) {
	depth := 0
	for i := 0; i < len(masked); i++ {
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
		for _, op := range supportedOperators {
			if !strings.HasPrefix(masked[i:], op) {
				continue
			}
			field := strings.TrimSpace(raw[:i])
			value := strings.TrimSpace(raw[i+len(op):])
			if field == "" || value == "" {
				return Predicate{}, false
			}
			return Predicate{Field: field, Operator: op, Value: unquote(value)}, true
		}
	}
	return Predicate{}, false
}

// unquote strips single quotes from a string literal and un-doubles
// embedded quotes. Non-literal values pass through untouched.
func unquote(value string) string {
	if len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'' {
		inner := value[1 : len(value)-1]
		return strings.ReplaceAll(inner, "''", "'")
	}
	return value
}

// maskLiterals returns an uppercase copy of s with every character inside
// single-quoted literals replaced by \x00, so keyword and operator
// searches never match inside string values.
func maskLiterals(s string) string {
	out := []byte(strings.ToUpper(s))
	inLiteral := false
	for i := 0; i < len(out); i++ {
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

// hasKeywordAt reports whether the masked text has the keyword at exactly
// the given position with a word boundary after it.
func hasKeywordAt(masked, kw string, pos int) bool {
	if pos+len(kw) > len(masked) {
		return false
	}
	if masked[pos:pos+len(kw)] != kw {
		return false
	}
	if pos > 0 && isWordByte(masked[pos-1]) {
		return false
	}
	return pos+len(kw) == len(masked) || !isWordByte(masked[pos+len(kw)])
}

// indexKeyword finds the first top-level (paren depth zero) occurrence of
// the keyword at or after from. Returns -1 if absent. Multi-word keywords
// like "GROUP BY" must match with single spaces.
func indexKeyword(masked, kw string, from int) int {
	depth := 0
	for i := from; i+len(kw) <= len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth == 0 && hasKeywordAt(masked, kw, i) {
			return i
		}
	}
	return -1
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// splitTopLevel splits raw on the separator at paren depth zero, using
// the parallel masked text for depth tracking, trimming each piece.
func splitTopLevel(raw, masked string, sep byte) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				if piece := strings.TrimSpace(raw[start:i]); piece != "" {
					out = append(out, piece)
				}
				start = i + 1
			}
		}
	}
	if piece := strings.TrimSpace(raw[start:]); piece != "" {
		out = append(out, piece)
	}
	return out
}

type textPart struct {
	text   string
	masked string
}

// splitOnKeyword splits raw on top-level occurrences of a keyword.
func splitOnKeyword(raw, masked, kw string) []textPart {
	var out []textPart
	depth := 0
	start := 0
	for i := 0; i+len(kw) <= len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth == 0 && hasKeywordAt(masked, kw, i) {
			if piece := strings.TrimSpace(raw[start:i]); piece != "" {
				out = append(out, textPart{text: piece, masked: strings.TrimSpace(masked[start:i])})
			}
			start = i + len(kw)
		}
	}
	if piece := strings.TrimSpace(raw[start:]); piece != "" {
		out = append(out, textPart{text: piece, masked: strings.TrimSpace(masked[start:])})
	}
	return out
}

// joinClause marks one JOIN keyword occurrence in the source text.
type joinClause struct {
	start int    // where the join clause (including kind) begins
	onEnd int    // position right after the JOIN keyword
	kind  string // INNER, LEFT, RIGHT, FULL; empty means INNER
}

var joinKinds = map[string]bool{"INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "OUTER": true}

// findJoins locates top-level JOIN keywords between from and end,
// folding any preceding kind words (LEFT, LEFT OUTER, ...) into the
// clause start.
func findJoins(masked string, from, end int) []joinClause {
	var out []joinClause
	depth := 0
	for i := from; i+len("JOIN") <= end; i++ {
		switch masked[i] {
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 || !hasKeywordAt(masked, "JOIN", i) {
			continue
		}

		j := joinClause{start: i, onEnd: i + len("JOIN")}
		// Walk back over kind words.
		pos := i
		for {
			wordStart, word := precedingWord(masked, pos)
			if !joinKinds[word] {
				break
			}
			j.start = wordStart
			if word != "OUTER" {
				j.kind = word
			}
			pos = wordStart
		}
		out = append(out, j)
		i = j.onEnd - 1
	}
	return out
}

// precedingWord returns the word immediately before pos (skipping
// whitespace) and its start offset.
func precedingWord(masked string, pos int) (int, string) {
	i := pos - 1
	for i >= 0 && (masked[i] == ' ' || masked[i] == '\t' || masked[i] == '\n') {
		i--
	}
	wordEnd := i + 1
	for i >= 0 && isWordByte(masked[i]) {
		i--
	}
	return i + 1, masked[i+1 : wordEnd]
}
