package plan

import "unicode"

// IsRawExpression decides whether a predicate value is rendered as-is or
// quoted as a string literal. This is the one place the literal-versus-
// expression ambiguity is resolved: a value counts as a raw expression if
// it starts like a function call (identifier immediately followed by an
// opening paren) or contains a :: type-cast marker. Everything else,
// numbers included, is quoted.
func IsRawExpression(value string) bool {
	if containsCast(value) {
		return true
	}
	return startsWithCall(value)
}

func containsCast(value string) bool {
	for i := 0; i+1 < len(value); i++ {
		if value[i] == ':' && value[i+1] == ':' {
			return true
		}
	}
	return false
}

func startsWithCall(value string) bool {
	if value == "" {
		return false
	}
	runes := []rune(value)
	if !unicode.IsLetter(runes[0]) && runes[0] != '_' {
		return false
	}
	for i := 1; i < len(runes); i++ {
		r := runes[i]
		if r == '(' {
			return true
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			return false
		}
	}
	return false
}

// RenderValue quotes a value as a SQL string literal unless it is a raw
// expression. Single quotes inside literals are doubled.
func RenderValue(value string) string {
	if IsRawExpression(value) {
		return value
	}
	escaped := ""
	for _, r := range value {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
