package access

import (
	"fmt"
	"strings"
)

// writeKeywords are statement-leading keywords that mutate data or
// schema. Any statement starting with one of these is rejected before it
// ever reaches an executor. This is defense in depth, independent of the
// role rewriter.
var writeKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER",
	"CREATE", "TRUNCATE", "GRANT", "REVOKE", "REPLACE", "MERGE",
}

// RejectWrites returns an error for any write- or DDL-shaped statement.
// Multi-statement text is checked statement by statement, so a SELECT
// followed by a smuggled DROP still fails.
func RejectWrites(queryText string) error {
	masked := upperMasked(queryText)
	start := 0
	for i := 0; i <= len(masked); i++ {
		if i < len(masked) && masked[i] != ';' {
			continue
		}
		stmt := strings.TrimSpace(masked[start:i])
		start = i + 1
		if stmt == "" {
			continue
		}
		for _, kw := range writeKeywords {
			if strings.HasPrefix(stmt, kw) && (len(stmt) == len(kw) || !isWordByte(stmt[len(kw)])) {
				return fmt.Errorf("write statement rejected: %s", strings.ToLower(kw))
			}
		}
	}
	return nil
}
