package doltcli

import "strings"

// QuoteString escapes a value for embedding in a single-quoted SQL
// string literal passed to dolt sql --query.
func QuoteString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// QuoteJSON escapes a JSON document for embedding in a single-quoted
// SQL string literal. The SQL parser consumes one level of backslash
// escaping and the JSON parser needs the remainder, so backslashes are
// doubled before quotes.
func QuoteJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", "''")
}
