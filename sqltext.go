package sqlgateway

import (
	"regexp"
	"strings"
)

// lexRules describes the quoting and comment syntax of one dialect.
type lexRules struct {
	hashComments     bool // MySQL: # to end of line
	backslashEscapes bool // MySQL: \' inside literals
	dollarQuotes     bool // Postgres: $tag$...$tag$
	escapeStrings    bool // Postgres: E'...' takes backslash escapes
	doubleQuoteIsStr bool // MySQL without ANSI_QUOTES
	backticks        bool
	brackets         bool
}

// appendClause adds clause after sql. The clause starts a new line when sql
// ends in a comment so a trailing "--" cannot swallow it.
func appendClause(sql string, lex lexRules, clause string) string {
	sql = trimStatement(sql)
	if strings.HasSuffix(stripStringsAndComments(sql, lex), " ") {
		return sql + "\n" + clause
	}
	return sql + " " + clause
}

// stripStringsAndComments replaces literals with '' and comments with a space
// so keyword checks do not trip over data. Quoted identifiers are kept.
func stripStringsAndComments(sql string, lex lexRules) string {
	var result strings.Builder
	i := 0
	n := len(sql)

	for i < n {
		c := sql[i]

		if c == '-' && i+1 < n && sql[i+1] == '-' || lex.hashComments && c == '#' {
			for i < n && sql[i] != '\n' {
				i++
			}
			result.WriteByte(' ')
			continue
		}

		if c == '/' && i+1 < n && sql[i+1] == '*' {
			i += 2
			for i+1 < n && (sql[i] != '*' || sql[i+1] != '/') {
				i++
			}
			i += 2
			result.WriteByte(' ')
			continue
		}

		if lex.dollarQuotes && c == '$' {
			if tagEnd := strings.IndexByte(sql[i+1:], '$'); tagEnd >= 0 {
				tag := sql[i : i+tagEnd+2]
				if isDollarTag(tag) {
					if closeIdx := strings.Index(sql[i+len(tag):], tag); closeIdx >= 0 {
						i += len(tag) + closeIdx + len(tag)
						result.WriteString("''")
						continue
					}
				}
			}
		}

		if lex.escapeStrings && (c == 'E' || c == 'e') && i+1 < n && sql[i+1] == '\'' &&
			(i == 0 || !isWordByte(sql[i-1])) {
			i = skipQuoted(sql, i+1, '\'', true)
			result.WriteString("''")
			continue
		}

		if c == '\'' || c == '"' && lex.doubleQuoteIsStr {
			i = skipQuoted(sql, i, c, lex.backslashEscapes)
			result.WriteByte(c)
			result.WriteByte(c)
			continue
		}

		var closer byte
		switch {
		case c == '"':
			closer = '"'
		case c == '`' && lex.backticks:
			closer = '`'
		case c == '[' && lex.brackets:
			closer = ']'
		}
		if closer != 0 {
			end := skipQuoted(sql, i, closer, false)
			result.WriteString(sql[i:end])
			i = end
			continue
		}

		result.WriteByte(c)
		i++
	}

	return result.String()
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

var dollarTagPattern = regexp.MustCompile(`^\$[A-Za-z_]*\$$`)

func isDollarTag(tag string) bool {
	return dollarTagPattern.MatchString(tag)
}

// skipQuoted returns the index just past the quoted run starting at start.
// A doubled closing quote is an escaped quote.
func skipQuoted(sql string, start int, closer byte, backslash bool) int {
	i := start + 1
	n := len(sql)
	for i < n {
		if backslash && sql[i] == '\\' && i+1 < n {
			i += 2
			continue
		}
		if sql[i] == closer {
			if i+1 < n && sql[i+1] == closer {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}
