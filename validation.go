package sqlgateway

import (
	"regexp"
	"strings"
)

// forbiddenKeywords are rejected as whole words anywhere in the statement,
// including inside literals and comments.
var forbiddenKeywords = []struct {
	re   *regexp.Regexp
	desc string
}{
	{wordPattern("DROP"), "DROP"},
	{wordPattern("DELETE"), "DELETE"},
	{wordPattern("INSERT"), "INSERT"},
	{wordPattern("UPDATE"), "UPDATE"},
	{wordPattern("ALTER"), "ALTER"},
	{wordPattern("CREATE"), "CREATE"},
	{wordPattern("TRUNCATE"), "TRUNCATE"},
	{wordPattern("GRANT"), "GRANT"},
	{wordPattern("REVOKE"), "REVOKE"},
	{wordPattern("EXEC"), "EXEC"},
	{wordPattern("EXECUTE"), "EXECUTE"},
}

// filterInjectionPatterns screen free-form WHERE fragments.
var filterInjectionPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i);\s*(DROP|DELETE|INSERT|UPDATE|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|EXEC|EXECUTE|MERGE|CALL)\b`), "stacked statement"},
	{regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`), "UNION SELECT"},
	{regexp.MustCompile(`--`), "line comment"},
	{regexp.MustCompile(`/\*|\*/`), "block comment"},
}

var allowedPrefix = regexp.MustCompile(`(?i)^(SELECT|WITH)\b`)

func wordPattern(word string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^a-zA-Z0-9_])` + word + `(?:[^a-zA-Z0-9_]|$)`)
}

// Validate accepts only SELECT/WITH statements free of mutating keywords.
func Validate(sqlQuery string) error {
	trimmed := strings.TrimSpace(sqlQuery)
	if trimmed == "" {
		return &ValidationError{Reason: "empty query"}
	}

	if !allowedPrefix.MatchString(trimmed) {
		return &ValidationError{Reason: "only SELECT and WITH queries are allowed"}
	}

	return checkKeywords(trimmed)
}

// ValidateFilterExpression screens a WHERE-clause fragment. An empty filter is
// valid and means "no filter".
func ValidateFilterExpression(expr string) error {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil
	}

	if err := checkKeywords(trimmed); err != nil {
		return err
	}

	for _, p := range filterInjectionPatterns {
		if p.re.MatchString(trimmed) {
			return &ValidationError{Reason: "filter contains forbidden pattern: " + p.desc}
		}
	}
	return nil
}

func checkKeywords(text string) error {
	for _, fk := range forbiddenKeywords {
		if fk.re.MatchString(text) {
			return &ValidationError{Reason: "query contains forbidden keyword: " + fk.desc}
		}
	}
	return nil
}

// hazard is a dialect-specific construct that is read-only in syntax but
// unsafe to let through (file access, sleeps, locks).
type hazard struct {
	re   *regexp.Regexp
	desc string
	// raw matches against the original text instead of the stripped one.
	raw bool
}

func keywordHazard(word string) hazard {
	return hazard{re: wordPattern(word), desc: word}
}

func functionHazard(name string) hazard {
	return hazard{re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\s*\(`), desc: name + "()"}
}

// screenQuery applies dialect hazards to sqlQuery after stripping literals and
// comments with the dialect's lexical rules. Stacked statements are always rejected.
func screenQuery(sqlQuery string, lex lexRules, hazards []hazard) error {
	cleaned := stripStringsAndComments(sqlQuery, lex)

	if idx := strings.Index(cleaned, ";"); idx >= 0 {
		if strings.TrimSpace(cleaned[idx+1:]) != "" {
			return &ValidationError{Reason: "multiple statements are not allowed"}
		}
	}

	for _, h := range hazards {
		target := cleaned
		if h.raw {
			target = sqlQuery
		}
		if h.re.MatchString(target) {
			return &ValidationError{Reason: "query contains forbidden construct: " + h.desc}
		}
	}
	return nil
}
