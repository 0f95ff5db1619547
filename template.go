package sqlgateway

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ParamKind selects how a template placeholder is substituted.
type ParamKind int

const (
	// ParamAuto leaves numeric values bare and quotes everything else.
	ParamAuto ParamKind = iota
	// ParamLiteral always quotes.
	ParamLiteral
	// ParamNumber requires a numeric value, left bare.
	ParamNumber
	// ParamIdentifier requires a plain, optionally schema-qualified, name, left bare.
	ParamIdentifier
	// ParamRowLimit is a non-negative integer applied through the dialect's
	// row-limit idiom. It has no placeholder in the SQL.
	ParamRowLimit
)

func (k ParamKind) String() string {
	switch k {
	case ParamLiteral:
		return "literal"
	case ParamNumber:
		return "number"
	case ParamIdentifier:
		return "identifier"
	case ParamRowLimit:
		return "row_limit"
	default:
		return "auto"
	}
}

func (k ParamKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type TemplateParam struct {
	Name        string    `json:"name"`
	Kind        ParamKind `json:"kind"`
	Description string    `json:"description,omitempty"`
}

// QueryTemplate is a named SQL pattern with {{name}} placeholders. Every
// declared parameter is required.
type QueryTemplate struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	SQL         string          `json:"sql"`
	Params      []TemplateParam `json:"params"`
}

// Required lists the parameter names in declaration order.
func (t QueryTemplate) Required() []string {
	names := make([]string, len(t.Params))
	for i, p := range t.Params {
		names[i] = p.Name
	}
	return names
}

// TemplateDialect supplies the dialect's row-limit idiom and literal quoting
// to Render. Every DBAdapter is one.
type TemplateDialect interface {
	LimitSQL(sql string, n int) string
	QuoteLiteral(v string) string
}

// ansiDialect renders a trailing LIMIT and standard single-quoted literals.
type ansiDialect struct{}

func (ansiDialect) LimitSQL(sql string, n int) string {
	return appendClause(sql, lexRules{}, fmt.Sprintf("LIMIT %d", n))
}

func (ansiDialect) QuoteLiteral(v string) string {
	return quoteLiteral(v)
}

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	numberPattern      = regexp.MustCompile(`^[-+]?(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?$`)
	identifierPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)
)

// TemplateRegistry holds templates by id. Templates can be added but never
// replaced.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]QueryTemplate
}

// NewTemplateRegistry returns an empty registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{templates: map[string]QueryTemplate{}}
}

// DefaultTemplates returns a registry holding the built-in templates.
func DefaultTemplates() *TemplateRegistry {
	r := NewTemplateRegistry()
	for _, t := range builtinTemplates {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register checks that placeholders and declared parameters match one to one.
func (r *TemplateRegistry) Register(t QueryTemplate) error {
	if strings.TrimSpace(t.ID) == "" {
		return &TemplateError{Reason: "template id is required"}
	}

	declared := map[string]ParamKind{}
	for _, p := range t.Params {
		if _, dup := declared[p.Name]; dup {
			return &TemplateError{TemplateID: t.ID, Reason: fmt.Sprintf("parameter %q declared twice", p.Name)}
		}
		declared[p.Name] = p.Kind
	}
	used := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(t.SQL, -1) {
		kind, ok := declared[m[1]]
		if !ok {
			return &TemplateError{TemplateID: t.ID, Reason: fmt.Sprintf("placeholder {{%s}} is not declared", m[1])}
		}
		if kind == ParamRowLimit {
			return &TemplateError{TemplateID: t.ID, Reason: fmt.Sprintf("row limit %q cannot appear as a placeholder", m[1])}
		}
		used[m[1]] = true
	}
	for _, p := range t.Params {
		if p.Kind != ParamRowLimit && !used[p.Name] {
			return &TemplateError{TemplateID: t.ID, Reason: fmt.Sprintf("parameter %q is never used", p.Name)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[t.ID]; exists {
		return &TemplateError{TemplateID: t.ID, Reason: "template already registered"}
	}
	t.Params = slices.Clone(t.Params)
	r.templates[t.ID] = t
	return nil
}

func (r *TemplateRegistry) Get(id string) (QueryTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// List returns every template sorted by id.
func (r *TemplateRegistry) List() []QueryTemplate {
	r.mu.RLock()
	out := make([]QueryTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b QueryTemplate) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Render substitutes params into the template's SQL. All missing parameters
// are reported together before any substitution happens. A nil dialect
// falls back to a trailing LIMIT clause and standard literals.
func (r *TemplateRegistry) Render(id string, params map[string]string, dialect TemplateDialect) (string, error) {
	t, ok := r.Get(id)
	if !ok {
		return "", &TemplateError{TemplateID: id, Reason: "unknown template"}
	}

	var missing []string
	for _, p := range t.Params {
		if strings.TrimSpace(params[p.Name]) == "" {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return "", &TemplateError{TemplateID: id, Missing: missing}
	}

	if dialect == nil {
		dialect = ansiDialect{}
	}

	values := make(map[string]string, len(t.Params))
	limit := -1
	for _, p := range t.Params {
		raw := strings.TrimSpace(params[p.Name])
		if p.Kind == ParamRowLimit {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return "", &TemplateError{TemplateID: id, Reason: fmt.Sprintf("parameter %q must be a non-negative integer", p.Name)}
			}
			limit = n
			continue
		}
		v, err := substitute(p, raw, dialect)
		if err != nil {
			return "", &TemplateError{TemplateID: id, Reason: err.Error()}
		}
		values[p.Name] = v
	}

	out := placeholderPattern.ReplaceAllStringFunc(t.SQL, func(m string) string {
		return values[placeholderPattern.FindStringSubmatch(m)[1]]
	})
	if limit >= 0 {
		out = dialect.LimitSQL(out, limit)
	}
	return out, nil
}

func substitute(p TemplateParam, v string, d TemplateDialect) (string, error) {
	switch p.Kind {
	case ParamLiteral:
		return d.QuoteLiteral(v), nil
	case ParamNumber:
		if !numberPattern.MatchString(v) {
			return "", fmt.Errorf("parameter %q must be a number", p.Name)
		}
		return v, nil
	case ParamIdentifier:
		if !identifierPattern.MatchString(v) {
			return "", fmt.Errorf("parameter %q must be a plain identifier", p.Name)
		}
		return v, nil
	default:
		if numberPattern.MatchString(v) {
			return v, nil
		}
		return d.QuoteLiteral(v), nil
	}
}

var builtinTemplates = []QueryTemplate{
	{
		ID:          "top-rows",
		Name:        "Top rows",
		Description: "First rows of a table",
		SQL:         "SELECT * FROM {{table}}",
		Params: []TemplateParam{
			{Name: "table", Kind: ParamIdentifier},
			{Name: "limit", Kind: ParamRowLimit},
		},
	},
	{
		ID:          "count-rows",
		Name:        "Count rows",
		Description: "Number of rows in a table",
		SQL:         "SELECT COUNT(*) AS row_count FROM {{table}}",
		Params: []TemplateParam{
			{Name: "table", Kind: ParamIdentifier},
		},
	},
	{
		ID:          "distinct-values",
		Name:        "Distinct values",
		Description: "Distinct values of one column",
		SQL:         "SELECT DISTINCT {{column}} FROM {{table}} ORDER BY {{column}}",
		Params: []TemplateParam{
			{Name: "table", Kind: ParamIdentifier},
			{Name: "column", Kind: ParamIdentifier},
			{Name: "limit", Kind: ParamRowLimit},
		},
	},
	{
		ID:          "find-by-value",
		Name:        "Find by value",
		Description: "Rows whose column equals a value",
		SQL:         "SELECT * FROM {{table}} WHERE {{column}} = {{value}}",
		Params: []TemplateParam{
			{Name: "table", Kind: ParamIdentifier},
			{Name: "column", Kind: ParamIdentifier},
			{Name: "value", Kind: ParamAuto},
			{Name: "limit", Kind: ParamRowLimit},
		},
	},
	{
		ID:          "null-count",
		Name:        "Null count",
		Description: "Total and NULL row counts for a column",
		SQL:         "SELECT COUNT(*) AS total_rows, COUNT(*) - COUNT({{column}}) AS null_count FROM {{table}}",
		Params: []TemplateParam{
			{Name: "table", Kind: ParamIdentifier},
			{Name: "column", Kind: ParamIdentifier},
		},
	},
	{
		ID:          "recent-rows",
		Name:        "Recent rows",
		Description: "Newest rows by a date column",
		SQL:         "SELECT * FROM {{table}} ORDER BY {{date_column}} DESC",
		Params: []TemplateParam{
			{Name: "table", Kind: ParamIdentifier},
			{Name: "date_column", Kind: ParamIdentifier},
			{Name: "limit", Kind: ParamRowLimit},
		},
	},
	{
		ID:          "column-stats",
		Name:        "Column statistics",
		Description: "Non-null, distinct, min and max of a column",
		SQL: "SELECT COUNT({{column}}) AS non_null, COUNT(DISTINCT {{column}}) AS distinct_count, " +
			"MIN({{column}}) AS min_value, MAX({{column}}) AS max_value FROM {{table}}",
		Params: []TemplateParam{
			{Name: "table", Kind: ParamIdentifier},
			{Name: "column", Kind: ParamIdentifier},
		},
	},
}
