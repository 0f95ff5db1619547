package sqlgateway

// DiffStatus classifies a table or column in a SchemaDiffResult.
type DiffStatus string

const (
	DiffIdentical DiffStatus = "identical"
	DiffModified  DiffStatus = "modified"
	DiffAdded     DiffStatus = "added"
	DiffRemoved   DiffStatus = "removed"
)

// FieldChange is one differing attribute of a column present on both sides.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// ColumnDiff is one column of a table comparison.
type ColumnDiff struct {
	Name    string        `json:"name"`
	Status  DiffStatus    `json:"status"`
	Before  *ColumnInfo   `json:"before,omitempty"`
	After   *ColumnInfo   `json:"after,omitempty"`
	Changes []FieldChange `json:"changes,omitempty"`
}

// SchemaDiffResult compares one table across two sides.
type SchemaDiffResult struct {
	Table    string       `json:"table"`
	Status   DiffStatus   `json:"status"`
	Columns  []ColumnDiff `json:"columns"`
	Added    []string     `json:"added"`
	Removed  []string     `json:"removed"`
	Modified []string     `json:"modified"`
}

// CompareTables diffs b against a. Columns are matched by name and listed in
// a's order followed by columns only b has. A nil side makes the whole table
// added or removed.
func CompareTables(a, b *TableInfo) *SchemaDiffResult {
	res := &SchemaDiffResult{
		Status:   DiffIdentical,
		Columns:  []ColumnDiff{},
		Added:    []string{},
		Removed:  []string{},
		Modified: []string{},
	}
	switch {
	case a != nil:
		res.Table = a.Name
	case b != nil:
		res.Table = b.Name
	default:
		return res
	}

	var before, after []ColumnInfo
	if a != nil {
		before = a.Columns
	}
	if b != nil {
		after = b.Columns
	}

	inB := make(map[string]*ColumnInfo, len(after))
	for i := range after {
		inB[after[i].Name] = &after[i]
	}
	inA := make(map[string]bool, len(before))

	for i := range before {
		col := &before[i]
		inA[col.Name] = true
		other, ok := inB[col.Name]
		if !ok {
			res.Columns = append(res.Columns, ColumnDiff{Name: col.Name, Status: DiffRemoved, Before: col})
			res.Removed = append(res.Removed, col.Name)
			continue
		}
		changes := compareColumns(col, other)
		d := ColumnDiff{Name: col.Name, Status: DiffIdentical, Before: col, After: other}
		if len(changes) > 0 {
			d.Status = DiffModified
			d.Changes = changes
			res.Modified = append(res.Modified, col.Name)
		}
		res.Columns = append(res.Columns, d)
	}
	for i := range after {
		col := &after[i]
		if inA[col.Name] {
			continue
		}
		res.Columns = append(res.Columns, ColumnDiff{Name: col.Name, Status: DiffAdded, After: col})
		res.Added = append(res.Added, col.Name)
	}

	switch {
	case a == nil:
		res.Status = DiffAdded
	case b == nil:
		res.Status = DiffRemoved
	case len(res.Added)+len(res.Removed)+len(res.Modified) > 0:
		res.Status = DiffModified
	}
	return res
}

func compareColumns(a, b *ColumnInfo) []FieldChange {
	var changes []FieldChange
	if a.Type != b.Type {
		changes = append(changes, FieldChange{Field: "type", Before: a.Type, After: b.Type})
	}
	if a.Nullable != b.Nullable {
		changes = append(changes, FieldChange{Field: "nullable", Before: a.Nullable, After: b.Nullable})
	}
	for _, f := range []struct {
		name   string
		before *int64
		after  *int64
	}{
		{"length", a.Length, b.Length},
		{"precision", a.Precision, b.Precision},
		{"scale", a.Scale, b.Scale},
	} {
		if !equalPtr(f.before, f.after) {
			changes = append(changes, FieldChange{Field: f.name, Before: deref(f.before), After: deref(f.after)})
		}
	}
	if !equalPtr(a.Default, b.Default) {
		changes = append(changes, FieldChange{Field: "default", Before: deref(a.Default), After: deref(b.Default)})
	}
	return changes
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// deref returns nil for a nil pointer so absent values encode as null.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
