package sqlgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func usersTable() *TableInfo {
	return &TableInfo{
		Name:   "users",
		Schema: "public",
		Columns: []ColumnInfo{
			{Name: "id", Type: "integer", PrimaryKey: true},
			{Name: "email", Type: "varchar", Length: ptr(int64(255)), Nullable: true},
			{Name: "score", Type: "numeric", Precision: ptr(int64(5)), Scale: ptr(int64(2)), Default: ptr("0")},
		},
	}
}

func TestCompareTables_Identical(t *testing.T) {
	res := CompareTables(usersTable(), usersTable())
	assert.Equal(t, DiffIdentical, res.Status)
	assert.Equal(t, "users", res.Table)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Modified)
	assert.NotNil(t, res.Added)
	require.Len(t, res.Columns, 3)
	for _, c := range res.Columns {
		assert.Equal(t, DiffIdentical, c.Status, c.Name)
		assert.Empty(t, c.Changes)
	}
}

func TestCompareTables_Modified(t *testing.T) {
	b := usersTable()
	b.Columns[1].Length = ptr(int64(320))
	b.Columns[1].Nullable = false
	b.Columns[2].Default = nil
	b.Columns = append(b.Columns[:0:0], b.Columns[1:]...)
	b.Columns = append(b.Columns, ColumnInfo{Name: "created_at", Type: "timestamp"})

	res := CompareTables(usersTable(), b)
	assert.Equal(t, DiffModified, res.Status)
	assert.Equal(t, []string{"created_at"}, res.Added)
	assert.Equal(t, []string{"id"}, res.Removed)
	assert.Equal(t, []string{"email", "score"}, res.Modified)

	names := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"id", "email", "score", "created_at"}, names)

	email := res.Columns[1]
	assert.Equal(t, DiffModified, email.Status)
	assert.Equal(t, []FieldChange{
		{Field: "nullable", Before: true, After: false},
		{Field: "length", Before: int64(255), After: int64(320)},
	}, email.Changes)

	score := res.Columns[2]
	assert.Equal(t, []FieldChange{{Field: "default", Before: "0", After: nil}}, score.Changes)

	assert.Nil(t, res.Columns[0].After)
	assert.Nil(t, res.Columns[3].Before)
}

func TestCompareTables_TypeChange(t *testing.T) {
	b := usersTable()
	b.Columns[0].Type = "bigint"
	res := CompareTables(usersTable(), b)
	require.Len(t, res.Columns[0].Changes, 1)
	assert.Equal(t, FieldChange{Field: "type", Before: "integer", After: "bigint"}, res.Columns[0].Changes[0])
}

func TestCompareTables_MissingSide(t *testing.T) {
	added := CompareTables(nil, usersTable())
	assert.Equal(t, DiffAdded, added.Status)
	assert.Equal(t, []string{"id", "email", "score"}, added.Added)
	assert.Empty(t, added.Removed)

	removed := CompareTables(usersTable(), nil)
	assert.Equal(t, DiffRemoved, removed.Status)
	assert.Equal(t, []string{"id", "email", "score"}, removed.Removed)

	none := CompareTables(nil, nil)
	assert.Equal(t, DiffIdentical, none.Status)
	assert.Empty(t, none.Columns)
}
