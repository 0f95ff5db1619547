package sqlgateway

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryLogger_RetainsMostRecent(t *testing.T) {
	l := NewQueryLogger(true, 100, 0)
	for i := range 150 {
		l.Log(fmt.Sprintf("SELECT %d", i), time.Millisecond, true, nil)
	}

	entries := l.Entries()
	require.Len(t, entries, 100)
	assert.Equal(t, "SELECT 50", entries[0].SQL)
	assert.Equal(t, "SELECT 149", entries[99].SQL)
	assert.Equal(t, 100, l.Stats().TotalQueries)
}

func TestQueryLogger_PartialBufferKeepsOrder(t *testing.T) {
	l := NewQueryLogger(true, 5, 0)
	l.Log("SELECT 1", 0, true, nil)
	l.Log("SELECT 2", 0, true, nil)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "SELECT 1", entries[0].SQL)
	assert.Equal(t, "SELECT 2", entries[1].SQL)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestQueryLogger_DisabledRecordsNothing(t *testing.T) {
	l := NewQueryLogger(false, 10, 0)
	l.Log("SELECT 1", time.Millisecond, true, nil)
	assert.Empty(t, l.Entries())
	assert.Equal(t, QueryStats{}, l.Stats())

	l.SetEnabled(true)
	assert.True(t, l.Enabled())
	l.Log("SELECT 1", time.Millisecond, true, nil)
	assert.Len(t, l.Entries(), 1)
}

func TestQueryLogger_TruncatesLongSQL(t *testing.T) {
	l := NewQueryLogger(true, 10, 20)
	long := "SELECT " + strings.Repeat("x", 100)
	l.Log(long, 0, true, nil)
	l.Log("SELECT 1", 0, true, nil)

	entries := l.Entries()
	assert.Equal(t, long[:20]+"...", entries[0].SQL)
	assert.Equal(t, "SELECT 1", entries[1].SQL)
}

func TestQueryLogger_Stats(t *testing.T) {
	l := NewQueryLogger(true, 10, 0)
	l.Log("SELECT 1", 10*time.Millisecond, true, nil)
	l.Log("SELECT 2", 40*time.Millisecond, true, nil)
	l.Log("SELECT nope", 10*time.Millisecond, false, errors.New("no such table: nope"))
	l.Log("SELECT 3", 20*time.Millisecond, true, nil)

	stats := l.Stats()
	assert.Equal(t, 4, stats.TotalQueries)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	assert.Equal(t, 20*time.Millisecond, stats.AverageDuration)
	require.NotNil(t, stats.Slowest)
	assert.Equal(t, "SELECT 2", stats.Slowest.SQL)

	failed := l.Entries()[2]
	assert.False(t, failed.Success)
	assert.Equal(t, "no such table: nope", failed.Error)
}

func TestQueryLogger_Reset(t *testing.T) {
	l := NewQueryLogger(true, 3, 0)
	for range 5 {
		l.Log("SELECT 1", 0, true, nil)
	}
	l.Reset()
	assert.Empty(t, l.Entries())
	assert.Equal(t, 0, l.Stats().TotalQueries)

	l.Log("SELECT 2", 0, true, nil)
	require.Len(t, l.Entries(), 1)
	assert.Equal(t, "SELECT 2", l.Entries()[0].SQL)
}

func TestQueryLogger_Defaults(t *testing.T) {
	l := NewQueryLogger(true, 0, 0)
	assert.Len(t, l.entries, DefaultLogCapacity)
	assert.Equal(t, DefaultMaxSQLLength, l.maxSQLLen)
}
