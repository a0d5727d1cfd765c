package logbuf

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(i int, level string) Entry {
	return Entry{
		Time:    time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
		Level:   level,
		Message: fmt.Sprintf("message %d", i),
	}
}

func TestAppendOverflowKeepsNewest(t *testing.T) {
	b := New(5)
	for i := 0; i < 12; i++ {
		b.Append(entryAt(i, "INFO"))
	}

	require.Equal(t, 5, b.Len())
	got := b.Query(Filter{})
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("message %d", i+7), e.Message)
	}
}

func TestQueryFilters(t *testing.T) {
	b := New(100)
	b.Append(entryAt(1, "INFO"))
	b.Append(entryAt(2, "ERROR"))
	b.Append(entryAt(3, "WARNING"))
	b.Append(entryAt(4, "ERROR"))

	byLevel := b.Query(Filter{Level: "error"})
	require.Len(t, byLevel, 2)
	assert.Equal(t, "message 2", byLevel[0].Message)

	bySearch := b.Query(Filter{Search: "MESSAGE 3"})
	require.Len(t, bySearch, 1)
	assert.Equal(t, "WARNING", bySearch[0].Level)

	byTime := b.Query(Filter{
		Start: time.Date(2025, 1, 1, 0, 0, 2, 0, time.UTC),
		End:   time.Date(2025, 1, 1, 0, 0, 3, 0, time.UTC),
	})
	require.Len(t, byTime, 2)

	newest := b.Query(Filter{NewestFirst: true, Limit: 2})
	require.Len(t, newest, 2)
	assert.Equal(t, "message 4", newest[0].Message)
	assert.Equal(t, "message 3", newest[1].Message)
}

func TestStatsTracksLiveContents(t *testing.T) {
	b := New(3)
	b.Append(entryAt(1, "ERROR"))
	b.Append(entryAt(2, "INFO"))
	b.Append(entryAt(3, "CRITICAL"))

	s := b.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.Capacity)
	assert.Equal(t, 2, s.ErrorCount)
	assert.Equal(t, map[string]int{"ERROR": 1, "INFO": 1, "CRITICAL": 1}, s.ByLevel)
	require.Len(t, s.RecentErrors, 2)
	assert.Equal(t, "message 1", s.RecentErrors[0].Message)
	assert.Equal(t, "message 3", s.RecentErrors[1].Message)

	// evicts the ERROR entry; stats must reflect the live buffer only
	b.Append(entryAt(4, "INFO"))
	s = b.Stats()
	assert.Equal(t, 1, s.ErrorCount)
	assert.Equal(t, map[string]int{"INFO": 2, "CRITICAL": 1}, s.ByLevel)
	require.Len(t, s.RecentErrors, 1)
	assert.Equal(t, "message 3", s.RecentErrors[0].Message)
}

func TestClear(t *testing.T) {
	b := New(4)
	b.Append(entryAt(1, "INFO"))
	b.Append(entryAt(2, "INFO"))

	assert.Equal(t, 2, b.Clear())
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Query(Filter{}))
	assert.Equal(t, 0, b.Stats().Total)
}
