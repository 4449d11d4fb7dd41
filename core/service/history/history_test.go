package history_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/core/service/history"
)

func TestRingKeepsMostRecentWithinCapacity(t *testing.T) {
	r := history.NewRing(5)
	for i := 0; i < 5; i++ {
		r.Push(history.Entry{TaskID: fmt.Sprintf("t%d", i)})
	}
	require.Equal(t, 5, r.Len())

	recent := r.Recent(5)
	require.Equal(t, "t0", recent[0].TaskID)
	require.Equal(t, "t4", recent[len(recent)-1].TaskID)
}

func TestRingEvictsOldestOnceOverCapacity(t *testing.T) {
	r := history.NewRing(10)
	for i := 0; i < 15; i++ {
		r.Push(history.Entry{TaskID: fmt.Sprintf("t%d", i)})
	}
	require.LessOrEqual(t, r.Len(), 10)

	recent := r.Recent(1)
	require.Equal(t, "t14", recent[0].TaskID)
}

func TestRecentNLargerThanLenReturnsAll(t *testing.T) {
	r := history.NewRing(10)
	r.Push(history.Entry{TaskID: "only"})
	require.Len(t, r.Recent(100), 1)
}
