package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTimingAggregates(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(StageSummarize, 100*time.Millisecond)
	c.RecordTiming(StageSummarize, 300*time.Millisecond)

	snap := c.Snapshot()
	st := snap.Stages[StageSummarize]
	require.NotNil(t, st)
	assert.Equal(t, int64(2), st.Count)
	assert.Equal(t, int64(400), st.TotalTimeMs)
	assert.Equal(t, float64(200), st.AvgTimeMs)
	assert.Equal(t, int64(100), st.MinTimeMs)
	assert.Equal(t, int64(300), st.MaxTimeMs)
}

func TestRecordErrorCountsSeparately(t *testing.T) {
	c := NewCollector()
	c.RecordError(StageFetch)
	c.RecordError(StageFetch)
	c.RecordTiming(StageFetch, time.Millisecond)

	st := c.Snapshot().Stages[StageFetch]
	require.NotNil(t, st)
	assert.Equal(t, int64(2), st.Errors)
	assert.Equal(t, int64(1), st.Count)
}

func TestSnapshotSkipsEmptyStages(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(StageArchive, time.Millisecond)

	snap := c.Snapshot()
	assert.Contains(t, snap.Stages, StageArchive)
	assert.NotContains(t, snap.Stages, StageExport)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, float64(0))
}

func TestTimedRecordsOutcome(t *testing.T) {
	c := NewCollector()

	require.NoError(t, c.Timed(StageExport, func() error { return nil }))
	err := c.Timed(StageExport, func() error { return fmt.Errorf("vault gone") })
	require.Error(t, err)

	st := c.Snapshot().Stages[StageExport]
	require.NotNil(t, st)
	assert.Equal(t, int64(1), st.Count)
	assert.Equal(t, int64(1), st.Errors)
}
