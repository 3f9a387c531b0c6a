package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestTimerSimple(t *testing.T) {
	tf.BadUnitTestWithSideEffects(t)

	ctx := context.Background()

	testTimer := NewTimerMs("testName", "testDesc")
	// some view state is kept around after tests exit, doing this to clean that up.
	defer view.Unregister(testTimer.view)

	assert.Equal(t, "testName", testTimer.view.Name)
	assert.Equal(t, "testDesc", testTimer.view.Description)

	sw := testTimer.Start(ctx)
	assert.True(t, sw.Stop(ctx) >= 0)
	assert.False(t, sw.start.IsZero())
}

func TestDuplicateTimersPanics(t *testing.T) {
	tf.BadUnitTestWithSideEffects(t)

	first := NewTimerMs("dupName", "testDesc")
	defer view.Unregister(first.view)

	assert.Panics(t, func() { NewTimerMs("dupName", "otherDesc") })
}

func TestCounterTagged(t *testing.T) {
	tf.BadUnitTestWithSideEffects(t)
	ctx := context.Background()

	c := NewInt64Counter("testCounter", "testDesc", ReasonKey)
	defer view.Unregister(c.view)

	c.IncTagged(ctx, ReasonKey, "state_mismatch", 1)
	c.IncTagged(ctx, ReasonKey, "state_mismatch", 1)
	c.IncTagged(ctx, ReasonKey, "malformed", 1)

	rows, err := view.RetrieveData("testCounter")
	require.NoError(t, err)
	counts := map[string]int64{}
	for _, row := range rows {
		require.Len(t, row.Tags, 1)
		counts[row.Tags[0].Value] = row.Data.(*view.CountData).Value
	}
	assert.Equal(t, map[string]int64{"state_mismatch": 2, "malformed": 1}, counts)
}
