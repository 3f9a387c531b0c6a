package types_test

import (
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncTypes "github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
)

func target(t *testing.T, h int, weight int64) *syncTypes.Target {
	return &syncTypes.Target{ChainInfo: *testhelpers.ChainInfoWithHeightAndWeight(t, h, weight)}
}

// requirePop is a helper requiring that pop does not error
func requirePop(t *testing.T, q *syncTypes.TargetTracker) *syncTypes.Target {
	req, popped := q.Select()
	require.True(t, popped)
	return req
}

func TestQueueHappy(t *testing.T) {
	tf.UnitTest(t)
	testQ := syncTypes.NewTargetTracker(20)

	// Add syncRequests out of order
	sR0 := target(t, 0, 1001)
	sR1 := target(t, 1, 1002)
	sR2 := target(t, 2, 1003)
	sR47 := target(t, 47, 1000)

	assert.True(t, testQ.Add(sR2))
	assert.True(t, testQ.Add(sR47))
	assert.True(t, testQ.Add(sR0))
	assert.True(t, testQ.Add(sR1))

	assert.Equal(t, 4, testQ.Len())

	// Pop in order
	for _, want := range []*syncTypes.Target{sR2, sR1, sR0, sR47} {
		out := requirePop(t, testQ)
		assert.Equal(t, want, out)
		testQ.Remove(out)
	}
	assert.Equal(t, 0, testQ.Len())
	assert.Len(t, testQ.History(), 4)
}

func TestQueueDuplicates(t *testing.T) {
	tf.UnitTest(t)
	testQ := syncTypes.NewTargetTracker(20)

	sR0 := target(t, 0, 1001)
	sR0dup := &syncTypes.Target{ChainInfo: sR0.ChainInfo}

	assert.True(t, testQ.Add(sR0))
	assert.False(t, testQ.Add(sR0dup))

	// Only one of these makes it onto the queue
	assert.Equal(t, 1, testQ.Len())

	first := requirePop(t, testQ)
	assert.Equal(t, abi.ChainEpoch(0), first.Head.Height())
	testQ.Remove(first)

	// a recently finished head is still refused
	assert.False(t, testQ.Add(sR0dup))
	assert.Equal(t, 0, testQ.Len())
}

func TestQueueEmptyPopErrors(t *testing.T) {
	tf.UnitTest(t)
	testQ := syncTypes.NewTargetTracker(20)
	sR0 := target(t, 0, 1002)
	sR47 := target(t, 47, 1001)

	testQ.Add(sR47)
	testQ.Add(sR0)

	assert.Equal(t, 2, testQ.Len())
	first := requirePop(t, testQ)
	testQ.Remove(first)
	assert.Equal(t, 1, testQ.Len())

	second := requirePop(t, testQ)
	testQ.Remove(second)
	assert.Equal(t, 0, testQ.Len())

	_, popped := testQ.Select()
	assert.False(t, popped)
}

func TestQueueSkipsRunningTargets(t *testing.T) {
	tf.UnitTest(t)
	testQ := syncTypes.NewTargetTracker(20)
	heavy := target(t, 5, 500)
	light := target(t, 4, 400)
	testQ.Add(heavy)
	testQ.Add(light)

	testQ.SetState(requirePop(t, testQ), syncTypes.StateInSyncing)
	assert.Equal(t, light, requirePop(t, testQ))
}

func TestQueueDropsWhenFull(t *testing.T) {
	tf.UnitTest(t)
	testQ := syncTypes.NewTargetTracker(3)
	for h := 0; h < 3; h++ {
		require.True(t, testQ.Add(target(t, h, 1001)))
	}

	// no lighter or equal claim gets in
	assert.False(t, testQ.Add(target(t, 100, 1000)))
	assert.False(t, testQ.Add(target(t, 101, 1001)))
	assert.Equal(t, 3, testQ.Len())

	// a heavier claim evicts the lightest idle target
	heavy := target(t, 7, 2000)
	require.True(t, testQ.Add(heavy))
	assert.Equal(t, 3, testQ.Len())
	assert.Equal(t, heavy, testQ.Buckets()[0])

	// unless every target is running
	for _, tgt := range testQ.Buckets() {
		testQ.SetState(tgt, syncTypes.StateInSyncing)
	}
	assert.False(t, testQ.Add(target(t, 8, 3000)))
}

func TestQueueWidensNeighbors(t *testing.T) {
	tf.UnitTest(t)
	testQ := syncTypes.NewTargetTracker(20)

	a := testhelpers.FakeBlock(t, 9, 900)
	b := testhelpers.FakeBlock(t, 9, 900)
	tsA, err := types.NewTipSet([]*types.BlockHeader{a})
	require.NoError(t, err)
	tsB, err := types.NewTipSet([]*types.BlockHeader{b})
	require.NoError(t, err)

	require.True(t, testQ.Add(&syncTypes.Target{ChainInfo: *types.NewChainInfo("", "", tsA)}))
	require.True(t, testQ.Add(&syncTypes.Target{ChainInfo: *types.NewChainInfo("", "", tsB)}))

	// the wider target replaced the idle one it contains
	require.Equal(t, 1, testQ.Len())
	widened := requirePop(t, testQ)
	assert.Equal(t, 2, widened.Head.Len())
	assert.True(t, widened.Head.Key().Has(a.Cid()))
	assert.True(t, widened.Head.Key().Has(b.Cid()))

	// the single block tipset is now covered
	assert.False(t, testQ.Add(&syncTypes.Target{ChainInfo: *types.NewChainInfo("", "", tsA)}))
}
