package chain_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/repo"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
)

// Chains in these tests are headers only: state and receipt roots are
// stand-in cids and nothing is executed.

type testChain struct {
	t     *testing.T
	store *chain.Store
	repo  *repo.MemRepo
	gen   *types.TipSet
}

func fakeCid(t *testing.T, s string) cid.Cid {
	c, err := types.DefaultCidBuilder.Sum([]byte(s))
	require.NoError(t, err)
	return c
}

func header(t *testing.T, parent *types.TipSet, height abi.ChainEpoch, ticket string) *types.BlockHeader {
	miner, err := address.NewIDAddress(1000)
	require.NoError(t, err)
	parents := []cid.Cid{}
	if parent != nil {
		parents = parent.Cids()
	}
	return &types.BlockHeader{
		Miner:                 miner,
		Ticket:                &types.Ticket{VRFProof: []byte(ticket)},
		ElectionProof:         &types.ElectionProof{WinCount: 1},
		Parents:               parents,
		ParentWeight:          big.NewInt(int64(height)),
		Height:                height,
		ParentStateRoot:       fakeCid(t, fmt.Sprintf("state-%d-%s", height, ticket)),
		ParentMessageReceipts: fakeCid(t, "receipts"),
		Messages:              fakeCid(t, "messages"),
		ParentBaseFee:         abi.NewTokenAmount(100),
	}
}

func tipset(t *testing.T, blks ...*types.BlockHeader) *types.TipSet {
	ts, err := types.NewTipSet(blks)
	require.NoError(t, err)
	return ts
}

func newTestChain(t *testing.T) *testChain {
	ctx := context.Background()
	r := repo.NewInMemoryRepo()
	gen := tipset(t, header(t, nil, 0, "genesis"))
	store := chain.NewStore(r.ChainDatastore(), r.Datastore(), gen.At(0).Cid())
	t.Cleanup(store.Stop)
	require.NoError(t, store.InitGenesis(ctx, gen))
	return &testChain{t: t, store: store, repo: r, gen: gen}
}

// extend stores a child of parent with the given tickets and records a
// state for it.
func (tc *testChain) extend(parent *types.TipSet, height abi.ChainEpoch, tickets ...string) *types.TipSet {
	ctx := context.Background()
	blks := make([]*types.BlockHeader, len(tickets))
	for i, tk := range tickets {
		blks[i] = header(tc.t, parent, height, tk)
	}
	ts := tipset(tc.t, blks...)
	require.NoError(tc.t, tc.store.PutTipSet(ctx, ts))
	require.NoError(tc.t, tc.store.PutTipSetMetadata(ctx, &chain.TipSetMetadata{
		TipSet:          ts,
		TipSetStateRoot: fakeCid(tc.t, "result-"+ts.String()),
		TipSetReceipts:  fakeCid(tc.t, "receipts"),
	}))
	return ts
}

func TestGenesisIsHead(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	assert.True(t, tc.gen.Equals(tc.store.GetHead()))

	root, err := tc.store.GetTipSetStateRoot(ctx, tc.gen)
	require.NoError(t, err)
	assert.Equal(t, tc.gen.At(0).ParentStateRoot, root)

	blk, err := tc.store.GetGenesisBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, tc.gen.At(0).Cid(), blk.Cid())

	other := tipset(t, header(t, nil, 0, "another genesis"))
	assert.Error(t, tc.store.InitGenesis(ctx, other))
}

func TestValidatedMarkIsSeparateFromState(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)
	assert.True(t, tc.store.IsValidated(ctx, tc.gen))

	link := tc.extend(tc.gen, 1, "a")
	assert.True(t, tc.store.HasTipSetAndState(ctx, link))
	assert.False(t, tc.store.IsValidated(ctx, link))

	require.NoError(t, tc.store.MarkValidated(ctx, link))
	assert.True(t, tc.store.IsValidated(ctx, link))

	// the mark survives a restart
	fresh := chain.NewStore(tc.repo.ChainDatastore(), tc.repo.Datastore(), tc.gen.At(0).Cid())
	defer fresh.Stop()
	assert.True(t, fresh.IsValidated(ctx, link))
}

func TestGetByKey(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	link1 := tc.extend(tc.gen, 1, "a", "b")
	link2 := tc.extend(link1, 2, "c", "d", "e")

	// a fresh store over the same repo reads from the blockstore
	fresh := chain.NewStore(tc.repo.ChainDatastore(), tc.repo.Datastore(), tc.gen.At(0).Cid())
	defer fresh.Stop()

	for _, ts := range []*types.TipSet{tc.gen, link1, link2} {
		got, err := fresh.GetTipSet(ctx, ts.Key())
		require.NoError(t, err)
		assert.True(t, ts.Equals(got))
		assert.Equal(t, ts.Key(), got.Key())

		want, err := tc.store.GetTipSetStateRoot(ctx, ts)
		require.NoError(t, err)
		root, err := fresh.GetTipSetStateRoot(ctx, ts)
		require.NoError(t, err)
		assert.Equal(t, want, root)
		assert.True(t, fresh.HasTipSetAndState(ctx, ts))
	}

	_, err := tc.store.GetTipSet(ctx, types.EmptyTSK)
	assert.Error(t, err)

	unknown := tipset(t, header(t, link2, 3, "never stored"))
	_, err = tc.store.GetTipSet(ctx, unknown.Key())
	assert.Error(t, err)
	assert.False(t, tc.store.HasTipSetAndState(ctx, unknown))
}

func TestMetadataRejectsUndefinedRoots(t *testing.T) {
	tf.UnitTest(t)
	tc := newTestChain(t)

	ts := tipset(t, header(t, tc.gen, 1, "a"))
	err := tc.store.PutTipSetMetadata(context.Background(), &chain.TipSetMetadata{
		TipSet:          ts,
		TipSetStateRoot: cid.Undef,
		TipSetReceipts:  fakeCid(t, "receipts"),
	})
	assert.Error(t, err)
}

func TestGetTipSetByHeight(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	// genesis -> 1 -> (null) -> (null) -> 4
	link1 := tc.extend(tc.gen, 1, "a")
	link4 := tc.extend(link1, 4, "b")

	got, err := tc.store.GetTipSetByHeight(ctx, link4, 1, false)
	require.NoError(t, err)
	assert.True(t, link1.Equals(got))

	got, err = tc.store.GetTipSetByHeight(ctx, link4, 2, false)
	require.NoError(t, err)
	assert.True(t, link4.Equals(got))

	got, err = tc.store.GetTipSetByHeight(ctx, link4, 3, true)
	require.NoError(t, err)
	assert.True(t, link1.Equals(got))

	got, err = tc.store.GetTipSetByHeight(ctx, link4, 0, false)
	require.NoError(t, err)
	assert.True(t, tc.gen.Equals(got))

	_, err = tc.store.GetTipSetByHeight(ctx, link4, 5, false)
	assert.Error(t, err)
}

func TestReorgOps(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	link1 := tc.extend(tc.gen, 1, "a")
	left2 := tc.extend(link1, 2, "l2")
	left3 := tc.extend(left2, 3, "l3")
	right3 := tc.extend(link1, 3, "r3")

	revert, apply, ancestor, err := chain.ReorgOps(ctx, tc.store.GetTipSet, left3, right3)
	require.NoError(t, err)
	assert.True(t, link1.Equals(ancestor))
	require.Len(t, revert, 2)
	assert.True(t, left3.Equals(revert[0]))
	assert.True(t, left2.Equals(revert[1]))
	require.Len(t, apply, 1)
	assert.True(t, right3.Equals(apply[0]))

	// extending the chain reverts nothing
	revert, apply, ancestor, err = chain.ReorgOps(ctx, tc.store.GetTipSet, link1, left3)
	require.NoError(t, err)
	assert.Empty(t, revert)
	assert.Len(t, apply, 2)
	assert.True(t, link1.Equals(ancestor))
}

func TestSetHeadPublishesReorg(t *testing.T) {
	tf.UnitTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tc := newTestChain(t)

	reorgs := tc.store.SubReorgs(ctx)
	changes := tc.store.SubHeadChanges(ctx)
	first := <-changes
	require.Len(t, first, 1)
	assert.Equal(t, types.HCCurrent, first[0].Type)
	assert.True(t, tc.gen.Equals(first[0].Val))

	link1 := tc.extend(tc.gen, 1, "a")
	forkA := tc.extend(link1, 2, "fork a")
	forkB := tc.extend(link1, 2, "fork b")

	require.NoError(t, tc.store.SetHead(ctx, forkA))
	ev := receiveReorg(t, reorgs)
	assert.True(t, tc.gen.Equals(ev.Old))
	assert.True(t, forkA.Equals(ev.New))
	assert.True(t, tc.gen.Equals(ev.CommonAncestor))

	hc := receiveHeadChange(t, changes)
	require.Len(t, hc, 2)
	assert.Equal(t, types.HCApply, hc[0].Type)
	assert.True(t, link1.Equals(hc[0].Val))
	assert.True(t, forkA.Equals(hc[1].Val))

	require.NoError(t, tc.store.SetHead(ctx, forkB))
	ev = receiveReorg(t, reorgs)
	assert.True(t, forkA.Equals(ev.Old))
	assert.True(t, forkB.Equals(ev.New))
	assert.True(t, link1.Equals(ev.CommonAncestor))
	assert.True(t, forkB.Equals(tc.store.GetHead()))

	hc = receiveHeadChange(t, changes)
	require.Len(t, hc, 2)
	assert.Equal(t, types.HCRevert, hc[0].Type)
	assert.True(t, forkA.Equals(hc[0].Val))
	assert.Equal(t, types.HCApply, hc[1].Type)
	assert.True(t, forkB.Equals(hc[1].Val))

	// setting the same head again is silent
	require.NoError(t, tc.store.SetHead(ctx, forkB))
	select {
	case ev := <-reorgs:
		t.Fatalf("unexpected reorg %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetHeadAfterStopDoesNotBlock(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	link1 := tc.extend(tc.gen, 1, "a")
	forkA := tc.extend(link1, 2, "fork a")
	forkB := tc.extend(link1, 2, "fork b")
	tc.store.Stop()

	done := make(chan error, 1)
	go func() {
		// more changes than the worker queue holds
		for i := 0; i < 100; i++ {
			next := forkA
			if i%2 == 1 {
				next = forkB
			}
			if err := tc.store.SetHead(ctx, next); err != nil {
				done <- err
				return
			}
		}
		tc.store.SubscribeHeadChanges(func(rev, app []*types.TipSet) error { return nil })
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SetHead blocked after Stop")
	}
	assert.True(t, forkB.Equals(tc.store.GetHead()))
}

func TestSubscribeHeadChangesNotifee(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	calls := make(chan int, 4)
	tc.store.SubscribeHeadChanges(func(rev, app []*types.TipSet) error {
		calls <- len(app)
		return chain.ErrNotifeeDone
	})

	link1 := tc.extend(tc.gen, 1, "a")
	link2 := tc.extend(link1, 2, "b")
	require.NoError(t, tc.store.SetHead(ctx, link1))
	require.NoError(t, tc.store.SetHead(ctx, link2))

	select {
	case n := <-calls:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("notifee not called")
	}
	// the notifee removed itself after the first call
	select {
	case <-calls:
		t.Fatal("notifee called after returning ErrNotifeeDone")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoadRestoresHead(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	link1 := tc.extend(tc.gen, 1, "a")
	link2 := tc.extend(link1, 2, "b", "c")
	require.NoError(t, tc.store.SetHead(ctx, link2))

	reloaded := chain.NewStore(tc.repo.ChainDatastore(), tc.repo.Datastore(), tc.gen.At(0).Cid())
	defer reloaded.Stop()
	require.NoError(t, reloaded.Load(ctx))
	assert.True(t, link2.Equals(reloaded.GetHead()))
	assert.Len(t, reloaded.TipSetsAtHeight(1), 1)

	wrongGenesis := chain.NewStore(tc.repo.ChainDatastore(), tc.repo.Datastore(), fakeCid(t, "elsewhere"))
	defer wrongGenesis.Stop()
	assert.Error(t, wrongGenesis.Load(ctx))

	empty := repo.NewInMemoryRepo()
	blank := chain.NewStore(empty.ChainDatastore(), empty.Datastore(), tc.gen.At(0).Cid())
	defer blank.Stop()
	assert.Error(t, blank.Load(ctx))
}

func TestPruneIndex(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tc := newTestChain(t)

	ts := tc.gen
	for h := abi.ChainEpoch(1); h <= 10; h++ {
		ts = tc.extend(ts, h, fmt.Sprintf("t%d", h))
	}
	fork := tc.extend(tc.gen, 1, "fork")
	require.NoError(t, tc.store.SetHead(ctx, ts))
	assert.Len(t, tc.store.TipSetsAtHeight(1), 2)

	// genesis and heights 1 to 3 drop out of memory
	dropped := tc.store.PruneIndex(6)
	assert.Equal(t, 5, dropped)
	assert.Empty(t, tc.store.TipSetsAtHeight(1))
	assert.Empty(t, tc.store.TipSetsAtHeight(3))
	assert.Len(t, tc.store.TipSetsAtHeight(4), 1)

	// persisted metadata is still there
	assert.True(t, tc.store.HasTipSetAndState(ctx, fork))
	_, err := tc.store.GetTipSetStateRoot(ctx, fork)
	assert.NoError(t, err)
}

func receiveReorg(t *testing.T, ch <-chan *types.Reorg) *types.Reorg {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reorg")
	}
	return nil
}

func receiveHeadChange(t *testing.T, ch chan []*types.HeadChange) []*types.HeadChange {
	select {
	case hc := <-ch:
		return hc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for head change")
	}
	return nil
}
