package chainsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/chainsync"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/slashfilter"
	syncTypes "github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/statemanger"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/register"
)

func TestManagerSyncsProposedBlocks(t *testing.T) {
	tf.UnitTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builder := testhelpers.NewBuilder(t)
	r := repo.NewInMemoryRepo()
	bs := r.Datastore()
	gen := builder.MakeGenesisIn(ctx, bs)
	store := chain.NewStore(r.ChainDatastore(), bs, gen.At(0).Cid())
	defer store.Stop()
	require.NoError(t, store.InitGenesis(ctx, gen))

	ms := chain.NewMessageStore(bs)
	sm, err := statemanger.NewStateManager(store, ms, consensus.NewDefaultProcessor(register.GetDefaultActros()), r.Config().State)
	require.NoError(t, err)
	mclock := clock.NewMock()
	mclock.Set(time.Unix(1_000_000, 0))
	cfg := r.Config().Sync

	m, err := chainsync.NewManager(sm, consensus.NewBlockValidator(mclock, ms, sm), store, ms,
		exchange.NewRetryClient(builder, clock.New(), cfg),
		slashfilter.NewLocalSlashFilter(r.ChainDatastore()),
		clock.New(), cfg)
	require.NoError(t, err)

	done := make(chan error, 2)
	m.RegisterCallback(func(_ *syncTypes.Target, err error) {
		done <- err
	})
	m.Start(ctx)

	head := builder.AppendManyOn(3, gen)
	require.NoError(t, m.BlockProposer().SendGossipBlock(types.NewChainInfo("peer", "peer", head)))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("sync did not finish")
	}

	assert.True(t, head.Equals(store.GetHead()))
	assert.True(t, m.Status().SyncingComplete)
	stage, ok := m.Syncer().Stage(head.Key())
	require.True(t, ok)
	assert.Equal(t, syncTypes.Accepted, stage)

	bad := builder.BuildOneOn(head, func(bb *testhelpers.BlockBuilder) {
		bb.Header.ParentStateRoot = head.At(0).Cid()
	})
	require.NoError(t, m.BlockProposer().SendHello(types.NewChainInfo("peer", "peer", bad)))
	select {
	case err := <-done:
		require.ErrorIs(t, err, consensus.ErrStateMismatch)
	case <-time.After(10 * time.Second):
		t.Fatal("sync did not finish")
	}
	assert.True(t, head.Equals(store.GetHead()))
	assert.True(t, m.Syncer().IsBad(bad.Key()))
}
