package slashfilter_test

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chainsync/slashfilter"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
)

func TestSlashFilter(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	gen := builder.Genesis()
	miner := builder.Miners()[0]

	first := builder.AppendOn(gen, 1).At(0)
	require.Equal(t, miner, first.Miner)

	t.Run("no fault for distinct epochs and repeats", func(t *testing.T) {
		sf := slashfilter.NewLocalSlashFilter(dssync.MutexWrap(ds.NewMapDatastore()))
		fault, err := sf.CheckBlock(ctx, first, gen.Height())
		require.NoError(t, err)
		assert.Nil(t, fault)

		fault, err = sf.CheckBlock(ctx, first, gen.Height())
		require.NoError(t, err)
		assert.Nil(t, fault)

		next := builder.AppendOn(builder.RequireTipSet(types.NewTipSetKey(first.Cid())), 1).At(0)
		fault, err = sf.CheckBlock(ctx, next, first.Height)
		require.NoError(t, err)
		assert.Nil(t, fault)
	})

	t.Run("double fork", func(t *testing.T) {
		sf := slashfilter.NewLocalSlashFilter(dssync.MutexWrap(ds.NewMapDatastore()))
		_, err := sf.CheckBlock(ctx, first, gen.Height())
		require.NoError(t, err)

		other := builder.AppendOn(gen, 1).At(0)
		fault, err := sf.CheckBlock(ctx, other, gen.Height())
		require.NoError(t, err)
		require.NotNil(t, fault)
		assert.Equal(t, slashfilter.DoubleForkMining, fault.Kind)
		assert.Equal(t, first.Cid(), fault.Witness)
	})

	t.Run("time offset", func(t *testing.T) {
		sf := slashfilter.NewLocalSlashFilter(dssync.MutexWrap(ds.NewMapDatastore()))
		_, err := sf.CheckBlock(ctx, first, gen.Height())
		require.NoError(t, err)

		later := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
			bb.IncHeight(1)
		}).At(0)
		fault, err := sf.CheckBlock(ctx, later, gen.Height())
		require.NoError(t, err)
		require.NotNil(t, fault)
		assert.Equal(t, slashfilter.TimeOffsetMining, fault.Kind)
	})

	t.Run("parent grinding", func(t *testing.T) {
		sf := slashfilter.NewLocalSlashFilter(dssync.MutexWrap(ds.NewMapDatastore()))
		_, err := sf.CheckBlock(ctx, first, gen.Height())
		require.NoError(t, err)

		// built on a sibling of the miner's own block
		sibling := builder.BuildOn(gen, 2, nil)
		grind := builder.BuildOn(sibling, 1, nil).At(0)
		require.Equal(t, miner, grind.Miner)
		require.False(t, types.NewTipSetKey(grind.Parents...).Has(first.Cid()))

		fault, err := sf.CheckBlock(ctx, grind, first.Height)
		require.NoError(t, err)
		require.NotNil(t, fault)
		assert.Equal(t, slashfilter.ParentGrinding, fault.Kind)
		assert.Equal(t, first.Cid(), fault.Witness)
	})
}
