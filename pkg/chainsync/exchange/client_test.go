package exchange_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange/mocks"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
)

var errPeerGone = errors.New("peer went away")

func fastRetries(attempts int) *config.SyncConfig {
	cfg := config.NewDefaultConfig().Sync
	cfg.FetchMaxAttempts = attempts
	cfg.FetchBackoffMin = config.Duration(time.Millisecond)
	cfg.FetchBackoffMax = config.Duration(2 * time.Millisecond)
	return cfg
}

func TestGetBlocksWalksBackToGenesis(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	head := builder.AppendManyOn(3, builder.Genesis())

	client := exchange.NewRetryClient(builder, clock.New(), fastRetries(1))

	tss, err := client.GetBlocks(ctx, head.Key(), 2)
	require.NoError(t, err)
	require.Len(t, tss, 2)
	assert.True(t, tss[0].Equals(head))
	assert.True(t, tss[1].Key().Equals(head.Parents()))

	tss, err = client.GetBlocks(ctx, head.Key(), 100)
	require.NoError(t, err)
	require.Len(t, tss, 4)
	assert.True(t, tss[3].Equals(builder.Genesis()))
}

func TestGetFullTipSet(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	from, to := builder.Accounts()[0], builder.Accounts()[1]
	ts := builder.BuildOneOn(builder.Genesis(), func(bb *testhelpers.BlockBuilder) {
		bb.AddMessages(builder.Message(from, to, 0, 1), builder.Message(from, to, 1, 1))
	})

	client := exchange.NewRetryClient(builder, clock.New(), fastRetries(1))
	fts, err := client.GetFullTipSet(ctx, ts)
	require.NoError(t, err)
	require.Len(t, fts.Blocks, 1)
	assert.Equal(t, builder.FullTipSet(ts).Blocks[0].Messages, fts.Blocks[0].Messages)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	ts := builder.AppendOn(builder.Genesis(), 1)

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	gomock.InOrder(
		fetcher.EXPECT().FetchTipSet(gomock.Any(), ts.Key()).Return(nil, errPeerGone).Times(2),
		fetcher.EXPECT().FetchTipSet(gomock.Any(), ts.Key()).Return(ts, nil),
	)

	client := exchange.NewRetryClient(fetcher, clock.New(), fastRetries(3))
	tss, err := client.GetBlocks(ctx, ts.Key(), 1)
	require.NoError(t, err)
	require.Len(t, tss, 1)
	assert.True(t, tss[0].Equals(ts))
}

func TestRetryExhaustionIsUnresolvableParent(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	ts := builder.AppendOn(builder.Genesis(), 1)

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchMessages(gomock.Any(), gomock.Any()).Return(nil, errPeerGone).Times(3)

	client := exchange.NewRetryClient(fetcher, clock.New(), fastRetries(3))
	_, err := client.GetFullTipSet(ctx, ts)
	assert.ErrorIs(t, err, consensus.ErrUnresolvableParent)
}

func TestRetryRejectsWrongTipSet(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	want := builder.AppendOn(builder.Genesis(), 1)
	other := builder.AppendOn(builder.Genesis(), 1)

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchTipSet(gomock.Any(), want.Key()).Return(other, nil).Times(2)

	client := exchange.NewRetryClient(fetcher, clock.New(), fastRetries(2))
	_, err := client.GetBlocks(ctx, want.Key(), 1)
	assert.ErrorIs(t, err, consensus.ErrUnresolvableParent)
}

func TestRetryStopsOnCancel(t *testing.T) {
	tf.UnitTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	mclock := clock.NewMock()

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchTipSet(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, types.TipSetKey) (*types.TipSet, error) {
			// no retry once the caller gave up; the mock clock never fires
			cancel()
			return nil, errPeerGone
		}).MaxTimes(1)

	client := exchange.NewRetryClient(fetcher, mclock, fastRetries(10))
	_, err := client.GetBlocks(ctx, types.EmptyTSK, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
