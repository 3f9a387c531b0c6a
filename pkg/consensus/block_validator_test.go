package consensus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
)

func newValidator(builder *testhelpers.Builder, now time.Time) *consensus.BlockValidator {
	mclock := clock.NewMock()
	mclock.Set(now)
	return consensus.NewBlockValidator(mclock, chain.NewMessageStore(builder.Blockstore()), testhelpers.KeyAddrResolver{})
}

func farFuture() time.Time {
	return time.Unix(1_000_000, 0)
}

func TestValidateFullTipSetAcceptsBuiltChain(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	bv := newValidator(builder, farFuture())
	from, to := builder.Accounts()[0], builder.Accounts()[1]

	gen := builder.Genesis()
	first := builder.BuildOn(gen, 2, func(bb *testhelpers.BlockBuilder, i int) {
		if i == 0 {
			bb.AddMessages(builder.Message(from, to, 0, 10), builder.Message(from, to, 1, 10))
		}
	})
	require.NoError(t, bv.ValidateFullTipSet(ctx, gen, builder.FullTipSet(first)))

	second := builder.BuildOneOn(first, func(bb *testhelpers.BlockBuilder) {
		bb.IncHeight(2)
		bb.AddMessages(builder.Message(from, to, 2, 10))
	})
	require.NoError(t, bv.ValidateFullTipSet(ctx, first, builder.FullTipSet(second)))
}

func TestValidateSyntax(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	bv := newValidator(builder, farFuture())

	good := builder.AppendOn(builder.Genesis(), 1).At(0)
	require.NoError(t, bv.ValidateSyntax(ctx, good))

	cases := map[string]func(h *types.BlockHeader){
		"no ticket":         func(h *types.BlockHeader) { h.Ticket = nil },
		"no election proof": func(h *types.BlockHeader) { h.ElectionProof = nil },
		"zero win count":    func(h *types.BlockHeader) { h.ElectionProof = &types.ElectionProof{WinCount: 0} },
		"no signature":      func(h *types.BlockHeader) { h.BlockSig = nil },
		"no parents":        func(h *types.BlockHeader) { h.Parents = nil },
		"negative weight":   func(h *types.BlockHeader) { h.ParentWeight = big.NewInt(-1) },
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			h := *good
			tamper(&h)
			err := bv.ValidateSyntax(ctx, &h)
			assert.ErrorIs(t, err, consensus.ErrMalformedBlock)
		})
	}
}

func TestValidateFullBlockRejectsTampering(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	bv := newValidator(builder, farFuture())
	gen := builder.Genesis()
	from, to := builder.Accounts()[0], builder.Accounts()[1]

	t.Run("wrong parent weight", func(t *testing.T) {
		ts := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
			bb.Header.ParentWeight = big.NewInt(12345)
		})
		err := bv.ValidateFullTipSet(ctx, gen, builder.FullTipSet(ts))
		assert.ErrorIs(t, err, consensus.ErrInvalidTipSet)
	})

	t.Run("wrong base fee", func(t *testing.T) {
		ts := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
			bb.Header.ParentBaseFee = abi.NewTokenAmount(1)
		})
		err := bv.ValidateFullTipSet(ctx, gen, builder.FullTipSet(ts))
		assert.ErrorIs(t, err, consensus.ErrMalformedBlock)
	})

	t.Run("signature over other data", func(t *testing.T) {
		ts := builder.AppendOn(gen, 1)
		h := *ts.At(0)
		h.Height += 5
		fb := &types.FullBlock{Header: &h}
		err := bv.ValidateFullBlock(ctx, gen, fb)
		assert.ErrorIs(t, err, consensus.ErrMalformedBlock)
	})

	t.Run("messages do not match root", func(t *testing.T) {
		ts := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
			bb.AddMessages(builder.Message(from, to, 0, 1))
		})
		fts := builder.FullTipSet(ts)
		fts.Blocks[0].Messages = append(fts.Blocks[0].Messages, builder.Message(from, to, 1, 1))
		err := bv.ValidateFullTipSet(ctx, gen, fts)
		assert.ErrorIs(t, err, consensus.ErrMessagesMismatch)
		// the header is fine, only the messages were wrong
		assert.NotErrorIs(t, err, consensus.ErrMalformedBlock)
	})

	t.Run("nonce gap", func(t *testing.T) {
		ts := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
			bb.AddMessages(builder.Message(from, to, 0, 1), builder.Message(from, to, 2, 1))
		})
		err := bv.ValidateFullTipSet(ctx, gen, builder.FullTipSet(ts))
		assert.ErrorIs(t, err, consensus.ErrMalformedBlock)
	})

	t.Run("bad message signature", func(t *testing.T) {
		msg := builder.Message(from, to, 0, 1)
		msg.Signature = builder.Message(from, to, 0, 2).Signature
		ts := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
			bb.AddMessages(msg)
		})
		err := bv.ValidateFullTipSet(ctx, gen, builder.FullTipSet(ts))
		assert.ErrorIs(t, err, consensus.ErrMalformedBlock)
	})

	t.Run("wrong parents", func(t *testing.T) {
		other := builder.AppendOn(gen, 1)
		ts := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
			bb.Header.Parents = other.Cids()
		})
		err := bv.ValidateFullTipSet(ctx, gen, builder.FullTipSet(ts))
		assert.ErrorIs(t, err, consensus.ErrMalformedBlock)
	})
}

func TestValidateSemanticRejectsFutureBlock(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewBuilder(t)
	gen := builder.Genesis()
	ts := builder.AppendOn(gen, 1)

	// the block is stamped one round after genesis
	early := newValidator(builder, time.Unix(int64(ts.MinTimestamp())-5, 0))
	assert.Error(t, early.ValidateSemantic(ctx, ts.At(0), gen))

	onTime := newValidator(builder, time.Unix(int64(ts.MinTimestamp()), 0))
	assert.NoError(t, onTime.ValidateSemantic(ctx, ts.At(0), gen))
}

type unavailableResolver struct{}

var errStateUnavailable = errors.New("state unavailable")

func (unavailableResolver) ResolveToKeyAddress(context.Context, address.Address, *types.TipSet) (address.Address, error) {
	return address.Undef, errStateUnavailable
}

func TestLocalFailuresAreNotMalformed(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewBuilder(t)
	gen := builder.Genesis()
	from, to := builder.Accounts()[0], builder.Accounts()[1]
	ts := builder.BuildOneOn(gen, func(bb *testhelpers.BlockBuilder) {
		bb.AddMessages(builder.Message(from, to, 0, 1))
	})
	fts := builder.FullTipSet(ts)

	mclock := clock.NewMock()
	mclock.Set(farFuture())
	noState := consensus.NewBlockValidator(mclock, chain.NewMessageStore(builder.Blockstore()), unavailableResolver{})
	err := noState.ValidateFullTipSet(context.Background(), gen, fts)
	assert.ErrorIs(t, err, errStateUnavailable)
	assert.NotErrorIs(t, err, consensus.ErrMalformedBlock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = newValidator(builder, farFuture()).ValidateFullTipSet(ctx, gen, fts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, consensus.ErrMalformedBlock)
}
