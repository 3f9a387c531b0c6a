package chain_test

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/constants"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

func newSignedMessage(t *testing.T, from uint64, nonce uint64, gasLimit int64) *types.SignedMessage {
	fromAddr, err := address.NewIDAddress(from)
	require.NoError(t, err)
	toAddr, err := address.NewIDAddress(from + 1)
	require.NoError(t, err)
	msg := types.NewMeteredMessage(fromAddr, toAddr, nonce, abi.NewTokenAmount(1), 0, nil,
		abi.NewTokenAmount(200), abi.NewTokenAmount(10), gasLimit)
	return &types.SignedMessage{
		Message:   *msg,
		Signature: crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: []byte("sig")},
	}
}

func TestMessageStoreRoundtrip(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	ms := chain.NewMessageStore(blockstoreutil.NewMemory())

	msgs := []*types.SignedMessage{
		newSignedMessage(t, 100, 0, 1000),
		newSignedMessage(t, 100, 1, 1000),
		newSignedMessage(t, 200, 0, 5000),
	}
	root, err := ms.StoreMessages(ctx, msgs)
	require.NoError(t, err)

	expected, err := chain.GetChainMsgRoot(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, expected, root)

	loaded, err := ms.LoadMessages(ctx, root)
	require.NoError(t, err)
	require.Len(t, loaded, len(msgs))
	for i := range msgs {
		assert.Equal(t, msgs[i].Cid(), loaded[i].Cid())
	}

	// order is part of the root
	swapped, err := chain.GetChainMsgRoot(ctx, []*types.SignedMessage{msgs[1], msgs[0], msgs[2]})
	require.NoError(t, err)
	assert.NotEqual(t, root, swapped)

	empty, err := ms.StoreMessages(ctx, nil)
	require.NoError(t, err)
	none, err := ms.LoadMessages(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMessageStoreMissingMessage(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	msgs := []*types.SignedMessage{newSignedMessage(t, 100, 0, 1000)}
	root, err := chain.GetChainMsgRoot(ctx, msgs)
	require.NoError(t, err)

	// the root was never written to this store
	ms := chain.NewMessageStore(blockstoreutil.NewMemory())
	_, err = ms.LoadMessages(ctx, root)
	assert.Error(t, err)

	_, err = ms.LoadSignedMessage(ctx, msgs[0].Cid())
	assert.Error(t, err)
}

func TestReceiptsRoundtrip(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	ms := chain.NewMessageStore(blockstoreutil.NewMemory())

	receipts := []types.MessageReceipt{
		{ExitCode: exitcode.Ok, Return: []byte{1, 2}, GasUsed: 300},
		{ExitCode: exitcode.SysErrOutOfGas, GasUsed: 1000},
	}
	root, err := ms.StoreReceipts(ctx, receipts)
	require.NoError(t, err)

	expected, err := chain.GetReceiptRoot(ctx, receipts)
	require.NoError(t, err)
	assert.Equal(t, expected, root)

	loaded, err := ms.LoadReceipts(ctx, root)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, receipts[0].ExitCode, loaded[0].ExitCode)
	assert.Equal(t, receipts[0].Return, loaded[0].Return)
	assert.Equal(t, receipts[1].GasUsed, loaded[1].GasUsed)
}

func TestComputeNextBaseFee(t *testing.T) {
	tf.UnitTest(t)

	base := abi.NewTokenAmount(constants.InitialBaseFee)

	t.Run("at target", func(t *testing.T) {
		next := chain.ComputeNextBaseFee(base, constants.BlockGasTarget, 1)
		assert.Equal(t, base, next)
	})

	t.Run("full blocks raise by an eighth", func(t *testing.T) {
		next := chain.ComputeNextBaseFee(base, 2*constants.BlockGasLimit, 2)
		want := big.Add(base, big.Div(base, big.NewInt(constants.BaseFeeMaxChangeDenom)))
		assert.Equal(t, want, next)
	})

	t.Run("increase is capped", func(t *testing.T) {
		// more gas than the limit still moves by at most an eighth
		next := chain.ComputeNextBaseFee(base, 10*constants.BlockGasLimit, 1)
		want := big.Add(base, big.Div(base, big.NewInt(constants.BaseFeeMaxChangeDenom)))
		assert.Equal(t, want, next)
	})

	t.Run("empty blocks lower by an eighth", func(t *testing.T) {
		next := chain.ComputeNextBaseFee(base, 0, 3)
		want := big.Sub(base, big.Div(base, big.NewInt(constants.BaseFeeMaxChangeDenom)))
		assert.Equal(t, want, next)
	})

	t.Run("floor", func(t *testing.T) {
		next := chain.ComputeNextBaseFee(abi.NewTokenAmount(constants.MinimumBaseFee), 0, 1)
		assert.Equal(t, abi.NewTokenAmount(constants.MinimumBaseFee), next)
	})
}

func TestComputeBaseFeeCountsDuplicatesOnce(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	ms := chain.NewMessageStore(blockstoreutil.NewMemory())

	shared := newSignedMessage(t, 100, 0, constants.BlockGasTarget)
	rootA, err := ms.StoreMessages(ctx, []*types.SignedMessage{shared})
	require.NoError(t, err)
	rootB, err := ms.StoreMessages(ctx, []*types.SignedMessage{shared, newSignedMessage(t, 200, 0, constants.BlockGasTarget)})
	require.NoError(t, err)

	blkA := header(t, nil, 5, "a")
	blkA.Messages = rootA
	blkB := header(t, nil, 5, "b")
	blkB.Messages = rootB
	ts := tipset(t, blkA, blkB)

	// two unique messages over two blocks sit exactly at target
	fee, err := ms.ComputeBaseFee(ctx, ts)
	require.NoError(t, err)
	assert.Equal(t, ts.ParentBaseFee(), fee)

	infos, err := ms.LoadTipSetMessage(ctx, ts)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	total := len(infos[0].Messages) + len(infos[1].Messages)
	assert.Equal(t, 3, total)
}
