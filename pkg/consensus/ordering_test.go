package consensus_test

import (
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/consensus"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
)

func premiumMsg(t *testing.T, from address.Address, nonce uint64, premium int64, value int64) *types.SignedMessage {
	to, err := address.NewIDAddress(99)
	require.NoError(t, err)
	msg := types.NewMeteredMessage(from, to, nonce, abi.NewTokenAmount(value), 0, nil,
		abi.NewTokenAmount(premium+100), abi.NewTokenAmount(premium), 1_000_000)
	return &types.SignedMessage{Message: *msg, Signature: crypto.Signature{Type: crypto.SigTypeSecp256k1}}
}

func idAddr(t *testing.T, id uint64) address.Address {
	addr, err := address.NewIDAddress(id)
	require.NoError(t, err)
	return addr
}

func TestOrderMessagesByPriority(t *testing.T) {
	tf.UnitTest(t)
	alice, bob := idAddr(t, 100), idAddr(t, 101)

	a0 := premiumMsg(t, alice, 0, 5, 0)
	a1 := premiumMsg(t, alice, 1, 50, 0)
	b0 := premiumMsg(t, bob, 0, 20, 0)

	ordered, err := consensus.OrderMessages([]types.BlockMessagesInfo{
		{Messages: []*types.SignedMessage{a0, a1}},
		{Messages: []*types.SignedMessage{b0}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, ordered, 3)

	// a1 pays more but cannot jump ahead of a0
	assert.Equal(t, b0.Cid(), ordered[0].Msg.Cid())
	assert.Equal(t, 1, ordered[0].Block)
	assert.Equal(t, a0.Cid(), ordered[1].Msg.Cid())
	assert.Equal(t, a1.Cid(), ordered[2].Msg.Cid())
	for _, em := range ordered {
		assert.False(t, em.Skipped)
	}
}

func TestOrderMessagesStableOnEqualPriority(t *testing.T) {
	tf.UnitTest(t)
	alice, bob, carol := idAddr(t, 100), idAddr(t, 101), idAddr(t, 102)

	c0 := premiumMsg(t, carol, 0, 10, 0)
	a0 := premiumMsg(t, alice, 0, 10, 0)
	b0 := premiumMsg(t, bob, 0, 10, 0)

	ordered, err := consensus.OrderMessages([]types.BlockMessagesInfo{
		{Messages: []*types.SignedMessage{c0}},
		{Messages: []*types.SignedMessage{a0, b0}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, c0.Cid(), ordered[0].Msg.Cid())
	assert.Equal(t, a0.Cid(), ordered[1].Msg.Cid())
	assert.Equal(t, b0.Cid(), ordered[2].Msg.Cid())
}

func TestOrderMessagesMarksDuplicates(t *testing.T) {
	tf.UnitTest(t)
	alice := idAddr(t, 100)

	shared := premiumMsg(t, alice, 0, 10, 1)
	sameNonce := premiumMsg(t, alice, 0, 10, 2)
	next := premiumMsg(t, alice, 1, 10, 1)

	ordered, err := consensus.OrderMessages([]types.BlockMessagesInfo{
		{Messages: []*types.SignedMessage{shared, next}},
		{Messages: []*types.SignedMessage{shared, sameNonce}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, ordered, 4)

	executed := 0
	for _, em := range ordered {
		if !em.Skipped {
			executed++
			assert.Equal(t, 0, em.Block)
		}
	}
	assert.Equal(t, 2, executed)
	assert.False(t, ordered[0].Skipped)
	assert.Equal(t, shared.Cid(), ordered[0].Msg.Cid())
	assert.True(t, ordered[2].Skipped)
	assert.True(t, ordered[3].Skipped)
}

func TestOrderMessagesEmpty(t *testing.T) {
	tf.UnitTest(t)
	ordered, err := consensus.OrderMessages(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ordered)
	ordered, err = consensus.OrderMessages([]types.BlockMessagesInfo{{}, {}}, nil)
	require.NoError(t, err)
	assert.Empty(t, ordered)
}

func TestOrderMessagesComparesSendersByID(t *testing.T) {
	tf.UnitTest(t)
	aliceID := idAddr(t, 100)
	aliceKey, err := address.NewSecp256k1Address([]byte("alice public key"))
	require.NoError(t, err)
	strangerKey, err := address.NewSecp256k1Address([]byte("stranger public key"))
	require.NoError(t, err)
	resolve := func(addr address.Address) (address.Address, error) {
		if addr == aliceKey {
			return aliceID, nil
		}
		return address.Undef, xerrors.Errorf("resolve address %s: %w", addr, types.ErrActorNotFound)
	}

	byKey := premiumMsg(t, aliceKey, 0, 50, 1)
	byID := premiumMsg(t, aliceID, 0, 10, 2)
	byIDNext := premiumMsg(t, aliceID, 1, 90, 1)
	stranger := premiumMsg(t, strangerKey, 0, 30, 1)

	ordered, err := consensus.OrderMessages([]types.BlockMessagesInfo{
		{Messages: []*types.SignedMessage{byKey, stranger}},
		{Messages: []*types.SignedMessage{byID, byIDNext}},
	}, resolve)
	require.NoError(t, err)
	require.Len(t, ordered, 4)

	var executed []*types.SignedMessage
	for _, em := range ordered {
		if !em.Skipped {
			executed = append(executed, em.Msg)
		}
	}
	require.Len(t, executed, 3)
	assert.Equal(t, byKey.Cid(), executed[0].Cid())
	assert.Equal(t, stranger.Cid(), executed[1].Cid())
	// the later nonce is capped at the sender's lowest premium so far
	assert.Equal(t, byIDNext.Cid(), executed[2].Cid())

	// only a missing actor falls back to the written address
	_, err = consensus.OrderMessages([]types.BlockMessagesInfo{
		{Messages: []*types.SignedMessage{byKey}},
	}, func(address.Address) (address.Address, error) {
		return address.Undef, errStateUnavailable
	})
	require.ErrorIs(t, err, errStateUnavailable)
}
