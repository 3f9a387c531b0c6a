package genesis

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/state/tree"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

func testTemplate(t *testing.T) Template {
	a1, err := address.NewSecp256k1Address([]byte("alice"))
	require.NoError(t, err)
	a2, err := address.NewSecp256k1Address([]byte("bob"))
	require.NoError(t, err)
	return Template{
		NetworkName: "gentest",
		Timestamp:   123456,
		Accounts: []Account{
			{Address: a1, Balance: abi.NewTokenAmount(1000)},
			{Address: a2, Balance: abi.NewTokenAmount(2000)},
		},
		IncludeChaos: true,
	}
}

func TestGenesisIsDeterministic(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	g1, err := MakeGenesisBlock(ctx, blockstoreutil.NewMemory(), testTemplate(t))
	require.NoError(t, err)
	g2, err := MakeGenesisBlock(ctx, blockstoreutil.NewMemory(), testTemplate(t))
	require.NoError(t, err)

	assert.Equal(t, g1.Genesis.Cid(), g2.Genesis.Cid())
	assert.Equal(t, abi.ChainEpoch(0), g1.Genesis.Height)
	assert.Empty(t, g1.Genesis.Parents)
	assert.Equal(t, g1.Genesis.Messages, g1.Genesis.ParentMessageReceipts)
}

func TestGenesisState(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := blockstoreutil.NewMemory()
	tmpl := testTemplate(t)

	gen, err := MakeGenesisBlock(ctx, bs, tmpl)
	require.NoError(t, err)

	has, err := bs.Has(ctx, gen.Genesis.Cid())
	require.NoError(t, err)
	assert.True(t, has)

	st, err := tree.LoadState(ctx, cbor.NewCborStore(bs), gen.Genesis.ParentStateRoot)
	require.NoError(t, err)

	for addr, code := range map[address.Address]cid.Cid{
		builtin.SystemActorAddr:     builtin.SystemActorCodeID,
		builtin.InitActorAddr:       builtin.InitActorCodeID,
		builtin.RewardActorAddr:     builtin.RewardActorCodeID,
		builtin.CronActorAddr:       builtin.CronActorCodeID,
		builtin.ChaosActorAddr:      builtin.ChaosActorCodeID,
		builtin.BurntFundsActorAddr: builtin.AccountActorCodeID,
	} {
		act, found, err := st.GetActor(ctx, addr)
		require.NoError(t, err)
		require.True(t, found, addr.String())
		assert.Equal(t, code, act.Code)
	}

	reward, _, err := st.GetActor(ctx, builtin.RewardActorAddr)
	require.NoError(t, err)
	assert.Equal(t, big.NewFromGo(constants.InitialRewardBalance), reward.Balance)

	for i, acc := range tmpl.Accounts {
		idAddr, err := st.LookupID(acc.Address)
		require.NoError(t, err)
		expected, err := address.NewIDAddress(uint64(builtin.FirstNonSingletonActorID + i))
		require.NoError(t, err)
		assert.Equal(t, expected, idAddr)
		assert.Equal(t, expected, gen.KeyIDs[acc.Address])

		act, found, err := st.GetActor(ctx, acc.Address)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, acc.Balance, act.Balance)
		assert.Equal(t, uint64(0), act.Nonce)
	}
}

func TestGenesisRejectsDuplicateAccounts(t *testing.T) {
	tf.UnitTest(t)
	tmpl := testTemplate(t)
	tmpl.Accounts = append(tmpl.Accounts, tmpl.Accounts[0])

	_, err := MakeGenesisBlock(context.Background(), blockstoreutil.NewMemory(), tmpl)
	assert.Error(t, err)
}

func TestGenesisWithoutChaos(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tmpl := testTemplate(t)
	tmpl.IncludeChaos = false

	st, _, err := MakeInitialStateTree(ctx, blockstoreutil.NewMemory(), tmpl)
	require.NoError(t, err)
	_, found, err := st.GetActor(ctx, builtin.ChaosActorAddr)
	require.NoError(t, err)
	assert.False(t, found)
}
