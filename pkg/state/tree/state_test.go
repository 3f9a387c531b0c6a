package tree

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/adt"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

func newStateWithInitActor(t *testing.T, cst cbor.IpldStore) *State {
	ctx := context.Background()
	st := NewState(cst)
	ias, err := builtin.ConstructInitState(adt.WrapStore(ctx, cst), "test")
	require.NoError(t, err)
	head, err := cst.Put(ctx, ias)
	require.NoError(t, err)
	require.NoError(t, st.SetActor(ctx, builtin.InitActorAddr, types.NewActor(builtin.InitActorCodeID, big.Zero(), head)))
	return st
}

func newSecpAddr(t *testing.T, seed string) address.Address {
	addr, err := address.NewSecp256k1Address([]byte(seed))
	require.NoError(t, err)
	return addr
}

func assertID(t *testing.T, id uint64, addr address.Address) {
	expected, err := address.NewIDAddress(id)
	require.NoError(t, err)
	assert.Equal(t, expected, addr)
}

func TestStatePutGet(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cst := blockstoreutil.NewMemoryIpldStore()
	tree := newStateWithInitActor(t, cst)

	addr1 := newSecpAddr(t, "one")
	addr2 := newSecpAddr(t, "two")
	id1, err := tree.RegisterNewAddress(addr1)
	require.NoError(t, err)
	id2, err := tree.RegisterNewAddress(addr2)
	require.NoError(t, err)
	assertID(t, 100, id1)
	assertID(t, 101, id2)

	require.NoError(t, tree.SetActor(ctx, addr1, types.NewActor(builtin.AccountActorCodeID, big.NewInt(10), builtin.AccountActorCodeID)))
	require.NoError(t, tree.SetActor(ctx, id2, types.NewActor(builtin.AccountActorCodeID, big.NewInt(20), builtin.AccountActorCodeID)))

	require.NoError(t, tree.MutateActor(addr1, func(act *types.Actor) error {
		act.IncrementSeqNum()
		return nil
	}))

	act1, found, err := tree.GetActor(ctx, id1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), act1.Nonce)

	root, err := tree.Flush(ctx)
	require.NoError(t, err)

	// the same tree loaded from its root sees the same actors under both addresses
	tree2, err := LoadState(ctx, cst, root)
	require.NoError(t, err)
	act1out, found, err := tree2.GetActor(ctx, addr1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, act1.Equals(act1out))

	act2out, found, err := tree2.GetActor(ctx, addr2)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, big.NewInt(20).Equals(act2out.Balance))

	// flushing twice without changes is stable
	root2, err := tree2.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, root2)
}

func TestStateErrors(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cst := blockstoreutil.NewMemoryIpldStore()
	tree := newStateWithInitActor(t, cst)

	_, found, err := tree.GetActor(ctx, newSecpAddr(t, "missing"))
	require.NoError(t, err)
	assert.False(t, found)

	missingID, err := address.NewIDAddress(5555)
	require.NoError(t, err)
	_, found, err = tree.GetActor(ctx, missingID)
	require.NoError(t, err)
	assert.False(t, found)

	err = tree.MutateActor(missingID, func(*types.Actor) error { return nil })
	assert.ErrorIs(t, err, types.ErrActorNotFound)

	err = tree.DeleteActor(ctx, missingID)
	assert.ErrorIs(t, err, types.ErrActorNotFound)

	_, _, err = tree.GetActor(ctx, address.Undef)
	assert.Error(t, err)

	// a key address cannot be stored before it is registered
	err = tree.SetActor(ctx, newSecpAddr(t, "unregistered"), &types.Actor{Balance: big.Zero()})
	assert.Error(t, err)
}

func TestSnapshotRevert(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cst := blockstoreutil.NewMemoryIpldStore()
	tree := newStateWithInitActor(t, cst)

	addr := newSecpAddr(t, "snap")
	id, err := tree.RegisterNewAddress(addr)
	require.NoError(t, err)
	require.NoError(t, tree.SetActor(ctx, id, types.NewActor(builtin.AccountActorCodeID, big.NewInt(1), builtin.AccountActorCodeID)))

	before, err := tree.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, tree.Snapshot(ctx))
	require.NoError(t, tree.MutateActor(id, func(act *types.Actor) error {
		act.Balance = big.NewInt(100)
		return nil
	}))

	// a new registration inside the snapshot disappears with it
	other := newSecpAddr(t, "other")
	otherID, err := tree.RegisterNewAddress(other)
	require.NoError(t, err)
	require.NoError(t, tree.SetActor(ctx, otherID, types.NewActor(builtin.AccountActorCodeID, big.Zero(), builtin.AccountActorCodeID)))

	// nested snapshot merged into the outer one
	require.NoError(t, tree.Snapshot(ctx))
	require.NoError(t, tree.DeleteActor(ctx, id))
	tree.ClearSnapshot()
	_, found, err := tree.GetActor(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tree.Revert())
	tree.ClearSnapshot()

	act, found, err := tree.GetActor(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, big.NewInt(1).Equals(act.Balance))

	_, found, err = tree.GetActor(ctx, other)
	require.NoError(t, err)
	assert.False(t, found)

	after, err := tree.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFlushWithOpenSnapshotFails(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	tree := newStateWithInitActor(t, blockstoreutil.NewMemoryIpldStore())
	require.NoError(t, tree.Snapshot(ctx))
	_, err := tree.Flush(ctx)
	assert.Error(t, err)
}

func TestForEachIncludesPending(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cst := blockstoreutil.NewMemoryIpldStore()
	tree := newStateWithInitActor(t, cst)

	for i := 0; i < 3; i++ {
		id, err := address.NewIDAddress(uint64(200 + i))
		require.NoError(t, err)
		require.NoError(t, tree.SetActor(ctx, id, types.NewActor(builtin.AccountActorCodeID, abi.NewTokenAmount(int64(i)), builtin.AccountActorCodeID)))
	}
	_, err := tree.Flush(ctx)
	require.NoError(t, err)

	id, err := address.NewIDAddress(300)
	require.NoError(t, err)
	require.NoError(t, tree.SetActor(ctx, id, types.NewActor(builtin.AccountActorCodeID, big.Zero(), builtin.AccountActorCodeID)))
	deleted, err := address.NewIDAddress(200)
	require.NoError(t, err)
	require.NoError(t, tree.DeleteActor(ctx, deleted))

	seen := map[address.Address]bool{}
	require.NoError(t, tree.ForEach(func(addr ActorKey, act *types.Actor) error {
		seen[addr] = true
		return nil
	}))
	// init actor, two remaining stored actors and the new one
	assert.Len(t, seen, 4)
	assert.False(t, seen[deleted])
	assert.True(t, seen[id])
	assert.True(t, seen[builtin.InitActorAddr])
}
