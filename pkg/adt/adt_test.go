package adt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

func TestArrayRootOps(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cs := blockstoreutil.NewMemoryIpldStore()
	store := WrapStore(ctx, cs)

	empty, err := StoreEmptyArray(store)
	require.NoError(t, err)

	v := cbg.CborInt(9)
	r1, err := ArraySet(ctx, cs, empty, 12, &v)
	require.NoError(t, err)

	var out cbg.CborInt
	found, err := ArrayGet(ctx, cs, r1, 12, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, v, out)

	r2, err := ArrayDelete(ctx, cs, r1, 12)
	require.NoError(t, err)
	assert.Equal(t, empty, r2)

	found, err = ArrayGet(ctx, cs, r2, 12, nil)
	require.NoError(t, err)
	assert.False(t, found)

	// deleting an absent index is a no-op
	r3, err := ArrayDelete(ctx, cs, r2, 5)
	require.NoError(t, err)
	assert.Equal(t, r2, r3)

	// r1 is still readable
	found, err = ArrayGet(ctx, cs, r1, 12, nil)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMapRootOps(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cs := blockstoreutil.NewMemoryIpldStore()
	store := WrapStore(ctx, cs)

	empty, err := StoreEmptyMap(store)
	require.NoError(t, err)

	v := cbg.CborInt(3)
	r1, err := MapSet(ctx, cs, empty, "k", &v)
	require.NoError(t, err)

	var out cbg.CborInt
	found, err := MapGet(ctx, cs, r1, "k", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, v, out)

	r2, err := MapDelete(ctx, cs, r1, "k")
	require.NoError(t, err)
	assert.Equal(t, empty, r2)

	var keys []string
	require.NoError(t, MapForEach(ctx, cs, r1, func(k string, _ *cbg.Deferred) error {
		keys = append(keys, k)
		return nil
	}))
	assert.Equal(t, []string{"k"}, keys)
}

func TestTypedHandles(t *testing.T) {
	tf.UnitTest(t)
	store := WrapStore(context.Background(), blockstoreutil.NewMemoryIpldStore())

	arr := MakeEmptyArray(store)
	for i := int64(0); i < 20; i++ {
		v := cbg.CborInt(i * i)
		require.NoError(t, arr.AppendContinuous(&v))
	}
	root, err := arr.Root()
	require.NoError(t, err)

	loaded, err := AsArray(store, root)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), loaded.Length())

	var out cbg.CborInt
	var sum int64
	require.NoError(t, loaded.ForEachFrom(10, &out, func(i int64) error {
		assert.Equal(t, cbg.CborInt(i*i), out)
		sum += int64(out)
		return nil
	}))
	assert.Equal(t, int64(2185), sum)

	m := MakeEmptyMap(store)
	v := cbg.CborInt(1)
	require.NoError(t, m.Put(StringKey("a"), &v))
	mroot, err := m.Root()
	require.NoError(t, err)
	lm, err := AsMap(store, mroot)
	require.NoError(t, err)
	found, err := lm.Get(StringKey("a"), &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, v, out)
}
