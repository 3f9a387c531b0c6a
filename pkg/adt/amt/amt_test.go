package amt

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

func newStore() cbor.IpldStore {
	return blockstoreutil.NewMemoryIpldStore()
}

func val(i int64) *cbg.CborInt {
	v := cbg.CborInt(i)
	return &v
}

func TestSetGetDelete(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := newStore()

	a := NewAMT(bs)
	require.NoError(t, a.Set(ctx, 3, val(30)))
	require.NoError(t, a.Set(ctx, 1000, val(1)))
	assert.Equal(t, uint64(2), a.Len())

	root, err := a.Flush(ctx)
	require.NoError(t, err)

	loaded, err := LoadAMT(ctx, bs, root)
	require.NoError(t, err)

	var out cbg.CborInt
	found, err := loaded.Get(ctx, 1000, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cbg.CborInt(1), out)

	found, err = loaded.Get(ctx, 4, nil)
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err := loaded.Delete(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, uint64(0), loaded.Height())

	found, err = loaded.Get(ctx, 1000, nil)
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err = loaded.Delete(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestOutOfRange(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	a := NewAMT(newStore())

	assert.ErrorIs(t, a.Set(ctx, MaxIndex+1, val(1)), ErrOutOfRange)
	require.NoError(t, a.Set(ctx, MaxIndex, val(1)))
	assert.Equal(t, uint64(maxHeight), a.Height())
}

func TestHeightFollowsMaxIndex(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	a := NewAMT(newStore())

	require.NoError(t, a.Set(ctx, 7, val(0)))
	assert.Equal(t, uint64(0), a.Height())
	require.NoError(t, a.Set(ctx, 8, val(0)))
	assert.Equal(t, uint64(1), a.Height())
	require.NoError(t, a.Set(ctx, 64, val(0)))
	assert.Equal(t, uint64(2), a.Height())

	_, err := a.Delete(ctx, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Height())
	_, err = a.Delete(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.Height())
	_, err = a.Delete(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.Height())
}

func TestCanonicalRegardlessOfOrder(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := newStore()
	rng := rand.New(rand.NewSource(42))

	indexes := make([]uint64, 300)
	for i := range indexes {
		indexes[i] = uint64(rng.Int63n(5000))
	}

	build := func(order []int, extra []uint64) cid.Cid {
		a := NewAMT(bs)
		// insert and remove some noise first so the final content is the same
		for _, e := range extra {
			require.NoError(t, a.Set(ctx, e, val(-1)))
		}
		for _, j := range order {
			require.NoError(t, a.Set(ctx, indexes[j], val(int64(indexes[j]))))
		}
		for _, e := range extra {
			_, err := a.Delete(ctx, e)
			require.NoError(t, err)
		}
		c, err := a.Flush(ctx)
		require.NoError(t, err)
		return c
	}

	expected := build(rng.Perm(len(indexes)), nil)
	for k := 0; k < 5; k++ {
		noise := []uint64{uint64(100000 + k), uint64(1 << 40)}
		assert.Equal(t, expected, build(rng.Perm(len(indexes)), noise))
	}
}

func TestFromArrayMatchesIncremental(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := newStore()

	for _, n := range []int{0, 1, 7, 8, 9, 63, 64, 65, 513, 1000} {
		vals := make([]cbg.CBORMarshaler, n)
		for i := range vals {
			vals[i] = val(int64(i * 3))
		}

		bulk, err := FromArray(ctx, bs, vals)
		require.NoError(t, err)

		a := NewAMT(bs)
		for i, v := range vals {
			require.NoError(t, a.Set(ctx, uint64(i), v))
		}
		incremental, err := a.Flush(ctx)
		require.NoError(t, err)

		assert.Equal(t, incremental, bulk, "length %d", n)
	}
}

func TestForEachAt(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := newStore()

	a := NewAMT(bs)
	want := []uint64{0, 5, 9, 70, 600, 4095}
	for _, i := range want {
		require.NoError(t, a.Set(ctx, i, val(int64(i))))
	}
	root, err := a.Flush(ctx)
	require.NoError(t, err)

	loaded, err := LoadAMT(ctx, bs, root)
	require.NoError(t, err)

	var seen []uint64
	require.NoError(t, loaded.ForEach(ctx, func(i uint64, d *cbg.Deferred) error {
		seen = append(seen, i)
		return nil
	}))
	assert.Equal(t, want, seen)

	seen = nil
	require.NoError(t, loaded.ForEachAt(ctx, 10, func(i uint64, d *cbg.Deferred) error {
		seen = append(seen, i)
		return nil
	}))
	assert.Equal(t, []uint64{70, 600, 4095}, seen)
}

func TestOldRootsStayReadable(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := newStore()

	a := NewAMT(bs)
	require.NoError(t, a.Set(ctx, 1, val(1)))
	first, err := a.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, 1, val(2)))
	second, err := a.Flush(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	old, err := LoadAMT(ctx, bs, first)
	require.NoError(t, err)
	var out cbg.CborInt
	found, err := old.Get(ctx, 1, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cbg.CborInt(1), out)
}

func TestLoadRejectsMalformedRoot(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := newStore()

	c, err := bs.Put(ctx, &rawRoot{Height: 2, Count: 0})
	require.NoError(t, err)
	_, err = LoadAMT(ctx, bs, c)
	assert.ErrorIs(t, err, ErrMalformed)

	c, err = bs.Put(ctx, &rawRoot{Height: 0, Count: 1, Node: rawNode{Bmap: [1]byte{0x3}, Values: []*cbg.Deferred{{Raw: []byte{0x01}}}}})
	require.NoError(t, err)
	_, err = LoadAMT(ctx, bs, c)
	assert.ErrorIs(t, err, ErrMalformed)
}
