package hamt

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

func val(i int64) *cbg.CborInt {
	v := cbg.CborInt(i)
	return &v
}

func TestSetFindDelete(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cs := blockstoreutil.NewMemoryIpldStore()

	root := NewNode(cs)
	for i := 0; i < 200; i++ {
		require.NoError(t, root.Set(ctx, fmt.Sprintf("key-%d", i), val(int64(i))))
	}
	c, err := root.Flush(ctx)
	require.NoError(t, err)

	loaded, err := LoadNode(ctx, cs, c)
	require.NoError(t, err)

	var out cbg.CborInt
	found, err := loaded.Find(ctx, "key-117", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cbg.CborInt(117), out)

	found, err = loaded.Find(ctx, "missing", nil)
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err := loaded.Delete(ctx, "key-117")
	require.NoError(t, err)
	assert.True(t, deleted)

	found, err = loaded.Find(ctx, "key-117", nil)
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err = loaded.Delete(ctx, "key-117")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCanonicalForm(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cs := blockstoreutil.NewMemoryIpldStore()
	rng := rand.New(rand.NewSource(7))

	keys := make([]string, 500)
	for i := range keys {
		keys[i] = fmt.Sprintf("actor/%d", rng.Int())
	}

	build := func(opts ...Option) cid.Cid {
		nd := NewNode(cs, opts...)
		for _, j := range rng.Perm(len(keys)) {
			require.NoError(t, nd.Set(ctx, keys[j], val(int64(j))))
		}
		// churn: add and remove extra keys, flushing in between
		for i := 0; i < 100; i++ {
			require.NoError(t, nd.Set(ctx, fmt.Sprintf("tmp/%d", i), val(0)))
		}
		_, err := nd.Flush(ctx)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			deleted, err := nd.Delete(ctx, fmt.Sprintf("tmp/%d", i))
			require.NoError(t, err)
			require.True(t, deleted)
		}
		c, err := nd.Flush(ctx)
		require.NoError(t, err)
		return c
	}

	// values are keyed by position in keys so every build stores the same content
	rebuild := func(opts ...Option) cid.Cid {
		nd := NewNode(cs, opts...)
		for _, j := range rng.Perm(len(keys)) {
			require.NoError(t, nd.Set(ctx, keys[j], val(int64(j))))
		}
		c, err := nd.Flush(ctx)
		require.NoError(t, err)
		return c
	}

	for _, opts := range [][]Option{
		nil,
		{UseTreeBitWidth(3)},
		{UseTreeBitWidth(8), UseHashFunction(Murmur3)},
	} {
		expected := rebuild(opts...)
		assert.Equal(t, expected, build(opts...))
		assert.Equal(t, expected, rebuild(opts...))
	}
}

func TestDeleteEverythingYieldsEmptyRoot(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cs := blockstoreutil.NewMemoryIpldStore()

	empty, err := NewNode(cs).Flush(ctx)
	require.NoError(t, err)

	nd := NewNode(cs, UseTreeBitWidth(1))
	for i := 0; i < 64; i++ {
		require.NoError(t, nd.Set(ctx, fmt.Sprint(i), val(int64(i))))
	}
	for i := 0; i < 64; i++ {
		_, err := nd.Delete(ctx, fmt.Sprint(i))
		require.NoError(t, err)
	}
	c, err := nd.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, empty, c)
}

func TestForEachVisitsAll(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cs := blockstoreutil.NewMemoryIpldStore()

	nd := NewNode(cs)
	var want []string
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%03d", i)
		want = append(want, k)
		require.NoError(t, nd.Set(ctx, k, val(int64(i))))
	}
	c, err := nd.Flush(ctx)
	require.NoError(t, err)
	loaded, err := LoadNode(ctx, cs, c)
	require.NoError(t, err)

	var got []string
	require.NoError(t, loaded.ForEach(ctx, func(k string, _ *cbg.Deferred) error {
		got = append(got, k)
		return nil
	}))

	// trie order is a function of content only
	var again []string
	require.NoError(t, nd.ForEach(ctx, func(k string, _ *cbg.Deferred) error {
		again = append(again, k)
		return nil
	}))
	assert.Equal(t, got, again)

	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestRejectsUncollapsedChild(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cs := blockstoreutil.NewMemoryIpldStore()

	// a child holding a single entry must have been collapsed into its parent
	child := NewNode(cs)
	require.NoError(t, child.Set(ctx, "a", val(1)))
	childCid, err := child.Flush(ctx)
	require.NoError(t, err)

	hb := &hashBits{b: SHA256([]byte("a"))}
	idx, err := hb.Next(DefaultBitWidth)
	require.NoError(t, err)

	parent := NewNode(cs)
	parent.bitfield.SetBit(parent.bitfield, idx, 1)
	parent.pointers = []*pointer{{link: childCid}}
	parentCid, err := cs.Put(ctx, parent)
	require.NoError(t, err)

	loaded, err := LoadNode(ctx, cs, parentCid)
	require.NoError(t, err)
	_, err = loaded.Find(ctx, "a", nil)
	assert.ErrorIs(t, err, ErrMalformedHamt)
}

func TestHashBits(t *testing.T) {
	tf.UnitTest(t)
	hb := &hashBits{b: []byte{0xb6, 0x0f}} // 1011 0110 0000 1111

	v, err := hb.Next(3)
	require.NoError(t, err)
	assert.Equal(t, 0x5, v)
	v, err = hb.Next(5)
	require.NoError(t, err)
	assert.Equal(t, 0x16, v)
	v, err = hb.Next(8)
	require.NoError(t, err)
	assert.Equal(t, 0x0f, v)
	_, err = hb.Next(1)
	assert.ErrorIs(t, err, ErrMaxDepth)
}
