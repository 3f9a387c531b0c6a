package adt

import (
	"bytes"
	"context"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/adt/amt"
	"github.com/filecoin-project/venus-core/pkg/adt/hamt"
)

// Root to root operations. Each call loads the structure at root, applies one
// change and returns the new root. Prior roots stay valid.

// ArrayGet decodes the element at index into out.
func ArrayGet(ctx context.Context, cs cbor.IpldStore, root cid.Cid, index uint64, out cbg.CBORUnmarshaler) (bool, error) {
	a, err := amt.LoadAMT(ctx, cs, root)
	if err != nil {
		return false, err
	}
	return a.Get(ctx, index, out)
}

// ArraySet stores v at index.
func ArraySet(ctx context.Context, cs cbor.IpldStore, root cid.Cid, index uint64, v cbg.CBORMarshaler) (cid.Cid, error) {
	a, err := amt.LoadAMT(ctx, cs, root)
	if err != nil {
		return cid.Undef, err
	}
	if err := a.Set(ctx, index, v); err != nil {
		return cid.Undef, err
	}
	return a.Flush(ctx)
}

// ArrayDelete removes index. Deleting an absent index returns root unchanged.
func ArrayDelete(ctx context.Context, cs cbor.IpldStore, root cid.Cid, index uint64) (cid.Cid, error) {
	a, err := amt.LoadAMT(ctx, cs, root)
	if err != nil {
		return cid.Undef, err
	}
	found, err := a.Delete(ctx, index)
	if err != nil {
		return cid.Undef, err
	}
	if !found {
		return root, nil
	}
	return a.Flush(ctx)
}

// ArrayForEach walks elements with index >= from in ascending order. Resume
// an interrupted walk by passing the last seen index plus one.
func ArrayForEach(ctx context.Context, cs cbor.IpldStore, root cid.Cid, from uint64, cb func(uint64, *cbg.Deferred) error) error {
	a, err := amt.LoadAMT(ctx, cs, root)
	if err != nil {
		return err
	}
	return a.ForEachAt(ctx, from, cb)
}

// MapGet decodes the value under key into out.
func MapGet(ctx context.Context, cs cbor.IpldStore, root cid.Cid, key string, out cbg.CBORUnmarshaler, opts ...hamt.Option) (bool, error) {
	nd, err := hamt.LoadNode(ctx, cs, root, opts...)
	if err != nil {
		return false, err
	}
	return nd.Find(ctx, key, out)
}

// MapSet stores v under key.
func MapSet(ctx context.Context, cs cbor.IpldStore, root cid.Cid, key string, v cbg.CBORMarshaler, opts ...hamt.Option) (cid.Cid, error) {
	nd, err := hamt.LoadNode(ctx, cs, root, opts...)
	if err != nil {
		return cid.Undef, err
	}
	if err := nd.Set(ctx, key, v); err != nil {
		return cid.Undef, err
	}
	return nd.Flush(ctx)
}

// MapDelete removes key. Deleting an absent key returns root unchanged.
func MapDelete(ctx context.Context, cs cbor.IpldStore, root cid.Cid, key string, opts ...hamt.Option) (cid.Cid, error) {
	nd, err := hamt.LoadNode(ctx, cs, root, opts...)
	if err != nil {
		return cid.Undef, err
	}
	found, err := nd.Delete(ctx, key)
	if err != nil {
		return cid.Undef, err
	}
	if !found {
		return root, nil
	}
	return nd.Flush(ctx)
}

// MapForEach walks every entry in trie order.
func MapForEach(ctx context.Context, cs cbor.IpldStore, root cid.Cid, cb func(string, *cbg.Deferred) error, opts ...hamt.Option) error {
	nd, err := hamt.LoadNode(ctx, cs, root, opts...)
	if err != nil {
		return err
	}
	return nd.ForEach(ctx, cb)
}

func decodeDeferred(d *cbg.Deferred, out cbg.CBORUnmarshaler) error {
	return out.UnmarshalCBOR(bytes.NewReader(d.Raw))
}
