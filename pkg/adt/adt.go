// Package adt exposes the persistent array and map as root-to-root
// operations and as typed handles, all bound to a context carrying store.
package adt

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt/amt"
	"github.com/filecoin-project/venus-core/pkg/adt/hamt"
)

// Store is an object store bound to a context.
type Store interface {
	Context() context.Context
	cbor.IpldStore
}

type wrappedStore struct {
	ctx context.Context
	cbor.IpldStore
}

// WrapStore binds cs to ctx.
func WrapStore(ctx context.Context, cs cbor.IpldStore) Store {
	return &wrappedStore{ctx: ctx, IpldStore: cs}
}

func (s *wrappedStore) Context() context.Context {
	return s.ctx
}

// Array is a typed handle on a persistent array.
type Array struct {
	root  *amt.Root
	store Store
}

// AsArray loads the array at r.
func AsArray(s Store, r cid.Cid) (*Array, error) {
	root, err := amt.LoadAMT(s.Context(), s, r)
	if err != nil {
		return nil, xerrors.Errorf("failed to load array %s: %w", r, err)
	}
	return &Array{root: root, store: s}, nil
}

// MakeEmptyArray returns an empty, unsaved array.
func MakeEmptyArray(s Store) *Array {
	return &Array{root: amt.NewAMT(s), store: s}
}

// StoreEmptyArray writes an empty array and returns its root.
func StoreEmptyArray(s Store) (cid.Cid, error) {
	return MakeEmptyArray(s).Root()
}

// Root flushes pending changes and returns the array root.
func (a *Array) Root() (cid.Cid, error) {
	return a.root.Flush(a.store.Context())
}

// Set stores value at i.
func (a *Array) Set(i uint64, value cbg.CBORMarshaler) error {
	if err := a.root.Set(a.store.Context(), i, value); err != nil {
		return xerrors.Errorf("array set failed at index %d: %w", i, err)
	}
	return nil
}

// AppendContinuous appends value after the highest index, assuming the
// array holds a dense run from 0.
func (a *Array) AppendContinuous(value cbg.CBORMarshaler) error {
	return a.Set(a.root.Len(), value)
}

// Get decodes the value at i into out.
func (a *Array) Get(i uint64, out cbg.CBORUnmarshaler) (bool, error) {
	return a.root.Get(a.store.Context(), i, out)
}

// Delete removes i, reporting whether it was present.
func (a *Array) Delete(i uint64) (bool, error) {
	return a.root.Delete(a.store.Context(), i)
}

// Length returns the number of entries.
func (a *Array) Length() uint64 {
	return a.root.Len()
}

// ForEach decodes every entry into out in index order and calls fn.
func (a *Array) ForEach(out cbg.CBORUnmarshaler, fn func(i int64) error) error {
	return a.ForEachFrom(0, out, fn)
}

// ForEachFrom is ForEach starting at index start.
func (a *Array) ForEachFrom(start uint64, out cbg.CBORUnmarshaler, fn func(i int64) error) error {
	return a.root.ForEachAt(a.store.Context(), start, func(k uint64, val *cbg.Deferred) error {
		if out != nil {
			if err := decodeDeferred(val, out); err != nil {
				return err
			}
		}
		return fn(int64(k))
	})
}

// Map is a typed handle on a persistent map.
type Map struct {
	root  *hamt.Node
	store Store
}

// AsMap loads the map at r.
func AsMap(s Store, r cid.Cid, opts ...hamt.Option) (*Map, error) {
	nd, err := hamt.LoadNode(s.Context(), s, r, opts...)
	if err != nil {
		return nil, xerrors.Errorf("failed to load map %s: %w", r, err)
	}
	return &Map{root: nd, store: s}, nil
}

// MakeEmptyMap returns an empty, unsaved map.
func MakeEmptyMap(s Store, opts ...hamt.Option) *Map {
	return &Map{root: hamt.NewNode(s, opts...), store: s}
}

// StoreEmptyMap writes an empty map and returns its root.
func StoreEmptyMap(s Store, opts ...hamt.Option) (cid.Cid, error) {
	return MakeEmptyMap(s, opts...).Root()
}

// Root flushes pending changes and returns the map root.
func (m *Map) Root() (cid.Cid, error) {
	return m.root.Flush(m.store.Context())
}

// Put stores v under k.
func (m *Map) Put(k abi.Keyer, v cbg.CBORMarshaler) error {
	if err := m.root.Set(m.store.Context(), k.Key(), v); err != nil {
		return xerrors.Errorf("map put failed for key %x: %w", k.Key(), err)
	}
	return nil
}

// Get decodes the value under k into out.
func (m *Map) Get(k abi.Keyer, out cbg.CBORUnmarshaler) (bool, error) {
	found, err := m.root.Find(m.store.Context(), k.Key(), out)
	if err != nil {
		return false, xerrors.Errorf("map get failed for key %x: %w", k.Key(), err)
	}
	return found, nil
}

// Delete removes k, reporting whether it was present.
func (m *Map) Delete(k abi.Keyer) (bool, error) {
	return m.root.Delete(m.store.Context(), k.Key())
}

// ForEach decodes every entry into out in trie order and calls fn.
func (m *Map) ForEach(out cbg.CBORUnmarshaler, fn func(key string) error) error {
	return m.root.ForEach(m.store.Context(), func(k string, val *cbg.Deferred) error {
		if out != nil {
			if err := decodeDeferred(val, out); err != nil {
				return err
			}
		}
		return fn(k)
	})
}

// StringKey adapts a raw string to abi.Keyer.
type StringKey string

func (k StringKey) Key() string {
	return string(k)
}
