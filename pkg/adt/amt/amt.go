// Package amt implements a persistent, content addressed array: a radix tree
// of fixed width 8 whose height is derived from the largest populated index.
package amt

import (
	"bytes"
	"context"
	"errors"
	"math/bits"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

const (
	widthBits    = 3
	width        = 1 << widthBits // 8
	bitfieldSize = 1
	maxIndexBits = 63
	// the root sits at height 0, so 21 levels cover the full index space.
	maxHeight = maxIndexBits/widthBits - 1
)

// MaxIndex is the largest index an array can hold.
const MaxIndex = uint64(1<<maxIndexBits) - 1

var (
	// ErrOutOfRange is returned for indexes above MaxIndex.
	ErrOutOfRange = errors.New("index out of range for amt")
	// ErrMalformed is returned when a stored node violates the array's shape.
	ErrMalformed = errors.New("amt node was malformed")
)

// Root is a handle on a mutable in-memory view of an array. Mutations are
// local until Flush writes the modified nodes and returns the new root cid.
// Roots that have been flushed are never modified.
type Root struct {
	height uint64
	count  uint64
	node   *node

	store cbor.IpldStore
}

type node struct {
	links  [width]*link
	values [width]*cbg.Deferred
}

type link struct {
	cid    cid.Cid
	cached *node
	dirty  bool
}

// NewAMT returns an empty array backed by bs.
func NewAMT(bs cbor.IpldStore) *Root {
	return &Root{store: bs, node: new(node)}
}

// LoadAMT loads the array rooted at c.
func LoadAMT(ctx context.Context, bs cbor.IpldStore, c cid.Cid) (*Root, error) {
	var raw rawRoot
	if err := bs.Get(ctx, c, &raw); err != nil {
		return nil, xerrors.Errorf("failed to load amt root %s: %w", c, err)
	}
	if raw.Height > maxHeight {
		return nil, xerrors.Errorf("%w: height %d exceeds %d", ErrMalformed, raw.Height, maxHeight)
	}
	nd, err := newNode(&raw.Node, raw.Height == 0, true)
	if err != nil {
		return nil, err
	}
	if raw.Height > 0 && nd.empty() {
		return nil, xerrors.Errorf("%w: empty root at height %d", ErrMalformed, raw.Height)
	}
	return &Root{height: raw.Height, count: raw.Count, node: nd, store: bs}, nil
}

// FromArray builds an array holding vals at indexes 0..len(vals)-1 bottom up,
// one level at a time. The result is identical to setting every value in
// order on an empty array.
func FromArray(ctx context.Context, bs cbor.IpldStore, vals []cbg.CBORMarshaler) (cid.Cid, error) {
	if len(vals) == 0 {
		return NewAMT(bs).Flush(ctx)
	}

	level := make([]*rawNode, 0, (len(vals)+width-1)/width)
	for off := 0; off < len(vals); off += width {
		nd := new(rawNode)
		for j := 0; j < width && off+j < len(vals); j++ {
			d, err := toDeferred(vals[off+j])
			if err != nil {
				return cid.Undef, err
			}
			nd.Bmap[0] |= 1 << uint(j)
			nd.Values = append(nd.Values, d)
		}
		level = append(level, nd)
	}

	var height uint64
	for len(level) > 1 {
		next := make([]*rawNode, 0, (len(level)+width-1)/width)
		for off := 0; off < len(level); off += width {
			parent := new(rawNode)
			for j := 0; j < width && off+j < len(level); j++ {
				c, err := bs.Put(ctx, level[off+j])
				if err != nil {
					return cid.Undef, err
				}
				parent.Bmap[0] |= 1 << uint(j)
				parent.Links = append(parent.Links, c)
			}
			next = append(next, parent)
		}
		level = next
		height++
	}

	return bs.Put(ctx, &rawRoot{Height: height, Count: uint64(len(vals)), Node: *level[0]})
}

// Len returns the number of populated indexes.
func (r *Root) Len() uint64 {
	return r.count
}

// Height returns the current tree height.
func (r *Root) Height() uint64 {
	return r.height
}

// Set stores val at index i, growing the tree as needed.
func (r *Root) Set(ctx context.Context, i uint64, val cbg.CBORMarshaler) error {
	if i > MaxIndex {
		return xerrors.Errorf("set %d: %w", i, ErrOutOfRange)
	}
	d, err := toDeferred(val)
	if err != nil {
		return err
	}

	for i >= nodesForHeight(r.height+1) {
		if !r.node.empty() {
			prev := r.node
			r.node = new(node)
			r.node.links[0] = &link{cached: prev, dirty: true}
		}
		r.height++
	}

	added, err := r.node.set(ctx, r.store, r.height, i, d)
	if err != nil {
		return err
	}
	if added {
		r.count++
	}
	return nil
}

// BatchSet sets vals at consecutive indexes starting from 0.
func (r *Root) BatchSet(ctx context.Context, vals []cbg.CBORMarshaler) error {
	for i, v := range vals {
		if err := r.Set(ctx, uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

// Get decodes the value at index i into out. It reports whether the index was
// populated. out may be nil to only test for presence.
func (r *Root) Get(ctx context.Context, i uint64, out cbg.CBORUnmarshaler) (bool, error) {
	if i > MaxIndex {
		return false, xerrors.Errorf("get %d: %w", i, ErrOutOfRange)
	}
	if i >= nodesForHeight(r.height+1) {
		return false, nil
	}
	return r.node.get(ctx, r.store, r.height, i, out)
}

// Delete removes index i and reports whether it was populated. The tree
// shrinks back to the height required by the remaining indexes.
func (r *Root) Delete(ctx context.Context, i uint64) (bool, error) {
	if i > MaxIndex {
		return false, xerrors.Errorf("delete %d: %w", i, ErrOutOfRange)
	}
	if i >= nodesForHeight(r.height+1) {
		return false, nil
	}

	found, err := r.node.delete(ctx, r.store, r.height, i)
	if err != nil || !found {
		return found, err
	}
	r.count--

	for r.height > 0 && r.node.onlyFirstLink() {
		sub, err := r.node.loadChild(ctx, r.store, 0, r.height-1)
		if err != nil {
			return false, err
		}
		r.node = sub
		r.height--
	}
	if r.node.empty() {
		r.height = 0
		r.node = new(node)
	}
	return true, nil
}

// BatchDelete removes every index in indices. Missing indexes are an error
// when strict is set.
func (r *Root) BatchDelete(ctx context.Context, indices []uint64, strict bool) error {
	for _, i := range indices {
		found, err := r.Delete(ctx, i)
		if err != nil {
			return err
		}
		if strict && !found {
			return xerrors.Errorf("no such index %d", i)
		}
	}
	return nil
}

// ForEach visits every populated index in ascending order.
func (r *Root) ForEach(ctx context.Context, cb func(uint64, *cbg.Deferred) error) error {
	return r.ForEachAt(ctx, 0, cb)
}

// ForEachAt visits every populated index >= start in ascending order.
// Returning an error from cb stops the walk and is returned as is.
func (r *Root) ForEachAt(ctx context.Context, start uint64, cb func(uint64, *cbg.Deferred) error) error {
	return r.node.forEachAt(ctx, r.store, r.height, start, 0, cb)
}

// Flush writes all modified nodes and returns the root cid.
func (r *Root) Flush(ctx context.Context) (cid.Cid, error) {
	raw, err := r.node.flush(ctx, r.store, r.height)
	if err != nil {
		return cid.Undef, err
	}
	return r.store.Put(ctx, &rawRoot{Height: r.height, Count: r.count, Node: *raw})
}

func newNode(raw *rawNode, leaf, root bool) (*node, error) {
	nd := new(node)
	set := bits.OnesCount8(raw.Bmap[0])
	if leaf {
		if len(raw.Links) != 0 || len(raw.Values) != set {
			return nil, xerrors.Errorf("%w: leaf bitmap does not match %d values", ErrMalformed, len(raw.Values))
		}
		j := 0
		for i := 0; i < width; i++ {
			if raw.Bmap[0]&(1<<uint(i)) != 0 {
				nd.values[i] = raw.Values[j]
				j++
			}
		}
	} else {
		if len(raw.Values) != 0 || len(raw.Links) != set {
			return nil, xerrors.Errorf("%w: internal bitmap does not match %d links", ErrMalformed, len(raw.Links))
		}
		j := 0
		for i := 0; i < width; i++ {
			if raw.Bmap[0]&(1<<uint(i)) != 0 {
				nd.links[i] = &link{cid: raw.Links[j]}
				j++
			}
		}
	}
	if !root && set == 0 {
		return nil, xerrors.Errorf("%w: empty inner node", ErrMalformed)
	}
	return nd, nil
}

func (n *node) empty() bool {
	for i := 0; i < width; i++ {
		if n.links[i] != nil || n.values[i] != nil {
			return false
		}
	}
	return true
}

func (n *node) onlyFirstLink() bool {
	if n.links[0] == nil {
		return false
	}
	for i := 1; i < width; i++ {
		if n.links[i] != nil {
			return false
		}
	}
	return true
}

func (n *node) loadChild(ctx context.Context, bs cbor.IpldStore, i, childHeight uint64) (*node, error) {
	l := n.links[i]
	if l == nil {
		return nil, xerrors.Errorf("no child at slot %d", i)
	}
	if l.cached != nil {
		return l.cached, nil
	}
	var raw rawNode
	if err := bs.Get(ctx, l.cid, &raw); err != nil {
		return nil, xerrors.Errorf("failed to load amt node %s: %w", l.cid, err)
	}
	sub, err := newNode(&raw, childHeight == 0, false)
	if err != nil {
		return nil, err
	}
	l.cached = sub
	return sub, nil
}

func (n *node) set(ctx context.Context, bs cbor.IpldStore, height, i uint64, v *cbg.Deferred) (bool, error) {
	if height == 0 {
		added := n.values[i] == nil
		n.values[i] = v
		return added, nil
	}

	nfh := nodesForHeight(height)
	slot := i / nfh
	if n.links[slot] == nil {
		n.links[slot] = &link{cached: new(node)}
	}
	sub, err := n.loadChild(ctx, bs, slot, height-1)
	if err != nil {
		return false, err
	}
	n.links[slot].dirty = true
	return sub.set(ctx, bs, height-1, i%nfh, v)
}

func (n *node) get(ctx context.Context, bs cbor.IpldStore, height, i uint64, out cbg.CBORUnmarshaler) (bool, error) {
	if height == 0 {
		d := n.values[i]
		if d == nil {
			return false, nil
		}
		if out != nil {
			if err := out.UnmarshalCBOR(bytes.NewReader(d.Raw)); err != nil {
				return true, xerrors.Errorf("decode value at %d: %w", i, err)
			}
		}
		return true, nil
	}

	nfh := nodesForHeight(height)
	if n.links[i/nfh] == nil {
		return false, nil
	}
	sub, err := n.loadChild(ctx, bs, i/nfh, height-1)
	if err != nil {
		return false, err
	}
	return sub.get(ctx, bs, height-1, i%nfh, out)
}

func (n *node) delete(ctx context.Context, bs cbor.IpldStore, height, i uint64) (bool, error) {
	if height == 0 {
		if n.values[i] == nil {
			return false, nil
		}
		n.values[i] = nil
		return true, nil
	}

	nfh := nodesForHeight(height)
	slot := i / nfh
	if n.links[slot] == nil {
		return false, nil
	}
	sub, err := n.loadChild(ctx, bs, slot, height-1)
	if err != nil {
		return false, err
	}
	found, err := sub.delete(ctx, bs, height-1, i%nfh)
	if err != nil || !found {
		return found, err
	}
	if sub.empty() {
		n.links[slot] = nil
	} else {
		n.links[slot].dirty = true
	}
	return true, nil
}

func (n *node) forEachAt(ctx context.Context, bs cbor.IpldStore, height, start, offset uint64, cb func(uint64, *cbg.Deferred) error) error {
	if height == 0 {
		for i, v := range n.values {
			if v == nil {
				continue
			}
			ix := offset + uint64(i)
			if ix < start {
				continue
			}
			if err := cb(ix, v); err != nil {
				return err
			}
		}
		return nil
	}

	subCount := nodesForHeight(height)
	for i, l := range n.links {
		if l == nil {
			continue
		}
		offs := offset + uint64(i)*subCount
		if start >= offs+subCount {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sub, err := n.loadChild(ctx, bs, uint64(i), height-1)
		if err != nil {
			return err
		}
		if err := sub.forEachAt(ctx, bs, height-1, start, offs, cb); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) flush(ctx context.Context, bs cbor.IpldStore, height uint64) (*rawNode, error) {
	raw := new(rawNode)
	if height == 0 {
		for i, v := range n.values {
			if v != nil {
				raw.Bmap[0] |= 1 << uint(i)
				raw.Values = append(raw.Values, v)
			}
		}
		return raw, nil
	}

	for i, l := range n.links {
		if l == nil {
			continue
		}
		if l.dirty {
			sub, err := l.cached.flush(ctx, bs, height-1)
			if err != nil {
				return nil, err
			}
			c, err := bs.Put(ctx, sub)
			if err != nil {
				return nil, err
			}
			l.cid = c
			l.dirty = false
		}
		raw.Bmap[0] |= 1 << uint(i)
		raw.Links = append(raw.Links, l.cid)
	}
	return raw, nil
}

// nodesForHeight is the number of indexes addressed by one slot of a node at
// the given height.
func nodesForHeight(height uint64) uint64 {
	shift := widthBits * height
	if shift >= 64 {
		return MaxIndex
	}
	return 1 << shift
}

func toDeferred(v cbg.CBORMarshaler) (*cbg.Deferred, error) {
	buf := new(bytes.Buffer)
	if err := v.MarshalCBOR(buf); err != nil {
		return nil, xerrors.Errorf("marshal amt value: %w", err)
	}
	return &cbg.Deferred{Raw: buf.Bytes()}, nil
}
