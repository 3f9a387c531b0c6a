// Package hamt implements a persistent, content addressed map: a hash array
// mapped trie with a configurable number of hash bits per level, small
// buckets of sorted entries and compaction on delete so that the root cid
// depends only on the map's content.
package hamt

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"math/bits"
	"sort"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

const (
	bucketSize = 3
	// DefaultBitWidth matches the state tree of the chain.
	DefaultBitWidth = 5
)

var (
	// ErrMaxDepth is returned when a key's digest is exhausted before a free
	// slot is found. Only possible with adversarial keys or a short hash.
	ErrMaxDepth = errors.New("attempted to traverse hamt beyond max depth")
	// ErrMalformedHamt is returned when a stored block does not have the
	// shape of a hamt node.
	ErrMalformedHamt = errors.New("hamt node was malformed")
)

// Node is one level of the trie. The root node is the handle callers hold.
type Node struct {
	bitfield *big.Int
	pointers []*pointer

	bitWidth int
	hash     HashFunc
	store    cbor.IpldStore
}

// pointer is either a link to a child node or a bucket of up to bucketSize
// entries sorted by key.
type pointer struct {
	kvs  []*KV
	link cid.Cid

	cache *Node
	dirty bool
}

// KV is a single entry.
type KV struct {
	Key   []byte
	Value *cbg.Deferred
}

// Option configures a trie.
type Option func(*Node)

// UseTreeBitWidth sets the number of hash bits consumed per level (1 to 8).
func UseTreeBitWidth(bitWidth int) Option {
	return func(nd *Node) {
		if bitWidth > 0 && bitWidth <= 8 {
			nd.bitWidth = bitWidth
		}
	}
}

// UseHashFunction replaces the key hash. Tries written with one hash can
// only be read with the same one.
func UseHashFunction(hash HashFunc) Option {
	return func(nd *Node) {
		nd.hash = hash
	}
}

// NewNode returns an empty trie.
func NewNode(cs cbor.IpldStore, options ...Option) *Node {
	nd := &Node{
		bitfield: big.NewInt(0),
		store:    cs,
		bitWidth: DefaultBitWidth,
		hash:     SHA256,
	}
	for _, option := range options {
		option(nd)
	}
	return nd
}

// LoadNode loads the trie rooted at c. The options must match the ones the
// trie was written with.
func LoadNode(ctx context.Context, cs cbor.IpldStore, c cid.Cid, options ...Option) (*Node, error) {
	proto := NewNode(cs, options...)
	return proto.loadNode(ctx, c, true)
}

func (n *Node) loadNode(ctx context.Context, c cid.Cid, isRoot bool) (*Node, error) {
	var out Node
	if err := n.store.Get(ctx, c, &out); err != nil {
		return nil, xerrors.Errorf("failed to load hamt node %s: %w", c, err)
	}
	out.store = n.store
	out.bitWidth = n.bitWidth
	out.hash = n.hash

	if len(out.pointers) > 1<<uint(out.bitWidth) {
		return nil, xerrors.Errorf("%w: %d pointers for bit width %d", ErrMalformedHamt, len(out.pointers), out.bitWidth)
	}
	if out.bitfield.BitLen() > 1<<uint(out.bitWidth) || out.bitsSetCount() != len(out.pointers) {
		return nil, xerrors.Errorf("%w: bitfield does not match pointers", ErrMalformedHamt)
	}
	for _, p := range out.pointers {
		isLink := p.link.Defined()
		isBucket := p.kvs != nil
		if isLink == isBucket {
			return nil, xerrors.Errorf("%w: pointer must be a link or a bucket", ErrMalformedHamt)
		}
		if isLink && p.link.Type() != cid.DagCBOR {
			return nil, xerrors.Errorf("%w: link %s is not dag-cbor", ErrMalformedHamt, p.link)
		}
		if isBucket {
			if len(p.kvs) == 0 || len(p.kvs) > bucketSize {
				return nil, xerrors.Errorf("%w: bucket of size %d", ErrMalformedHamt, len(p.kvs))
			}
			for i := 1; i < len(p.kvs); i++ {
				if bytes.Compare(p.kvs[i-1].Key, p.kvs[i].Key) >= 0 {
					return nil, xerrors.Errorf("%w: unsorted bucket", ErrMalformedHamt)
				}
			}
		}
	}
	if !isRoot {
		if len(out.pointers) == 0 {
			return nil, xerrors.Errorf("%w: empty inner node", ErrMalformedHamt)
		}
		if out.directChildCount() == 0 && out.directKVCount() <= bucketSize {
			return nil, xerrors.Errorf("%w: inner node should have been collapsed", ErrMalformedHamt)
		}
	}
	return &out, nil
}

// Find decodes the value stored under k into out and reports whether k is
// present. out may be nil to only test for presence.
func (n *Node) Find(ctx context.Context, k string, out cbg.CBORUnmarshaler) (bool, error) {
	kv, err := n.getValue(ctx, &hashBits{b: n.hash([]byte(k))}, []byte(k))
	if err != nil || kv == nil {
		return false, err
	}
	if out != nil {
		if err := out.UnmarshalCBOR(bytes.NewReader(kv.Value.Raw)); err != nil {
			return true, xerrors.Errorf("decode hamt value: %w", err)
		}
	}
	return true, nil
}

// FindRaw returns the raw encoded value under k, or nil.
func (n *Node) FindRaw(ctx context.Context, k string) ([]byte, error) {
	kv, err := n.getValue(ctx, &hashBits{b: n.hash([]byte(k))}, []byte(k))
	if err != nil || kv == nil {
		return nil, err
	}
	return kv.Value.Raw, nil
}

// Set stores v under k.
func (n *Node) Set(ctx context.Context, k string, v cbg.CBORMarshaler) error {
	buf := new(bytes.Buffer)
	if err := v.MarshalCBOR(buf); err != nil {
		return xerrors.Errorf("marshal hamt value: %w", err)
	}
	return n.SetRaw(ctx, k, buf.Bytes())
}

// SetRaw stores already encoded bytes under k.
func (n *Node) SetRaw(ctx context.Context, k string, raw []byte) error {
	kb := []byte(k)
	_, err := n.modifyValue(ctx, &hashBits{b: n.hash(kb)}, kb, &cbg.Deferred{Raw: raw})
	return err
}

// Delete removes k and reports whether it was present. Nodes left with too
// few entries are collapsed into buckets of their parent.
func (n *Node) Delete(ctx context.Context, k string) (bool, error) {
	kb := []byte(k)
	return n.modifyValue(ctx, &hashBits{b: n.hash(kb)}, kb, nil)
}

// ForEach visits every entry in trie order: slot order at each level,
// key order within a bucket.
func (n *Node) ForEach(ctx context.Context, f func(k string, val *cbg.Deferred) error) error {
	for _, p := range n.pointers {
		if p.isShard() {
			if err := ctx.Err(); err != nil {
				return err
			}
			chnd, err := n.loadChild(ctx, p)
			if err != nil {
				return err
			}
			if err := chnd.ForEach(ctx, f); err != nil {
				return err
			}
			continue
		}
		for _, kv := range p.kvs {
			if err := f(string(kv.Key), kv.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes every modified node below and including n, returning n's cid.
func (n *Node) Flush(ctx context.Context) (cid.Cid, error) {
	for _, p := range n.pointers {
		if p.cache == nil || !p.dirty {
			continue
		}
		c, err := p.cache.Flush(ctx)
		if err != nil {
			return cid.Undef, err
		}
		p.link = c
		p.dirty = false
	}
	return n.store.Put(ctx, n)
}

func (n *Node) getValue(ctx context.Context, hv *hashBits, k []byte) (*KV, error) {
	idx, err := hv.Next(n.bitWidth)
	if err != nil {
		return nil, err
	}
	if n.bitfield.Bit(idx) == 0 {
		return nil, nil
	}

	p := n.pointers[n.indexForBitPos(idx)]
	if p.isShard() {
		chnd, err := n.loadChild(ctx, p)
		if err != nil {
			return nil, err
		}
		return chnd.getValue(ctx, hv, k)
	}
	for _, kv := range p.kvs {
		if bytes.Equal(kv.Key, k) {
			return kv, nil
		}
	}
	return nil, nil
}

func (n *Node) loadChild(ctx context.Context, p *pointer) (*Node, error) {
	if p.cache != nil {
		return p.cache, nil
	}
	out, err := n.loadNode(ctx, p.link, false)
	if err != nil {
		return nil, err
	}
	p.cache = out
	return out, nil
}

// modifyValue inserts, updates (v != nil) or deletes (v == nil) k. It
// reports whether the trie changed.
func (n *Node) modifyValue(ctx context.Context, hv *hashBits, k []byte, v *cbg.Deferred) (bool, error) {
	idx, err := hv.Next(n.bitWidth)
	if err != nil {
		return false, err
	}

	if n.bitfield.Bit(idx) == 0 {
		if v == nil {
			return false, nil
		}
		n.insertKV(idx, k, v)
		return true, nil
	}

	cindex := n.indexForBitPos(idx)
	child := n.pointers[cindex]
	if child.isShard() {
		chnd, err := n.loadChild(ctx, child)
		if err != nil {
			return false, err
		}
		changed, err := chnd.modifyValue(ctx, hv, k, v)
		if err != nil || !changed {
			return changed, err
		}
		child.dirty = true
		if v == nil {
			n.cleanChild(chnd, cindex, idx)
		}
		return true, nil
	}

	if v == nil {
		for i, kv := range child.kvs {
			if !bytes.Equal(kv.Key, k) {
				continue
			}
			if len(child.kvs) == 1 {
				n.rmPointer(cindex, idx)
				return true, nil
			}
			child.kvs = append(child.kvs[:i:i], child.kvs[i+1:]...)
			return true, nil
		}
		return false, nil
	}

	for _, kv := range child.kvs {
		if bytes.Equal(kv.Key, k) {
			kv.Value = v
			return true, nil
		}
	}

	if len(child.kvs) >= bucketSize {
		// overflow: push the bucket and the new entry down one level
		sub := &Node{bitfield: big.NewInt(0), store: n.store, bitWidth: n.bitWidth, hash: n.hash}
		hvcopy := &hashBits{b: hv.b, consumed: hv.consumed}
		if _, err := sub.modifyValue(ctx, hvcopy, k, v); err != nil {
			return false, err
		}
		for _, kv := range child.kvs {
			chhv := &hashBits{b: n.hash(kv.Key), consumed: hv.consumed}
			if _, err := sub.modifyValue(ctx, chhv, kv.Key, kv.Value); err != nil {
				return false, err
			}
		}
		n.pointers[cindex] = &pointer{cache: sub, dirty: true}
		return true, nil
	}

	np := &KV{Key: k, Value: v}
	pos := sort.Search(len(child.kvs), func(i int) bool {
		return bytes.Compare(k, child.kvs[i].Key) < 0
	})
	kvs := make([]*KV, 0, len(child.kvs)+1)
	kvs = append(kvs, child.kvs[:pos]...)
	kvs = append(kvs, np)
	child.kvs = append(kvs, child.kvs[pos:]...)
	return true, nil
}

// cleanChild restores canonical form after a delete below cindex: a child
// without sub shards whose entries fit in one bucket is replaced by that
// bucket.
func (n *Node) cleanChild(chnd *Node, cindex, idx int) {
	if chnd.directChildCount() != 0 || chnd.directKVCount() > bucketSize {
		return
	}
	if chnd.directKVCount() == 0 {
		n.rmPointer(cindex, idx)
		return
	}

	var kvs []*KV
	for _, p := range chnd.pointers {
		kvs = append(kvs, p.kvs...)
	}
	sort.Slice(kvs, func(i, j int) bool {
		return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0
	})
	n.pointers[cindex] = &pointer{kvs: kvs}
}

func (n *Node) insertKV(idx int, k []byte, v *cbg.Deferred) {
	i := n.indexForBitPos(idx)
	n.bitfield.SetBit(n.bitfield, idx, 1)

	p := &pointer{kvs: []*KV{{Key: k, Value: v}}}
	ps := make([]*pointer, 0, len(n.pointers)+1)
	ps = append(ps, n.pointers[:i]...)
	ps = append(ps, p)
	n.pointers = append(ps, n.pointers[i:]...)
}

func (n *Node) rmPointer(i int, idx int) {
	n.pointers = append(n.pointers[:i:i], n.pointers[i+1:]...)
	n.bitfield.SetBit(n.bitfield, idx, 0)
}

func (n *Node) indexForBitPos(bp int) int {
	count := 0
	for _, w := range n.bitfield.Bits() {
		if bp <= 0 {
			break
		}
		if bp >= bits.UintSize {
			count += bits.OnesCount(uint(w))
		} else {
			count += bits.OnesCount(uint(w) & (1<<uint(bp) - 1))
		}
		bp -= bits.UintSize
	}
	return count
}

func (n *Node) bitsSetCount() int {
	count := 0
	for _, w := range n.bitfield.Bits() {
		count += bits.OnesCount(uint(w))
	}
	return count
}

func (n *Node) directChildCount() int {
	count := 0
	for _, p := range n.pointers {
		if p.isShard() {
			count++
		}
	}
	return count
}

func (n *Node) directKVCount() int {
	count := 0
	for _, p := range n.pointers {
		if !p.isShard() {
			count += len(p.kvs)
		}
	}
	return count
}

func (p *pointer) isShard() bool {
	return p.link.Defined() || p.cache != nil
}
