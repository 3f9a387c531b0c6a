package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
)

var (
	ErrEmptyTipSet        = fmt.Errorf("no blocks for tipset")
	ErrInconsistentTipSet = fmt.Errorf("inconsistent tipset")
)

type blockHeaderWithCid struct {
	c cid.Cid
	b *BlockHeader
}

// NewTipSet builds a tipset from blocks sharing height, parents and parent
// weight. Blocks are put in canonical order: by ticket digest, then cid.
func NewTipSet(bhs []*BlockHeader) (*TipSet, error) {
	if len(bhs) == 0 {
		return nil, ErrEmptyTipSet
	}

	blks := make([]*blockHeaderWithCid, len(bhs))
	first := bhs[0]
	if first.Ticket == nil {
		return nil, fmt.Errorf("%w: block %s has no ticket", ErrInconsistentTipSet, first.Cid())
	}
	blks[0] = &blockHeaderWithCid{
		c: first.Cid(),
		b: first,
	}

	seen := make(map[cid.Cid]struct{})
	seen[blks[0].c] = struct{}{}

	for i := 1; i < len(bhs); i++ {
		blk := bhs[i]
		if blk.Ticket == nil {
			return nil, fmt.Errorf("%w: block %s has no ticket", ErrInconsistentTipSet, blk.Cid())
		}
		if blk.Height != first.Height {
			return nil, fmt.Errorf("%w: block heights %d and %d", ErrInconsistentTipSet, first.Height, blk.Height)
		}

		if !sortedCidArrsEqual(blk.Parents, first.Parents) {
			return nil, fmt.Errorf("%w: block parents %s and %s", ErrInconsistentTipSet, NewTipSetKey(first.Parents...), NewTipSetKey(blk.Parents...))
		}

		if !blk.ParentWeight.Equals(first.ParentWeight) {
			return nil, fmt.Errorf("%w: block parent weights %d and %d", ErrInconsistentTipSet, first.ParentWeight, blk.ParentWeight)
		}

		bcid := blk.Cid()
		if _, ok := seen[bcid]; ok {
			return nil, fmt.Errorf("%w: duplicate block %s", ErrInconsistentTipSet, bcid)
		}

		seen[bcid] = struct{}{}
		blks[i] = &blockHeaderWithCid{
			c: bcid,
			b: blk,
		}
	}

	sortBlockHeadersInTipSet(blks)
	blocks := make([]*BlockHeader, len(blks))
	cids := make([]cid.Cid, len(blks))
	for i := range blks {
		blocks[i] = blks[i].b
		cids[i] = blks[i].c
	}

	return &TipSet{
		blocks:     blocks,
		key:        NewTipSetKey(cids...),
		cids:       cids,
		height:     first.Height,
		parentsKey: NewTipSetKey(first.Parents...),
	}, nil
}

// TipSet is a non-empty, immutable set of blocks at the same height with the same parent set.
// Blocks in a tipset are canonically ordered by ticket.
type TipSet struct {
	// This slice is wrapped in a struct to enforce immutability.
	blocks []*BlockHeader
	// Key is computed at construction and cached.
	key  TipSetKey
	cids []cid.Cid

	height abi.ChainEpoch

	parentsKey TipSetKey
}

// Defined checks whether the tipset is defined.
// Invoking any other methods on an undefined tipset will result in undefined behaviour (c.f. cid.Undef)
func (ts *TipSet) Defined() bool {
	return ts != nil && len(ts.blocks) > 0
}

func (ts *TipSet) Equals(ots *TipSet) bool {
	if ts == nil && ots == nil {
		return true
	}
	if ts == nil || ots == nil {
		return false
	}
	return ts.key == ots.key
}

// Len returns the number of blocks in the tipset.
func (ts *TipSet) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.blocks)
}

// Blocks returns the blocks in canonical order.
func (ts *TipSet) Blocks() []*BlockHeader {
	return ts.blocks
}

// At returns the i'th block in canonical order.
func (ts *TipSet) At(i int) *BlockHeader {
	return ts.blocks[i]
}

// Key returns a key for the tipset.
func (ts *TipSet) Key() TipSetKey {
	if ts == nil {
		return EmptyTSK
	}
	return ts.key
}

func (ts *TipSet) Cids() []cid.Cid {
	if !ts.Defined() {
		return []cid.Cid{}
	}
	dst := make([]cid.Cid, len(ts.cids))
	copy(dst, ts.cids)
	return dst
}

// Height returns the height of a tipset.
func (ts *TipSet) Height() abi.ChainEpoch {
	if ts.Defined() {
		return ts.height
	}
	return 0
}

// Parents returns the key of the parent tipset.
func (ts *TipSet) Parents() TipSetKey {
	if ts.Defined() {
		return ts.parentsKey
	}
	return EmptyTSK
}

// ParentState returns the state root the first block declares for its parent.
func (ts *TipSet) ParentState() cid.Cid {
	if ts.Defined() {
		return ts.blocks[0].ParentStateRoot
	}
	return cid.Undef
}

// ParentMessageReceipts returns the receipts root the first block declares for its parent.
func (ts *TipSet) ParentMessageReceipts() cid.Cid {
	if ts.Defined() {
		return ts.blocks[0].ParentMessageReceipts
	}
	return cid.Undef
}

// ParentWeight returns the tipset's ParentWeight in fixed point form.
func (ts *TipSet) ParentWeight() big.Int {
	if ts.Defined() {
		return ts.blocks[0].ParentWeight
	}
	return big.Zero()
}

// ParentBaseFee returns the base fee declared for execution of this tipset.
func (ts *TipSet) ParentBaseFee() abi.TokenAmount {
	if ts.Defined() {
		return ts.blocks[0].ParentBaseFee
	}
	return big.Zero()
}

// String returns a formatted string of the CIDs in the TipSet.
// "{ <cid1> <cid2> <cid3> }"
func (ts *TipSet) String() string {
	return ts.Key().String()
}

// IsChildOf reports whether ts is built directly on parent.
func (ts *TipSet) IsChildOf(parent *TipSet) bool {
	return ts.Parents() == parent.Key() && ts.Height() > parent.Height()
}

func (ts *TipSet) MinTicketBlock() *BlockHeader {
	min := ts.blocks[0]
	for _, b := range ts.blocks[1:] {
		if b.LastTicket().Less(min.LastTicket()) {
			min = b
		}
	}
	return min
}

// MinTicket returns the smallest ticket of all blocks in the tipset.
func (ts *TipSet) MinTicket() *Ticket {
	return ts.MinTicketBlock().Ticket
}

func (ts *TipSet) MinTimestamp() uint64 {
	minTS := ts.blocks[0].Timestamp
	for _, bh := range ts.blocks[1:] {
		if bh.Timestamp < minTS {
			minTS = bh.Timestamp
		}
	}
	return minTS
}

func sortedCidArrsEqual(a, b []cid.Cid) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortBlockHeadersInTipSet(blks []*blockHeaderWithCid) {
	sort.Slice(blks, func(i, j int) bool {
		cmp := blks[i].b.Ticket.Compare(blks[j].b.Ticket)
		if cmp == 0 {
			// Break ticket ties with the block CIDs, which are distinct.
			cmp = bytes.Compare(blks[i].c.Bytes(), blks[j].c.Bytes())
		}
		return cmp < 0
	})
}
