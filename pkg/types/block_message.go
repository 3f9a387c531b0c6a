package types

import (
	"github.com/ipfs/go-cid"
)

// BlockMessagesInfo contains messages for one block in a tipset.
type BlockMessagesInfo struct { //nolint
	Messages []*SignedMessage
	Block    *BlockHeader
}

// FullBlock carries a header and the messages its Messages root commits to.
type FullBlock struct {
	Header   *BlockHeader
	Messages []*SignedMessage
}

// Cid returns the header cid.
func (fb *FullBlock) Cid() cid.Cid {
	return fb.Header.Cid()
}

// FullTipSet is a tipset with the messages of each block.
type FullTipSet struct {
	Blocks []*FullBlock
	tipset *TipSet
}

// NewFullTipSet wraps blocks. The tipset is derived lazily.
func NewFullTipSet(blks []*FullBlock) *FullTipSet {
	return &FullTipSet{Blocks: blks}
}

// TipSet builds the header tipset.
func (fts *FullTipSet) TipSet() (*TipSet, error) {
	if fts.tipset != nil {
		return fts.tipset, nil
	}
	headers := make([]*BlockHeader, len(fts.Blocks))
	for i, b := range fts.Blocks {
		headers[i] = b.Header
	}
	ts, err := NewTipSet(headers)
	if err != nil {
		return nil, err
	}
	fts.tipset = ts
	return ts, nil
}
