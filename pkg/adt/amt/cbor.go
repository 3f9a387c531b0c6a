package amt

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

// rawRoot is the persisted form of an array root: [height, count, node].
type rawRoot struct {
	Height uint64
	Count  uint64
	Node   rawNode
}

// rawNode is the persisted form of a node: [bitmap, links, values]. Exactly
// one of Links and Values is populated, depending on the node height.
type rawNode struct {
	Bmap   [bitfieldSize]byte
	Links  []cid.Cid
	Values []*cbg.Deferred
}

func (t *rawRoot) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(3); err != nil {
		return err
	}
	if err := cw.Uint(t.Height); err != nil {
		return err
	}
	if err := cw.Uint(t.Count); err != nil {
		return err
	}
	return t.Node.MarshalCBOR(w)
}

func (t *rawRoot) UnmarshalCBOR(r io.Reader) (err error) {
	cr := encoding.NewReader(r)
	if err := cr.Array(3); err != nil {
		return err
	}
	if t.Height, err = cr.Uint(); err != nil {
		return err
	}
	if t.Count, err = cr.Uint(); err != nil {
		return err
	}
	return t.Node.UnmarshalCBOR(cr.Underlying())
}

func (t *rawNode) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(3); err != nil {
		return err
	}
	if err := cw.Bytes(t.Bmap[:]); err != nil {
		return err
	}
	if err := cw.Cids(t.Links); err != nil {
		return err
	}
	if err := cw.Array(len(t.Values)); err != nil {
		return err
	}
	for _, v := range t.Values {
		if err := v.MarshalCBOR(w); err != nil {
			return err
		}
	}
	return nil
}

func (t *rawNode) UnmarshalCBOR(r io.Reader) error {
	cr := encoding.NewReader(r)
	if err := cr.Array(3); err != nil {
		return err
	}
	bmap, err := cr.Bytes()
	if err != nil {
		return err
	}
	if len(bmap) != bitfieldSize {
		return fmt.Errorf("%w: bitmap of length %d", ErrMalformed, len(bmap))
	}
	copy(t.Bmap[:], bmap)

	if t.Links, err = cr.Cids(); err != nil {
		return err
	}
	if len(t.Links) > width {
		return fmt.Errorf("%w: %d links", ErrMalformed, len(t.Links))
	}

	n, err := cr.ArrayLen(width)
	if err != nil {
		return err
	}
	t.Values = make([]*cbg.Deferred, n)
	for i := range t.Values {
		if t.Values[i], err = cr.Deferred(); err != nil {
			return err
		}
	}
	return nil
}
