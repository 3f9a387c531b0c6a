package hamt

import (
	"fmt"
	"io"
	"math/big"

	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

var (
	keyLink   = []byte("0")
	keyBucket = []byte("1")
)

// MarshalCBOR encodes the node as [bitfield, [pointer...]]. Children must
// have been flushed first.
func (n *Node) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Bytes(n.bitfield.Bytes()); err != nil {
		return err
	}
	if err := cw.Array(len(n.pointers)); err != nil {
		return err
	}
	for _, p := range n.pointers {
		if err := p.MarshalCBOR(w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCBOR decodes a node. Shape validation happens in loadNode.
func (n *Node) UnmarshalCBOR(r io.Reader) error {
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	bf, err := cr.Bytes()
	if err != nil {
		return err
	}
	n.bitfield = new(big.Int).SetBytes(bf)

	l, err := cr.ArrayLen(1 << 8)
	if err != nil {
		return err
	}
	n.pointers = make([]*pointer, l)
	for i := range n.pointers {
		p := new(pointer)
		if err := p.UnmarshalCBOR(cr.Underlying()); err != nil {
			return err
		}
		n.pointers[i] = p
	}
	return nil
}

// pointer encodes as {"0": link} or {"1": [kv...]}.
func (p *pointer) MarshalCBOR(w io.Writer) error {
	if p.cache != nil && p.dirty {
		return fmt.Errorf("hamt pointer has unflushed changes")
	}
	if p.link.Defined() && len(p.kvs) > 0 {
		return fmt.Errorf("hamt pointer cannot have both a link and kvs")
	}

	scratch := make([]byte, 9)
	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajMap, 1); err != nil {
		return err
	}
	cw := encoding.NewWriter(w)
	if p.link.Defined() {
		if err := cw.String(string(keyLink)); err != nil {
			return err
		}
		return cw.Cid(p.link)
	}

	if err := cw.String(string(keyBucket)); err != nil {
		return err
	}
	if err := cw.Array(len(p.kvs)); err != nil {
		return err
	}
	for _, kv := range p.kvs {
		if err := kv.MarshalCBOR(w); err != nil {
			return err
		}
	}
	return nil
}

func (p *pointer) UnmarshalCBOR(r io.Reader) error {
	br := cbg.GetPeeker(r)
	scratch := make([]byte, 8)

	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajMap || extra != 1 {
		return fmt.Errorf("%w: pointer must be a single entry map", ErrMalformedHamt)
	}

	cr := encoding.NewReader(br)
	key, err := cr.String()
	if err != nil {
		return err
	}
	switch key {
	case string(keyLink):
		p.link, err = cr.Cid()
		return err
	case string(keyBucket):
		l, err := cr.ArrayLen(bucketSize)
		if err != nil {
			return err
		}
		p.kvs = make([]*KV, l)
		for i := range p.kvs {
			kv := new(KV)
			if err := kv.UnmarshalCBOR(br); err != nil {
				return err
			}
			p.kvs[i] = kv
		}
		return nil
	default:
		return fmt.Errorf("%w: invalid pointer key %q", ErrMalformedHamt, key)
	}
}

// MarshalCBOR encodes the pair as [key, value].
func (kv *KV) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Bytes(kv.Key); err != nil {
		return err
	}
	return kv.Value.MarshalCBOR(w)
}

func (kv *KV) UnmarshalCBOR(r io.Reader) (err error) {
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	if kv.Key, err = cr.Bytes(); err != nil {
		return err
	}
	kv.Value, err = cr.Deferred()
	return err
}
