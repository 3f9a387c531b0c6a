package types

import (
	"github.com/filecoin-project/go-state-types/abi"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

// DefaultCidBuilder is the builder for every chain object: dag-cbor, blake2b-256.
var DefaultCidBuilder = abi.CidBuilder

// SerializeWithCid encodes m and returns its content id along with the bytes.
func SerializeWithCid(m cbg.CBORMarshaler) (cid.Cid, []byte, error) {
	data, err := encoding.Dump(m)
	if err != nil {
		return cid.Undef, nil, err
	}
	c, err := DefaultCidBuilder.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}

// ToStorageBlock turns m into a raw block ready for a blockstore.
func ToStorageBlock(m cbg.CBORMarshaler) (blocks.Block, error) {
	c, data, err := SerializeWithCid(m)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

// CidArrsContains reports whether b is one of a.
func CidArrsContains(a []cid.Cid, b cid.Cid) bool {
	for _, elem := range a {
		if elem.Equals(b) {
			return true
		}
	}
	return false
}
