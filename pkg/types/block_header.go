package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/minio/blake2b-simd"
)

// Ticket is the randomness a miner derives from its parent and commits to in
// a block. Tickets order the blocks of a tipset.
type Ticket struct {
	VRFProof []byte
}

// Digest is the blake2b-256 hash of the VRF proof.
func (t *Ticket) Digest() [32]byte {
	return blake2b.Sum256(t.VRFProof)
}

// Compare orders tickets by digest.
func (t *Ticket) Compare(o *Ticket) int {
	td := t.Digest()
	od := o.Digest()
	return bytes.Compare(td[:], od[:])
}

// Less reports whether t sorts before o.
func (t *Ticket) Less(o *Ticket) bool {
	return t.Compare(o) < 0
}

// ElectionProof proves the miner was elected to produce WinCount blocks'
// worth of weight in an epoch.
type ElectionProof struct {
	WinCount int64
	VRFProof []byte
}

// DecodeBlock decodes raw cbor bytes into a BlockHeader.
func DecodeBlock(b []byte) (*BlockHeader, error) {
	var out BlockHeader
	if err := out.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockHeader is a block in the blockchain.
type BlockHeader struct {
	// Miner is the address of the miner actor that mined this block.
	Miner address.Address

	// Ticket is the ticket submitted with this block.
	Ticket *Ticket

	// ElectionProof is the vrf proof giving this block's miner authoring rights
	ElectionProof *ElectionProof

	// Parents is the set of parents this block was based on. Typically one,
	// but can be several in the case where there were multiple winning ticket-
	// holders for an epoch.
	Parents []cid.Cid

	// ParentWeight is the aggregate chain weight of the parent set.
	ParentWeight big.Int

	// Height is the chain height of this block.
	Height abi.ChainEpoch

	// ParentStateRoot is the CID of the root of the state tree after application of the messages in the parent tipset
	// to the parent tipset's state root.
	ParentStateRoot cid.Cid

	// ParentMessageReceipts is the root of the receipts produced by the parent tipset.
	ParentMessageReceipts cid.Cid

	// Messages is the root of the array of signed message cids included in this block.
	Messages cid.Cid

	// The timestamp, in seconds since the Unix epoch, at which this block was created.
	Timestamp uint64

	// The signature of the miner's worker key over the block
	BlockSig *crypto.Signature

	// identical for all blocks in same tipset: the base fee after executing parent tipset
	ParentBaseFee abi.TokenAmount
}

// Cid returns the content id of this block.
func (b *BlockHeader) Cid() cid.Cid {
	c, _, err := b.SerializeWithCid()
	if err != nil {
		panic(err)
	}
	return c
}

func (b *BlockHeader) String() string {
	errStr := "(error encoding BlockHeader)"
	c, _, err := b.SerializeWithCid()
	if err != nil {
		return errStr
	}
	js, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errStr
	}
	return fmt.Sprintf("BlockHeader cid=[%v]: %s", c, string(js))
}

// Equals returns true if the BlockHeader is equal to other.
func (b *BlockHeader) Equals(other *BlockHeader) bool {
	return b.Cid().Equals(other.Cid())
}

// SignatureData returns the block's bytes with a null signature field for
// signature creation and verification
func (b *BlockHeader) SignatureData() ([]byte, error) {
	tmp := *b
	tmp.BlockSig = nil
	return tmp.Serialize()
}

// Serialize serialize blockheader to binary
func (b *BlockHeader) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := b.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *BlockHeader) SerializeWithCid() (cid.Cid, []byte, error) {
	return SerializeWithCid(b)
}

// ToStorageBlock convert blockheader to data block with cid
func (b *BlockHeader) ToStorageBlock() (blocks.Block, error) {
	return ToStorageBlock(b)
}

// LastTicket get ticket in block
func (b *BlockHeader) LastTicket() *Ticket {
	return b.Ticket
}
