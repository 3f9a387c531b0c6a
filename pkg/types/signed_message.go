package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/go-state-types/crypto"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

var _ ChainMsg = &SignedMessage{}

// SignedMessage contains a message and its signature
type SignedMessage struct {
	Message   UnsignedMessage
	Signature crypto.Signature
}

func (smsg *SignedMessage) ChainLength() int {
	data, err := smsg.Serialize()
	if err != nil {
		panic(err)
	}
	return len(data)
}

// Serialize return message binary
func (smsg *SignedMessage) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := smsg.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (smsg *SignedMessage) SerializeWithCid() (cid.Cid, []byte, error) {
	return SerializeWithCid(smsg)
}

func (smsg *SignedMessage) ToStorageBlock() (blocks.Block, error) {
	return ToStorageBlock(smsg)
}

// Cid is the id of the signed envelope. The unsigned message id differs.
func (smsg *SignedMessage) Cid() cid.Cid {
	c, _, err := smsg.SerializeWithCid()
	if err != nil {
		panic(fmt.Errorf("failed to marshal signed-message: %w", err))
	}
	return c
}

func (smsg *SignedMessage) VMMessage() *UnsignedMessage {
	return &smsg.Message
}

// String return message json string
func (smsg *SignedMessage) String() string {
	errStr := "(error encoding SignedMessage)"
	c, _, err := smsg.SerializeWithCid()
	if err != nil {
		return errStr
	}
	js, err := json.MarshalIndent(smsg, "", "  ")
	if err != nil {
		return errStr
	}
	return fmt.Sprintf("SignedMessage cid=[%v]: %s", c, string(js))
}

// DecodeSignedMessage decodes a signed message from bytes.
func DecodeSignedMessage(b []byte) (*SignedMessage, error) {
	var smsg SignedMessage
	if err := smsg.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return &smsg, nil
}
