package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/constants"
)

const MessageVersion = 0

// ChainMsg is a message as it appears on chain, signed or not.
type ChainMsg interface {
	Cid() cid.Cid
	VMMessage() *UnsignedMessage
	ToStorageBlock() (blocks.Block, error)
	// ChainLength is the serialized size of the message.
	ChainLength() int
}

var _ ChainMsg = &UnsignedMessage{}

// UnsignedMessage is an exchange of information between two actors modeled
// as a function call.
type UnsignedMessage struct {
	Version int64

	To   address.Address
	From address.Address
	// When receiving a message from a user account the nonce in
	// the message must match the expected nonce in the from actor.
	// This prevents replay attacks.
	Nonce uint64

	Value abi.TokenAmount

	GasLimit   int64
	GasFeeCap  abi.TokenAmount
	GasPremium abi.TokenAmount

	Method abi.MethodNum
	Params []byte
}

// NewUnsignedMessage creates a new message.
func NewUnsignedMessage(from, to address.Address, nonce uint64, value abi.TokenAmount, method abi.MethodNum, params []byte) *UnsignedMessage {
	return &UnsignedMessage{
		Version:    MessageVersion,
		To:         to,
		From:       from,
		Nonce:      nonce,
		Value:      value,
		GasFeeCap:  big.Zero(),
		GasPremium: big.Zero(),
		Method:     method,
		Params:     params,
	}
}

// NewMeteredMessage adds gas price and gas limit to the message
func NewMeteredMessage(from, to address.Address, nonce uint64, value abi.TokenAmount, method abi.MethodNum, params []byte, gasFeeCap, gasPremium abi.TokenAmount, limit int64) *UnsignedMessage {
	msg := NewUnsignedMessage(from, to, nonce, value, method, params)
	msg.GasFeeCap = gasFeeCap
	msg.GasPremium = gasPremium
	msg.GasLimit = limit
	return msg
}

// RequiredFunds is the most gas the message can be charged for.
func (msg *UnsignedMessage) RequiredFunds() big.Int {
	return big.Mul(msg.GasFeeCap, big.NewInt(msg.GasLimit))
}

// Serialize the message into bytes.
func (msg *UnsignedMessage) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := msg.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msg *UnsignedMessage) SerializeWithCid() (cid.Cid, []byte, error) {
	return SerializeWithCid(msg)
}

// Cid returns the canonical CID for the message.
func (msg *UnsignedMessage) Cid() cid.Cid {
	c, _, err := msg.SerializeWithCid()
	if err != nil {
		panic(fmt.Errorf("failed to marshal message: %w", err))
	}
	return c
}

func (msg *UnsignedMessage) String() string {
	errStr := "(error encoding Message)"
	c, _, err := msg.SerializeWithCid()
	if err != nil {
		return errStr
	}
	js, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return errStr
	}
	return fmt.Sprintf("Message cid=[%v]: %s", c, string(js))
}

// Equals tests whether two messages are equal
func (msg *UnsignedMessage) Equals(other *UnsignedMessage) bool {
	return msg.To == other.To &&
		msg.From == other.From &&
		msg.Nonce == other.Nonce &&
		msg.Value.Equals(other.Value) &&
		msg.GasPremium.Equals(other.GasPremium) &&
		msg.GasFeeCap.Equals(other.GasFeeCap) &&
		msg.GasLimit == other.GasLimit &&
		msg.Method == other.Method &&
		bytes.Equal(msg.Params, other.Params)
}

func (msg *UnsignedMessage) ChainLength() int {
	ser, err := msg.Serialize()
	if err != nil {
		panic(err)
	}
	return len(ser)
}

func (msg *UnsignedMessage) VMMessage() *UnsignedMessage {
	return msg
}

func (msg *UnsignedMessage) ToStorageBlock() (blocks.Block, error) {
	return ToStorageBlock(msg)
}

// ValidForBlockInclusion checks the fields a message must satisfy to be
// included in a block at all. minGas is the cost of storing the message.
func (msg *UnsignedMessage) ValidForBlockInclusion(minGas int64) error {
	if msg.Version != MessageVersion {
		return xerrors.New("'Version' unsupported")
	}

	if msg.To == address.Undef {
		return xerrors.New("'To' address cannot be empty")
	}

	if msg.From == address.Undef {
		return xerrors.New("'From' address cannot be empty")
	}

	if msg.Value.Int == nil {
		return xerrors.New("'Value' cannot be nil")
	}

	if msg.Value.LessThan(big.Zero()) {
		return xerrors.New("'Value' field cannot be negative")
	}

	if msg.Value.GreaterThan(big.NewFromGo(constants.TotalFilecoin)) {
		return xerrors.New("'Value' field cannot be greater than total filecoin supply")
	}

	if msg.GasFeeCap.Int == nil {
		return xerrors.New("'GasFeeCap' cannot be nil")
	}

	if msg.GasFeeCap.LessThan(big.Zero()) {
		return xerrors.New("'GasFeeCap' field cannot be negative")
	}

	if msg.GasPremium.Int == nil {
		return xerrors.New("'GasPremium' cannot be nil")
	}

	if msg.GasPremium.LessThan(big.Zero()) {
		return xerrors.New("'GasPremium' field cannot be negative")
	}

	if msg.GasPremium.GreaterThan(msg.GasFeeCap) {
		return xerrors.New("'GasFeeCap' less than 'GasPremium'")
	}

	if msg.GasLimit > constants.BlockGasLimit {
		return xerrors.New("'GasLimit' field cannot be greater than a block's gas limit")
	}

	// since prices might vary with time, this is technically semantic validation
	if msg.GasLimit < minGas {
		return xerrors.Errorf("'GasLimit' field cannot be less than the cost of storing a message on chain %d < %d", msg.GasLimit, minGas)
	}

	return nil
}

// DecodeMessage decodes and checks the version of an unsigned message.
func DecodeMessage(b []byte) (*UnsignedMessage, error) {
	var msg UnsignedMessage
	if err := msg.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	if msg.Version != MessageVersion {
		return nil, fmt.Errorf("decoded message had incorrect version (%d)", msg.Version)
	}
	return &msg, nil
}
