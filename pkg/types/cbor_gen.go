package types

import (
	"fmt"
	"io"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

var (
	_ cbg.CBORMarshaler   = (*BlockHeader)(nil)
	_ cbg.CBORUnmarshaler = (*BlockHeader)(nil)
	_ cbg.CBORMarshaler   = (*UnsignedMessage)(nil)
	_ cbg.CBORUnmarshaler = (*UnsignedMessage)(nil)
	_ cbg.CBORMarshaler   = (*SignedMessage)(nil)
	_ cbg.CBORUnmarshaler = (*SignedMessage)(nil)
	_ cbg.CBORMarshaler   = (*MessageReceipt)(nil)
	_ cbg.CBORUnmarshaler = (*MessageReceipt)(nil)
	_ cbg.CBORMarshaler   = (*Actor)(nil)
	_ cbg.CBORUnmarshaler = (*Actor)(nil)
)

func (t *Ticket) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(1); err != nil {
		return err
	}
	return cw.Bytes(t.VRFProof)
}

func (t *Ticket) UnmarshalCBOR(r io.Reader) (err error) {
	*t = Ticket{}
	cr := encoding.NewReader(r)
	if err := cr.Array(1); err != nil {
		return err
	}
	if t.VRFProof, err = cr.Bytes(); err != nil {
		return xerrors.Errorf("t.VRFProof: %w", err)
	}
	return nil
}

func (t *ElectionProof) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Int(t.WinCount); err != nil {
		return err
	}
	return cw.Bytes(t.VRFProof)
}

func (t *ElectionProof) UnmarshalCBOR(r io.Reader) (err error) {
	*t = ElectionProof{}
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	if t.WinCount, err = cr.Int(); err != nil {
		return xerrors.Errorf("t.WinCount: %w", err)
	}
	if t.VRFProof, err = cr.Bytes(); err != nil {
		return xerrors.Errorf("t.VRFProof: %w", err)
	}
	return nil
}

func (t *BlockHeader) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(12); err != nil {
		return err
	}

	// t.Miner (address.Address) (struct)
	if err := cw.Object(&t.Miner); err != nil {
		return xerrors.Errorf("t.Miner: %w", err)
	}

	// t.Ticket (types.Ticket) (struct)
	if err := cw.Object(t.Ticket); err != nil {
		return err
	}

	// t.ElectionProof (types.ElectionProof) (struct)
	if err := cw.Object(t.ElectionProof); err != nil {
		return err
	}

	// t.Parents ([]cid.Cid) (slice)
	if err := cw.Cids(t.Parents); err != nil {
		return xerrors.Errorf("t.Parents: %w", err)
	}

	// t.ParentWeight (big.Int) (struct)
	if err := cw.Object(&t.ParentWeight); err != nil {
		return err
	}

	// t.Height (abi.ChainEpoch) (int64)
	if err := cw.Int(int64(t.Height)); err != nil {
		return err
	}

	if err := cw.Cid(t.ParentStateRoot); err != nil {
		return xerrors.Errorf("t.ParentStateRoot: %w", err)
	}
	if err := cw.Cid(t.ParentMessageReceipts); err != nil {
		return xerrors.Errorf("t.ParentMessageReceipts: %w", err)
	}
	if err := cw.Cid(t.Messages); err != nil {
		return xerrors.Errorf("t.Messages: %w", err)
	}

	if err := cw.Uint(t.Timestamp); err != nil {
		return err
	}

	// t.BlockSig (crypto.Signature) (struct)
	if t.BlockSig == nil {
		if err := cw.Null(); err != nil {
			return err
		}
	} else if err := cw.Object(t.BlockSig); err != nil {
		return err
	}

	return cw.Object(&t.ParentBaseFee)
}

func (t *BlockHeader) UnmarshalCBOR(r io.Reader) (err error) {
	*t = BlockHeader{}
	cr := encoding.NewReader(r)
	if err := cr.Array(12); err != nil {
		return err
	}

	if err := cr.Object(&t.Miner); err != nil {
		return xerrors.Errorf("unmarshaling t.Miner: %w", err)
	}

	if null, err := cr.Null(); err != nil {
		return err
	} else if !null {
		t.Ticket = new(Ticket)
		if err := cr.Object(t.Ticket); err != nil {
			return xerrors.Errorf("unmarshaling t.Ticket: %w", err)
		}
	}

	if null, err := cr.Null(); err != nil {
		return err
	} else if !null {
		t.ElectionProof = new(ElectionProof)
		if err := cr.Object(t.ElectionProof); err != nil {
			return xerrors.Errorf("unmarshaling t.ElectionProof: %w", err)
		}
	}

	if t.Parents, err = cr.Cids(); err != nil {
		return xerrors.Errorf("unmarshaling t.Parents: %w", err)
	}

	if err := cr.Object(&t.ParentWeight); err != nil {
		return xerrors.Errorf("unmarshaling t.ParentWeight: %w", err)
	}

	height, err := cr.Int()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.Height: %w", err)
	}
	t.Height = abi.ChainEpoch(height)

	if t.ParentStateRoot, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.ParentStateRoot: %w", err)
	}
	if t.ParentMessageReceipts, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.ParentMessageReceipts: %w", err)
	}
	if t.Messages, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.Messages: %w", err)
	}

	if t.Timestamp, err = cr.Uint(); err != nil {
		return xerrors.Errorf("unmarshaling t.Timestamp: %w", err)
	}

	if null, err := cr.Null(); err != nil {
		return err
	} else if !null {
		t.BlockSig = new(crypto.Signature)
		if err := cr.Object(t.BlockSig); err != nil {
			return xerrors.Errorf("unmarshaling t.BlockSig: %w", err)
		}
	}

	if err := cr.Object(&t.ParentBaseFee); err != nil {
		return xerrors.Errorf("unmarshaling t.ParentBaseFee: %w", err)
	}
	return nil
}

func (t *UnsignedMessage) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(10); err != nil {
		return err
	}
	if err := cw.Int(t.Version); err != nil {
		return err
	}
	if err := cw.Object(&t.To); err != nil {
		return xerrors.Errorf("t.To: %w", err)
	}
	if err := cw.Object(&t.From); err != nil {
		return xerrors.Errorf("t.From: %w", err)
	}
	if err := cw.Uint(t.Nonce); err != nil {
		return err
	}
	if err := cw.Object(&t.Value); err != nil {
		return err
	}
	if err := cw.Int(t.GasLimit); err != nil {
		return err
	}
	if err := cw.Object(&t.GasFeeCap); err != nil {
		return err
	}
	if err := cw.Object(&t.GasPremium); err != nil {
		return err
	}
	if err := cw.Uint(uint64(t.Method)); err != nil {
		return err
	}
	return cw.Bytes(t.Params)
}

func (t *UnsignedMessage) UnmarshalCBOR(r io.Reader) (err error) {
	*t = UnsignedMessage{}
	cr := encoding.NewReader(r)
	if err := cr.Array(10); err != nil {
		return err
	}
	if t.Version, err = cr.Int(); err != nil {
		return xerrors.Errorf("unmarshaling t.Version: %w", err)
	}
	if err := cr.Object(&t.To); err != nil {
		return xerrors.Errorf("unmarshaling t.To: %w", err)
	}
	if err := cr.Object(&t.From); err != nil {
		return xerrors.Errorf("unmarshaling t.From: %w", err)
	}
	if t.Nonce, err = cr.Uint(); err != nil {
		return xerrors.Errorf("unmarshaling t.Nonce: %w", err)
	}
	if err := cr.Object(&t.Value); err != nil {
		return xerrors.Errorf("unmarshaling t.Value: %w", err)
	}
	if t.GasLimit, err = cr.Int(); err != nil {
		return xerrors.Errorf("unmarshaling t.GasLimit: %w", err)
	}
	if err := cr.Object(&t.GasFeeCap); err != nil {
		return xerrors.Errorf("unmarshaling t.GasFeeCap: %w", err)
	}
	if err := cr.Object(&t.GasPremium); err != nil {
		return xerrors.Errorf("unmarshaling t.GasPremium: %w", err)
	}
	method, err := cr.Uint()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.Method: %w", err)
	}
	t.Method = abi.MethodNum(method)
	if t.Params, err = cr.Bytes(); err != nil {
		return xerrors.Errorf("unmarshaling t.Params: %w", err)
	}
	return nil
}

func (t *SignedMessage) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Object(&t.Message); err != nil {
		return err
	}
	return cw.Object(&t.Signature)
}

func (t *SignedMessage) UnmarshalCBOR(r io.Reader) error {
	*t = SignedMessage{}
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	if err := cr.Object(&t.Message); err != nil {
		return xerrors.Errorf("unmarshaling t.Message: %w", err)
	}
	if err := cr.Object(&t.Signature); err != nil {
		return xerrors.Errorf("unmarshaling t.Signature: %w", err)
	}
	return nil
}

func (t *MessageReceipt) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(3); err != nil {
		return err
	}
	if err := cw.Int(int64(t.ExitCode)); err != nil {
		return err
	}
	if err := cw.Bytes(t.Return); err != nil {
		return err
	}
	return cw.Int(t.GasUsed)
}

func (t *MessageReceipt) UnmarshalCBOR(r io.Reader) (err error) {
	*t = MessageReceipt{}
	cr := encoding.NewReader(r)
	if err := cr.Array(3); err != nil {
		return err
	}
	code, err := cr.Int()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.ExitCode: %w", err)
	}
	t.ExitCode = exitcode.ExitCode(code)
	if t.Return, err = cr.Bytes(); err != nil {
		return xerrors.Errorf("unmarshaling t.Return: %w", err)
	}
	if t.GasUsed, err = cr.Int(); err != nil {
		return xerrors.Errorf("unmarshaling t.GasUsed: %w", err)
	}
	return nil
}

func (t *Actor) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(4); err != nil {
		return err
	}
	if err := cw.Cid(t.Code); err != nil {
		return xerrors.Errorf("t.Code: %w", err)
	}
	if err := cw.Cid(t.Head); err != nil {
		return xerrors.Errorf("t.Head: %w", err)
	}
	if err := cw.Uint(t.Nonce); err != nil {
		return err
	}
	return cw.Object(&t.Balance)
}

func (t *Actor) UnmarshalCBOR(r io.Reader) (err error) {
	*t = Actor{}
	cr := encoding.NewReader(r)
	if err := cr.Array(4); err != nil {
		return err
	}
	if t.Code, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.Code: %w", err)
	}
	if t.Head, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.Head: %w", err)
	}
	if t.Nonce, err = cr.Uint(); err != nil {
		return xerrors.Errorf("unmarshaling t.Nonce: %w", err)
	}
	if err := cr.Object(&t.Balance); err != nil {
		return xerrors.Errorf("unmarshaling t.Balance: %w", err)
	}
	return nil
}

// DecodeActor decodes an actor from its encoding.
func DecodeActor(raw []byte) (*Actor, error) {
	var act Actor
	if err := encoding.Load(raw, &act); err != nil {
		return nil, fmt.Errorf("decoding actor: %w", err)
	}
	return &act, nil
}
