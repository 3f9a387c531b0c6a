package chain

import (
	"io"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

func (t *TSState) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if t == nil {
		return cw.Null()
	}
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Cid(t.StateRoot); err != nil {
		return xerrors.Errorf("t.StateRoot: %w", err)
	}
	if err := cw.Cid(t.Receipts); err != nil {
		return xerrors.Errorf("t.Receipts: %w", err)
	}
	return nil
}

func (t *TSState) UnmarshalCBOR(r io.Reader) (err error) {
	*t = TSState{}
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	if t.StateRoot, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.StateRoot: %w", err)
	}
	if t.Receipts, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.Receipts: %w", err)
	}
	return nil
}
