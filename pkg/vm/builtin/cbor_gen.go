package builtin

import (
	"io"

	"github.com/filecoin-project/go-state-types/abi"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

var (
	_ cbg.CBORMarshaler   = (*InitState)(nil)
	_ cbg.CBORUnmarshaler = (*InitState)(nil)
	_ cbg.CBORMarshaler   = (*RewardState)(nil)
	_ cbg.CBORUnmarshaler = (*RewardState)(nil)
	_ cbg.CBORMarshaler   = (*CronState)(nil)
	_ cbg.CBORUnmarshaler = (*CronState)(nil)
)

func (t *SystemState) MarshalCBOR(w io.Writer) error {
	return encoding.NewWriter(w).Array(0)
}

func (t *SystemState) UnmarshalCBOR(r io.Reader) error {
	return encoding.NewReader(r).Array(0)
}

func (t *InitState) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(3); err != nil {
		return err
	}
	if err := cw.Cid(t.AddressMap); err != nil {
		return xerrors.Errorf("t.AddressMap: %w", err)
	}
	if err := cw.Uint(uint64(t.NextID)); err != nil {
		return err
	}
	return cw.String(t.NetworkName)
}

func (t *InitState) UnmarshalCBOR(r io.Reader) (err error) {
	*t = InitState{}
	cr := encoding.NewReader(r)
	if err := cr.Array(3); err != nil {
		return err
	}
	if t.AddressMap, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.AddressMap: %w", err)
	}
	next, err := cr.Uint()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.NextID: %w", err)
	}
	t.NextID = abi.ActorID(next)
	if t.NetworkName, err = cr.String(); err != nil {
		return xerrors.Errorf("unmarshaling t.NetworkName: %w", err)
	}
	return nil
}

func (t *AccountState) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(1); err != nil {
		return err
	}
	return cw.Object(&t.Address)
}

func (t *AccountState) UnmarshalCBOR(r io.Reader) error {
	*t = AccountState{}
	cr := encoding.NewReader(r)
	if err := cr.Array(1); err != nil {
		return err
	}
	if err := cr.Object(&t.Address); err != nil {
		return xerrors.Errorf("unmarshaling t.Address: %w", err)
	}
	return nil
}

func (t *RewardState) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(4); err != nil {
		return err
	}
	if err := cw.Object(&t.TotalMined); err != nil {
		return err
	}
	if err := cw.Object(&t.EpochReward); err != nil {
		return err
	}
	if err := cw.Int(int64(t.LastPaidEpoch)); err != nil {
		return err
	}
	return cw.Uint(t.BlocksRewarded)
}

func (t *RewardState) UnmarshalCBOR(r io.Reader) (err error) {
	*t = RewardState{}
	cr := encoding.NewReader(r)
	if err := cr.Array(4); err != nil {
		return err
	}
	if err := cr.Object(&t.TotalMined); err != nil {
		return xerrors.Errorf("unmarshaling t.TotalMined: %w", err)
	}
	if err := cr.Object(&t.EpochReward); err != nil {
		return xerrors.Errorf("unmarshaling t.EpochReward: %w", err)
	}
	epoch, err := cr.Int()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.LastPaidEpoch: %w", err)
	}
	t.LastPaidEpoch = abi.ChainEpoch(epoch)
	if t.BlocksRewarded, err = cr.Uint(); err != nil {
		return xerrors.Errorf("unmarshaling t.BlocksRewarded: %w", err)
	}
	return nil
}

func (t *CronEntry) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Object(&t.Receiver); err != nil {
		return err
	}
	return cw.Uint(uint64(t.MethodNum))
}

func (t *CronEntry) UnmarshalCBOR(r io.Reader) error {
	*t = CronEntry{}
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	if err := cr.Object(&t.Receiver); err != nil {
		return xerrors.Errorf("unmarshaling t.Receiver: %w", err)
	}
	method, err := cr.Uint()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.MethodNum: %w", err)
	}
	t.MethodNum = abi.MethodNum(method)
	return nil
}

func marshalCronEntries(cw *encoding.Writer, entries []CronEntry) error {
	if err := cw.Array(1); err != nil {
		return err
	}
	if err := cw.Array(len(entries)); err != nil {
		return err
	}
	for i := range entries {
		if err := cw.Object(&entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalCronEntries(cr *encoding.Reader) ([]CronEntry, error) {
	if err := cr.Array(1); err != nil {
		return nil, err
	}
	n, err := cr.ArrayLen(cbg.MaxLength)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	entries := make([]CronEntry, n)
	for i := range entries {
		if err := cr.Object(&entries[i]); err != nil {
			return nil, xerrors.Errorf("unmarshaling entry %d: %w", i, err)
		}
	}
	return entries, nil
}

func (t *CronState) MarshalCBOR(w io.Writer) error {
	return marshalCronEntries(encoding.NewWriter(w), t.Entries)
}

func (t *CronState) UnmarshalCBOR(r io.Reader) (err error) {
	t.Entries, err = unmarshalCronEntries(encoding.NewReader(r))
	return err
}

func (t *CronConstructorParams) MarshalCBOR(w io.Writer) error {
	return marshalCronEntries(encoding.NewWriter(w), t.Entries)
}

func (t *CronConstructorParams) UnmarshalCBOR(r io.Reader) (err error) {
	t.Entries, err = unmarshalCronEntries(encoding.NewReader(r))
	return err
}

func (t *ChaosState) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(1); err != nil {
		return err
	}
	return cw.String(t.Value)
}

func (t *ChaosState) UnmarshalCBOR(r io.Reader) (err error) {
	*t = ChaosState{}
	cr := encoding.NewReader(r)
	if err := cr.Array(1); err != nil {
		return err
	}
	if t.Value, err = cr.String(); err != nil {
		return xerrors.Errorf("unmarshaling t.Value: %w", err)
	}
	return nil
}

func (t *ExecParams) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Cid(t.CodeCID); err != nil {
		return xerrors.Errorf("t.CodeCID: %w", err)
	}
	return cw.Bytes(t.ConstructorParams)
}

func (t *ExecParams) UnmarshalCBOR(r io.Reader) (err error) {
	*t = ExecParams{}
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	if t.CodeCID, err = cr.Cid(); err != nil {
		return xerrors.Errorf("unmarshaling t.CodeCID: %w", err)
	}
	if t.ConstructorParams, err = cr.Bytes(); err != nil {
		return xerrors.Errorf("unmarshaling t.ConstructorParams: %w", err)
	}
	return nil
}

func (t *ExecReturn) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(2); err != nil {
		return err
	}
	if err := cw.Object(&t.IDAddress); err != nil {
		return err
	}
	return cw.Object(&t.RobustAddress)
}

func (t *ExecReturn) UnmarshalCBOR(r io.Reader) error {
	*t = ExecReturn{}
	cr := encoding.NewReader(r)
	if err := cr.Array(2); err != nil {
		return err
	}
	if err := cr.Object(&t.IDAddress); err != nil {
		return xerrors.Errorf("unmarshaling t.IDAddress: %w", err)
	}
	if err := cr.Object(&t.RobustAddress); err != nil {
		return xerrors.Errorf("unmarshaling t.RobustAddress: %w", err)
	}
	return nil
}

func (t *AwardBlockRewardParams) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(4); err != nil {
		return err
	}
	if err := cw.Object(&t.Miner); err != nil {
		return err
	}
	if err := cw.Object(&t.Penalty); err != nil {
		return err
	}
	if err := cw.Object(&t.GasReward); err != nil {
		return err
	}
	return cw.Int(t.WinCount)
}

func (t *AwardBlockRewardParams) UnmarshalCBOR(r io.Reader) (err error) {
	*t = AwardBlockRewardParams{}
	cr := encoding.NewReader(r)
	if err := cr.Array(4); err != nil {
		return err
	}
	if err := cr.Object(&t.Miner); err != nil {
		return xerrors.Errorf("unmarshaling t.Miner: %w", err)
	}
	if err := cr.Object(&t.Penalty); err != nil {
		return xerrors.Errorf("unmarshaling t.Penalty: %w", err)
	}
	if err := cr.Object(&t.GasReward); err != nil {
		return xerrors.Errorf("unmarshaling t.GasReward: %w", err)
	}
	if t.WinCount, err = cr.Int(); err != nil {
		return xerrors.Errorf("unmarshaling t.WinCount: %w", err)
	}
	return nil
}

func (t *ThisEpochRewardReturn) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(3); err != nil {
		return err
	}
	if err := cw.Int(int64(t.Epoch)); err != nil {
		return err
	}
	if err := cw.Object(&t.EpochReward); err != nil {
		return err
	}
	return cw.Object(&t.TotalMined)
}

func (t *ThisEpochRewardReturn) UnmarshalCBOR(r io.Reader) error {
	*t = ThisEpochRewardReturn{}
	cr := encoding.NewReader(r)
	if err := cr.Array(3); err != nil {
		return err
	}
	epoch, err := cr.Int()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.Epoch: %w", err)
	}
	t.Epoch = abi.ChainEpoch(epoch)
	if err := cr.Object(&t.EpochReward); err != nil {
		return xerrors.Errorf("unmarshaling t.EpochReward: %w", err)
	}
	if err := cr.Object(&t.TotalMined); err != nil {
		return xerrors.Errorf("unmarshaling t.TotalMined: %w", err)
	}
	return nil
}

func (t *SendArgs) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(4); err != nil {
		return err
	}
	if err := cw.Object(&t.To); err != nil {
		return err
	}
	if err := cw.Object(&t.Value); err != nil {
		return err
	}
	if err := cw.Uint(uint64(t.Method)); err != nil {
		return err
	}
	return cw.Bytes(t.Params)
}

func (t *SendArgs) UnmarshalCBOR(r io.Reader) (err error) {
	*t = SendArgs{}
	cr := encoding.NewReader(r)
	if err := cr.Array(4); err != nil {
		return err
	}
	if err := cr.Object(&t.To); err != nil {
		return xerrors.Errorf("unmarshaling t.To: %w", err)
	}
	if err := cr.Object(&t.Value); err != nil {
		return xerrors.Errorf("unmarshaling t.Value: %w", err)
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

func (t *InspectRuntimeReturn) MarshalCBOR(w io.Writer) error {
	cw := encoding.NewWriter(w)
	if err := cw.Array(6); err != nil {
		return err
	}
	if err := cw.Object(&t.Caller); err != nil {
		return err
	}
	if err := cw.Object(&t.Receiver); err != nil {
		return err
	}
	if err := cw.Object(&t.ValueReceived); err != nil {
		return err
	}
	if err := cw.Int(int64(t.CurrEpoch)); err != nil {
		return err
	}
	if err := cw.Object(&t.CurrentBalance); err != nil {
		return err
	}
	return cw.Object(&t.State)
}

func (t *InspectRuntimeReturn) UnmarshalCBOR(r io.Reader) error {
	*t = InspectRuntimeReturn{}
	cr := encoding.NewReader(r)
	if err := cr.Array(6); err != nil {
		return err
	}
	if err := cr.Object(&t.Caller); err != nil {
		return xerrors.Errorf("unmarshaling t.Caller: %w", err)
	}
	if err := cr.Object(&t.Receiver); err != nil {
		return xerrors.Errorf("unmarshaling t.Receiver: %w", err)
	}
	if err := cr.Object(&t.ValueReceived); err != nil {
		return xerrors.Errorf("unmarshaling t.ValueReceived: %w", err)
	}
	epoch, err := cr.Int()
	if err != nil {
		return xerrors.Errorf("unmarshaling t.CurrEpoch: %w", err)
	}
	t.CurrEpoch = abi.ChainEpoch(epoch)
	if err := cr.Object(&t.CurrentBalance); err != nil {
		return xerrors.Errorf("unmarshaling t.CurrentBalance: %w", err)
	}
	if err := cr.Object(&t.State); err != nil {
		return xerrors.Errorf("unmarshaling t.State: %w", err)
	}
	return nil
}
