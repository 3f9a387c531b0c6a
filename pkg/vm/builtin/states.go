package builtin

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt"
)

// SystemState is empty.
type SystemState struct{}

// InitState maps key and robust addresses to the ids it has handed out.
type InitState struct {
	AddressMap  cid.Cid // HAMT[addr]ActorID
	NextID      abi.ActorID
	NetworkName string
}

// ConstructInitState builds the state of a fresh init actor.
func ConstructInitState(store adt.Store, networkName string) (*InitState, error) {
	emptyMap, err := adt.StoreEmptyMap(store)
	if err != nil {
		return nil, xerrors.Errorf("failed to create empty map: %w", err)
	}
	return &InitState{
		AddressMap:  emptyMap,
		NextID:      abi.ActorID(FirstNonSingletonActorID),
		NetworkName: networkName,
	}, nil
}

// ResolveAddress resolves an address to an ID-address, if possible.
// If the provided address is an ID address, it is returned as-is.
func (s *InitState) ResolveAddress(store adt.Store, addr address.Address) (address.Address, bool, error) {
	if addr.Protocol() == address.ID {
		return addr, true, nil
	}

	m, err := adt.AsMap(store, s.AddressMap)
	if err != nil {
		return address.Undef, false, err
	}

	var actorID cbg.CborInt
	found, err := m.Get(abi.AddrKey(addr), &actorID)
	if err != nil {
		return address.Undef, false, xerrors.Errorf("failed to get from address map: %w", err)
	}
	if !found {
		return address.Undef, false, nil
	}

	idAddr, err := address.NewIDAddress(uint64(actorID))
	if err != nil {
		return address.Undef, false, err
	}
	return idAddr, true, nil
}

// MapAddressToNewID allocates a new ID address and maps addr to it.
func (s *InitState) MapAddressToNewID(store adt.Store, addr address.Address) (address.Address, error) {
	actorID := cbg.CborInt(s.NextID)
	s.NextID++

	m, err := adt.AsMap(store, s.AddressMap)
	if err != nil {
		return address.Undef, err
	}
	if err := m.Put(abi.AddrKey(addr), &actorID); err != nil {
		return address.Undef, xerrors.Errorf("map address failed to store entry: %w", err)
	}
	amr, err := m.Root()
	if err != nil {
		return address.Undef, xerrors.Errorf("failed to get address map root: %w", err)
	}
	s.AddressMap = amr

	idAddr, err := address.NewIDAddress(uint64(actorID))
	if err != nil {
		return address.Undef, err
	}
	return idAddr, nil
}

// ForEachAddress walks every mapped address.
func (s *InitState) ForEachAddress(store adt.Store, cb func(addr address.Address, id abi.ActorID) error) error {
	m, err := adt.AsMap(store, s.AddressMap)
	if err != nil {
		return err
	}
	var actorID cbg.CborInt
	return m.ForEach(&actorID, func(key string) error {
		addr, err := address.NewFromBytes([]byte(key))
		if err != nil {
			return err
		}
		return cb(addr, abi.ActorID(actorID))
	})
}

// AccountState holds the key address an account actor stands for.
type AccountState struct {
	Address address.Address
}

// RewardState tracks what the reward actor has paid out.
type RewardState struct {
	TotalMined     abi.TokenAmount
	EpochReward    abi.TokenAmount
	LastPaidEpoch  abi.ChainEpoch
	BlocksRewarded uint64
}

// ConstructRewardState builds the state of a fresh reward actor.
func ConstructRewardState() *RewardState {
	return &RewardState{
		TotalMined:  big.Zero(),
		EpochReward: big.Zero(),
	}
}

// CronEntry is one method invoked on every epoch tick.
type CronEntry struct {
	Receiver  address.Address
	MethodNum abi.MethodNum
}

// CronState lists the entries run on every tick.
type CronState struct {
	Entries []CronEntry
}

// ChaosState is mutated by the chaos actor.
type ChaosState struct {
	Value string
}
