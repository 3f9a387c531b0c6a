package tree

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

type ActorKey = address.Address

type Root = cid.Cid

// Tree is the state tree as seen by the VM.
type Tree interface {
	GetActor(ctx context.Context, addr ActorKey) (*types.Actor, bool, error)
	SetActor(ctx context.Context, addr ActorKey, act *types.Actor) error
	DeleteActor(ctx context.Context, addr ActorKey) error
	LookupID(addr ActorKey) (address.Address, error)

	Flush(ctx context.Context) (cid.Cid, error)
	Snapshot(ctx context.Context) error
	ClearSnapshot()
	Revert() error

	RegisterNewAddress(addr ActorKey) (address.Address, error)

	MutateActor(addr ActorKey, f func(*types.Actor) error) error
	ForEach(f func(ActorKey, *types.Actor) error) error
	GetStore() cbor.IpldStore
}

var log = logging.Logger("statetree")

// State stores actors state by their ID.
type State struct {
	root  *adt.Map
	Store cbor.IpldStore

	snaps *stateSnaps
}

var _ Tree = (*State)(nil)

// NewState returns an empty state tree.
func NewState(cst cbor.IpldStore) *State {
	return &State{
		root:  adt.MakeEmptyMap(adt.WrapStore(context.TODO(), cst)),
		Store: cst,
		snaps: newStateSnaps(),
	}
}

// LoadState opens the state tree rooted at c.
func LoadState(ctx context.Context, cst cbor.IpldStore, c cid.Cid) (*State, error) {
	nd, err := adt.AsMap(adt.WrapStore(ctx, cst), c)
	if err != nil {
		log.Errorf("loading hamt node %s failed: %s", c, err)
		return nil, err
	}

	return &State{
		root:  nd,
		Store: cst,
		snaps: newStateSnaps(),
	}, nil
}

func (st *State) GetStore() cbor.IpldStore {
	return st.Store
}

func (st *State) SetActor(ctx context.Context, addr ActorKey, act *types.Actor) error {
	iaddr, err := st.LookupID(addr)
	if err != nil {
		return xerrors.Errorf("ID lookup failed: %w", err)
	}
	addr = iaddr

	st.snaps.setActor(addr, act)
	return nil
}

// LookupID gets the ID address of this actor's `addr` stored in the `InitActor`.
func (st *State) LookupID(addr ActorKey) (address.Address, error) {
	if addr.Protocol() == address.ID {
		return addr, nil
	}

	resa, ok := st.snaps.resolveAddress(addr)
	if ok {
		return resa, nil
	}

	ias, err := st.initState()
	if err != nil {
		return address.Undef, err
	}

	a, found, err := ias.ResolveAddress(adt.WrapStore(context.TODO(), st.Store), addr)
	if err == nil && !found {
		err = types.ErrActorNotFound
	}
	if err != nil {
		return address.Undef, xerrors.Errorf("resolve address %s: %w", addr, err)
	}

	st.snaps.cacheResolveAddress(addr, a)

	return a, nil
}

func (st *State) initState() (*builtin.InitState, error) {
	act, found, err := st.GetActor(context.Background(), builtin.InitActorAddr)
	if err != nil {
		return nil, xerrors.Errorf("getting init actor: %w", err)
	}
	if !found {
		return nil, xerrors.Errorf("getting init actor: %w", types.ErrActorNotFound)
	}

	var ias builtin.InitState
	if err := st.Store.Get(context.TODO(), act.Head, &ias); err != nil {
		return nil, xerrors.Errorf("loading init actor state: %w", err)
	}
	return &ias, nil
}

// GetActor returns the actor from any type of `addr` provided.
func (st *State) GetActor(ctx context.Context, addr ActorKey) (*types.Actor, bool, error) {
	if addr == address.Undef {
		return nil, false, fmt.Errorf("GetActor called on undefined address")
	}

	// Transform `addr` to its ID format.
	iaddr, err := st.LookupID(addr)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("address resolution: %w", err)
	}
	addr = iaddr

	if op, found := st.snaps.getActor(addr); found {
		if op.Delete {
			return nil, false, nil
		}
		return op.Act.Copy(), true, nil
	}

	var act types.Actor
	if found, err := st.root.Get(abi.AddrKey(addr), &act); err != nil {
		return nil, false, xerrors.Errorf("hamt find failed: %w", err)
	} else if !found {
		return nil, false, nil
	}

	st.snaps.setActor(addr, &act)

	return &act, true, nil
}

func (st *State) DeleteActor(ctx context.Context, addr ActorKey) error {
	if addr == address.Undef {
		return xerrors.Errorf("DeleteActor called on undefined address")
	}

	iaddr, err := st.LookupID(addr)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return xerrors.Errorf("resolution lookup failed (%s): %w", addr, err)
		}
		return xerrors.Errorf("address resolution: %w", err)
	}

	addr = iaddr

	_, found, err := st.GetActor(ctx, addr)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Errorf("resolution lookup failed (%s): %w", addr, types.ErrActorNotFound)
	}

	st.snaps.deleteActor(addr)

	return nil
}

// Flush writes pending changes and returns the new root. No snapshot may be open.
func (st *State) Flush(ctx context.Context) (cid.Cid, error) {
	_, span := trace.StartSpan(ctx, "stateTree.Flush")
	defer span.End()
	if len(st.snaps.layers) != 1 {
		return cid.Undef, xerrors.Errorf("tried to flush state tree with snapshots on the stack")
	}

	for addr, sto := range st.snaps.layers[0].actors {
		if sto.Delete {
			if _, err := st.root.Delete(abi.AddrKey(addr)); err != nil {
				return cid.Undef, err
			}
		} else {
			act := sto.Act
			if err := st.root.Put(abi.AddrKey(addr), &act); err != nil {
				return cid.Undef, err
			}
		}
	}

	root, err := st.root.Root()
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to flush state tree: %w", err)
	}
	// everything pending is in the map now, keep only the resolve cache
	resolveCache := st.snaps.layers[0].resolveCache
	st.snaps = newStateSnaps()
	st.snaps.layers[0].resolveCache = resolveCache
	return root, nil
}

func (st *State) Snapshot(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "stateTree.SnapShot")
	defer span.End()

	st.snaps.addLayer()

	return nil
}

// ClearSnapshot folds the top layer into the one below.
func (st *State) ClearSnapshot() {
	st.snaps.mergeLastLayer()
}

// RegisterNewAddress maps addr to a fresh ID address through the init actor.
func (st *State) RegisterNewAddress(addr ActorKey) (address.Address, error) {
	var out address.Address
	err := st.MutateActor(builtin.InitActorAddr, func(initact *types.Actor) error {
		var ias builtin.InitState
		if err := st.Store.Get(context.TODO(), initact.Head, &ias); err != nil {
			return err
		}

		oaddr, err := ias.MapAddressToNewID(adt.WrapStore(context.TODO(), st.Store), addr)
		if err != nil {
			return err
		}
		out = oaddr

		ncid, err := st.Store.Put(context.TODO(), &ias)
		if err != nil {
			return err
		}

		initact.Head = ncid
		return nil
	})
	if err != nil {
		return address.Undef, err
	}

	return out, nil
}

// Revert discards every change since the last Snapshot.
func (st *State) Revert() error {
	st.snaps.dropLayer()
	st.snaps.addLayer()

	return nil
}

func (st *State) MutateActor(addr ActorKey, f func(*types.Actor) error) error {
	act, found, err := st.GetActor(context.Background(), addr)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Errorf("mutate actor %s: %w", addr, types.ErrActorNotFound)
	}

	if err := f(act); err != nil {
		return err
	}

	return st.SetActor(context.Background(), addr, act)
}

// ForEach visits every actor, pending changes included. Stored actors come
// in map order, new ones after them ordered by address bytes.
func (st *State) ForEach(f func(ActorKey, *types.Actor) error) error {
	pending := st.snaps.pending()
	seen := make(map[address.Address]struct{}, len(pending))

	var act types.Actor
	err := st.root.ForEach(&act, func(k string) error {
		addr, err := address.NewFromBytes([]byte(k))
		if err != nil {
			return xerrors.Errorf("invalid address (%x) found in state tree key: %w", []byte(k), err)
		}
		if op, ok := pending[addr]; ok {
			seen[addr] = struct{}{}
			if op.Delete {
				return nil
			}
			cpy := op.Act
			return f(addr, &cpy)
		}
		return f(addr, act.Copy())
	})
	if err != nil {
		return err
	}

	var added []address.Address
	for addr, op := range pending {
		if _, ok := seen[addr]; ok || op.Delete {
			continue
		}
		added = append(added, addr)
	}
	sort.Slice(added, func(i, j int) bool {
		return bytes.Compare(added[i].Bytes(), added[j].Bytes()) < 0
	})
	for _, addr := range added {
		cpy := pending[addr].Act
		if err := f(addr, &cpy); err != nil {
			return err
		}
	}
	return nil
}
