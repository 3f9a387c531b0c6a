package state

import (
	"context"
	"fmt"

	addr "github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/adt"
	"github.com/filecoin-project/venus-core/pkg/adt/hamt"
	vmstate "github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

// Viewer builds state views from state root CIDs.
type Viewer struct {
	ipldStore cbor.IpldStore
}

// NewViewer creates a new state
func NewViewer(store cbor.IpldStore) *Viewer {
	return &Viewer{store}
}

// StateView returns a new state view.
func (c *Viewer) StateView(root cid.Cid) *View {
	return NewView(c.ipldStore, root)
}

// View is a read-only interface to a snapshot of actor state. Roots are
// immutable, so a view needs no locking.
type View struct {
	ipldStore cbor.IpldStore
	root      cid.Cid
}

// NewView creates a new state view
func NewView(store cbor.IpldStore, root cid.Cid) *View {
	return &View{
		ipldStore: store,
		root:      root,
	}
}

// Root is the state root the view reads.
func (v *View) Root() cid.Cid {
	return v.root
}

// InitNetworkName Returns the network name from the init actor state.
func (v *View) InitNetworkName(ctx context.Context) (string, error) {
	initState, err := v.LoadInitState(ctx)
	if err != nil {
		return "", err
	}
	return initState.NetworkName, nil
}

// GetActor returns the actor at address, or false when there is none.
func (v *View) GetActor(ctx context.Context, address addr.Address) (*types.Actor, bool, error) {
	tree, err := vmstate.LoadState(ctx, v.ipldStore, v.root)
	if err != nil {
		return nil, false, err
	}
	return tree.GetActor(ctx, address)
}

//LoadActor load actor from tree
func (v *View) LoadActor(ctx context.Context, address addr.Address) (*types.Actor, error) {
	return v.loadActor(ctx, address)
}

// ResolveToKeyAddr returns the key address an account actor stands for.
// Key addresses resolve to themselves.
func (v *View) ResolveToKeyAddr(ctx context.Context, address addr.Address) (addr.Address, error) {
	if address.Protocol() == addr.BLS || address.Protocol() == addr.SECP256K1 {
		return address, nil
	}

	act, err := v.LoadActor(ctx, address)
	if err != nil {
		return addr.Undef, fmt.Errorf("failed to find actor: %s", address)
	}
	if !builtin.IsAccountActor(act.Code) {
		return addr.Undef, fmt.Errorf("actor %s is not an account", address)
	}

	var aast builtin.AccountState
	if err := v.ipldStore.Get(ctx, act.Head, &aast); err != nil {
		return addr.Undef, fmt.Errorf("failed to get account actor state for %s: %v", address, err)
	}
	return aast.Address, nil
}

// LoadInitState reads the state of the init actor.
func (v *View) LoadInitState(ctx context.Context) (*builtin.InitState, error) {
	actr, err := v.loadActor(ctx, builtin.InitActorAddr)
	if err != nil {
		return nil, err
	}

	var st builtin.InitState
	if err := v.ipldStore.Get(ctx, actr.Head, &st); err != nil {
		return nil, errors.Wrap(err, "failed to load init actor state")
	}
	return &st, nil
}

// ReadMap decodes the value under key in the map at root.
func (v *View) ReadMap(ctx context.Context, root cid.Cid, key string, out cbg.CBORUnmarshaler, opts ...hamt.Option) (bool, error) {
	return adt.MapGet(ctx, v.ipldStore, root, key, out, opts...)
}

// ReadArray decodes the element at index of the array at root.
func (v *View) ReadArray(ctx context.Context, root cid.Cid, index uint64, out cbg.CBORUnmarshaler) (bool, error) {
	return adt.ArrayGet(ctx, v.ipldStore, root, index, out)
}

//loadActor load actor of address in db
func (v *View) loadActor(ctx context.Context, address addr.Address) (*types.Actor, error) {
	tree, err := vmstate.LoadState(ctx, v.ipldStore, v.root)
	if err != nil {
		return nil, err
	}
	actor, found, err := tree.GetActor(ctx, address)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(types.ErrActorNotFound, "address is :%s", address)
	}

	return actor, err
}

// LookupID retrieves the ID address of the given address
func (v *View) LookupID(ctx context.Context, address addr.Address) (addr.Address, error) {
	sTree, err := vmstate.LoadState(ctx, v.ipldStore, v.root)
	if err != nil {
		return addr.Address{}, err
	}

	return sTree.LookupID(address)
}
