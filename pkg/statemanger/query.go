package statemanger

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/types"
)

// Read-only projections of published roots. Roots never change once
// written, so none of these take locks.

// GetActor returns the actor at addr in the state tree at root.
func (s *Stmgr) GetActor(ctx context.Context, root cid.Cid, addr address.Address) (*types.Actor, bool, error) {
	return s.RootView(root).GetActor(ctx, addr)
}

// ReadMap decodes the value under key in the map at root.
func (s *Stmgr) ReadMap(ctx context.Context, root cid.Cid, key string, out cbg.CBORUnmarshaler) (bool, error) {
	return s.RootView(root).ReadMap(ctx, root, key, out)
}

// ReadArray decodes the element at index of the array at root.
func (s *Stmgr) ReadArray(ctx context.Context, root cid.Cid, index uint64, out cbg.CBORUnmarshaler) (bool, error) {
	return s.RootView(root).ReadArray(ctx, root, index, out)
}
