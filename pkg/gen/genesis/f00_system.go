package genesis

import (
	"context"

	"github.com/filecoin-project/go-state-types/big"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/venus-core/pkg/types"
	bstore "github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

func SetupSystemActor(ctx context.Context, bs bstore.Blockstore) (*types.Actor, error) {
	cst := cbor.NewCborStore(bs)
	statecid, err := cst.Put(ctx, &builtin.SystemState{})
	if err != nil {
		return nil, err
	}

	act := &types.Actor{
		Code:    builtin.SystemActorCodeID,
		Head:    statecid,
		Balance: big.Zero(),
	}

	return act, nil
}
