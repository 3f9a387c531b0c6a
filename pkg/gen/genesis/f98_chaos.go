package genesis

import (
	"context"

	"github.com/filecoin-project/go-state-types/big"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/venus-core/pkg/types"
	bstore "github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

// SetupChaosActor installs the chaos actor used by VM tests. Networks that
// are not test networks must leave it out.
func SetupChaosActor(ctx context.Context, bs bstore.Blockstore) (*types.Actor, error) {
	cst := cbor.NewCborStore(bs)
	statecid, err := cst.Put(ctx, &builtin.ChaosState{})
	if err != nil {
		return nil, err
	}

	return &types.Actor{
		Code:    builtin.ChaosActorCodeID,
		Head:    statecid,
		Balance: big.Zero(),
	}, nil
}
