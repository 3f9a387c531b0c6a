package genesis

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/venus-core/pkg/types"
	bstore "github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

func SetupRewardActor(ctx context.Context, bs bstore.Blockstore, balance abi.TokenAmount) (*types.Actor, error) {
	cst := cbor.NewCborStore(bs)
	statecid, err := cst.Put(ctx, builtin.ConstructRewardState())
	if err != nil {
		return nil, err
	}

	act := &types.Actor{
		Code:    builtin.RewardActorCodeID,
		Head:    statecid,
		Balance: balance,
	}

	return act, nil
}
