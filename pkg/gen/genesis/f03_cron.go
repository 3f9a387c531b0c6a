package genesis

import (
	"context"

	"github.com/filecoin-project/go-state-types/big"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/venus-core/pkg/types"
	bstore "github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

func SetupCronActor(ctx context.Context, bs bstore.Blockstore, entries []builtin.CronEntry) (*types.Actor, error) {
	cst := cbor.NewCborStore(bs)
	st := &builtin.CronState{Entries: entries}
	if st.Entries == nil {
		st.Entries = []builtin.CronEntry{}
	}
	statecid, err := cst.Put(ctx, st)
	if err != nil {
		return nil, err
	}

	act := &types.Actor{
		Code:    builtin.CronActorCodeID,
		Head:    statecid,
		Balance: big.Zero(),
	}

	return act, nil
}
