package genesis

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt"
	"github.com/filecoin-project/venus-core/pkg/types"
	bstore "github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

// SetupInitActor builds the init actor with an id reserved for every
// account, in template order starting at builtin.FirstNonSingletonActorID.
func SetupInitActor(ctx context.Context, bs bstore.Blockstore, netname string, accounts []Account) (*types.Actor, map[address.Address]address.Address, error) {
	cst := cbor.NewCborStore(bs)
	store := adt.WrapStore(ctx, cst)

	ist, err := builtin.ConstructInitState(store, netname)
	if err != nil {
		return nil, nil, err
	}

	keyToID := map[address.Address]address.Address{}
	for _, a := range accounts {
		if a.Address.Protocol() != address.SECP256K1 && a.Address.Protocol() != address.BLS {
			return nil, nil, xerrors.Errorf("genesis account %s is not a key address", a.Address)
		}
		if _, ok := keyToID[a.Address]; ok {
			return nil, nil, xerrors.Errorf("duplicate genesis account %s", a.Address)
		}
		idAddr, err := ist.MapAddressToNewID(store, a.Address)
		if err != nil {
			return nil, nil, xerrors.Errorf("mapping %s: %w", a.Address, err)
		}
		keyToID[a.Address] = idAddr
	}

	statecid, err := cst.Put(ctx, ist)
	if err != nil {
		return nil, nil, err
	}

	act := &types.Actor{
		Code:    builtin.InitActorCodeID,
		Head:    statecid,
		Balance: big.Zero(),
	}

	return act, keyToID, nil
}
