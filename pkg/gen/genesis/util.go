package genesis

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

func makeAccountActor(ctx context.Context, cst cbor.IpldStore, addr address.Address, bal abi.TokenAmount) (*types.Actor, error) {
	statecid, err := cst.Put(ctx, &builtin.AccountState{Address: addr})
	if err != nil {
		return nil, err
	}

	act := &types.Actor{
		Code:    builtin.AccountActorCodeID,
		Head:    statecid,
		Balance: bal,
	}

	return act, nil
}

func createAccountActor(ctx context.Context, cst cbor.IpldStore, state *tree.State, info Account, keyIDs map[address.Address]address.Address) error {
	if info.Balance.Nil() || info.Balance.Sign() < 0 {
		return xerrors.Errorf("invalid balance %v for %s", info.Balance, info.Address)
	}
	ida, ok := keyIDs[info.Address]
	if !ok {
		return xerrors.Errorf("no registered ID for account actor: %s", info.Address)
	}

	act, err := makeAccountActor(ctx, cst, info.Address, info.Balance)
	if err != nil {
		return xerrors.Errorf("setup account actor state: %w", err)
	}
	if err := state.SetActor(ctx, ida, act); err != nil {
		return xerrors.Errorf("setting account from actmap: %w", err)
	}
	return nil
}
