package genesis

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/types"
	bstore "github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
)

var log = logging.Logger("genesis")

// GenesisTicket is the ticket proof of every genesis block.
var GenesisTicket = []byte("venus-core genesis")

// Account is a key address funded at genesis.
type Account struct {
	Address address.Address
	Balance abi.TokenAmount
}

// Template describes the initial state of a network.
type Template struct {
	NetworkName string
	Timestamp   uint64
	Accounts    []Account

	// RewardBalance funds block rewards. Zero means constants.InitialRewardBalance.
	RewardBalance abi.TokenAmount
	CronEntries   []builtin.CronEntry

	// IncludeChaos installs the chaos actor at builtin.ChaosActorAddr.
	IncludeChaos bool
}

type GenesisBootstrap struct {
	Genesis *types.BlockHeader
	// KeyIDs maps every funded account to the id it was given.
	KeyIDs map[address.Address]address.Address
}

/*
From a template, create a genesis block / initial state

The process:
- Bootstrap state (MakeInitialStateTree)
  - Create empty state
  - Create system actor
  - Make init actor
    - Create accounts mappings
  - Setup Reward (funded with RewardBalance)
  - Setup Cron
  - Setup burnt fund address
  - Initialize account balances
- Flush the tree and wrap the root in a block at height 0
*/

func MakeInitialStateTree(ctx context.Context, bs bstore.Blockstore, template Template) (*tree.State, map[address.Address]address.Address, error) {
	cst := cbor.NewCborStore(bs)
	// the head of actors that never created state
	if _, err := cst.Put(ctx, []struct{}{}); err != nil {
		return nil, nil, xerrors.Errorf("putting empty object: %w", err)
	}

	state := tree.NewState(cst)

	sysact, err := SetupSystemActor(ctx, bs)
	if err != nil {
		return nil, nil, xerrors.Errorf("setup system actor: %w", err)
	}
	if err := state.SetActor(ctx, builtin.SystemActorAddr, sysact); err != nil {
		return nil, nil, xerrors.Errorf("set system actor: %w", err)
	}

	initact, keyIDs, err := SetupInitActor(ctx, bs, template.NetworkName, template.Accounts)
	if err != nil {
		return nil, nil, xerrors.Errorf("setup init actor: %w", err)
	}
	if err := state.SetActor(ctx, builtin.InitActorAddr, initact); err != nil {
		return nil, nil, xerrors.Errorf("set init actor: %w", err)
	}

	rewardBalance := template.RewardBalance
	if rewardBalance.Nil() || rewardBalance.IsZero() {
		rewardBalance = big.NewFromGo(constants.InitialRewardBalance)
	}
	rewact, err := SetupRewardActor(ctx, bs, rewardBalance)
	if err != nil {
		return nil, nil, xerrors.Errorf("setup reward actor: %w", err)
	}
	if err := state.SetActor(ctx, builtin.RewardActorAddr, rewact); err != nil {
		return nil, nil, xerrors.Errorf("set reward actor: %w", err)
	}

	cronact, err := SetupCronActor(ctx, bs, template.CronEntries)
	if err != nil {
		return nil, nil, xerrors.Errorf("setup cron actor: %w", err)
	}
	if err := state.SetActor(ctx, builtin.CronActorAddr, cronact); err != nil {
		return nil, nil, xerrors.Errorf("set cron actor: %w", err)
	}

	if template.IncludeChaos {
		chaosact, err := SetupChaosActor(ctx, bs)
		if err != nil {
			return nil, nil, xerrors.Errorf("setup chaos actor: %w", err)
		}
		if err := state.SetActor(ctx, builtin.ChaosActorAddr, chaosact); err != nil {
			return nil, nil, xerrors.Errorf("set chaos actor: %w", err)
		}
	}

	bact, err := makeAccountActor(ctx, cst, builtin.BurntFundsActorAddr, big.Zero())
	if err != nil {
		return nil, nil, xerrors.Errorf("setup burnt funds actor state: %w", err)
	}
	if err := state.SetActor(ctx, builtin.BurntFundsActorAddr, bact); err != nil {
		return nil, nil, xerrors.Errorf("set burnt funds actor: %w", err)
	}

	for _, info := range template.Accounts {
		if err := createAccountActor(ctx, cst, state, info, keyIDs); err != nil {
			return nil, nil, xerrors.Errorf("failed to create account actor: %w", err)
		}
	}

	totalFilAllocated := big.Zero()
	err = state.ForEach(func(addr address.Address, act *types.Actor) error {
		if act.Balance.Nil() {
			panic(fmt.Sprintf("actor %s (%s) has nil balance", addr, builtin.ActorNameByCode(act.Code)))
		}
		totalFilAllocated = big.Add(totalFilAllocated, act.Balance)
		return nil
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("summing account balances in state tree: %w", err)
	}
	if totalFilAllocated.GreaterThan(big.NewFromGo(constants.TotalFilecoin)) {
		return nil, nil, xerrors.Errorf("allocated %s exceeds the total supply", totalFilAllocated)
	}
	log.Infow("initial state tree built", "actors", len(template.Accounts), "allocated", totalFilAllocated)

	return state, keyIDs, nil
}

// MakeGenesisBlock flushes the initial state and stores a genesis block on
// top of it. The same template always yields the same block cid.
func MakeGenesisBlock(ctx context.Context, bs bstore.Blockstore, template Template) (*GenesisBootstrap, error) {
	st, keyIDs, err := MakeInitialStateTree(ctx, bs, template)
	if err != nil {
		return nil, xerrors.Errorf("make initial state tree failed: %w", err)
	}

	stateroot, err := st.Flush(ctx)
	if err != nil {
		return nil, xerrors.Errorf("flush state tree failed: %w", err)
	}

	store := adt.WrapStore(ctx, cbor.NewCborStore(bs))
	emptyroot, err := adt.StoreEmptyArray(store)
	if err != nil {
		return nil, xerrors.Errorf("amt build failed: %w", err)
	}

	b := &types.BlockHeader{
		Miner:                 builtin.SystemActorAddr,
		Ticket:                &types.Ticket{VRFProof: GenesisTicket},
		Parents:               []cid.Cid{},
		ParentWeight:          big.Zero(),
		Height:                0,
		ParentStateRoot:       stateroot,
		ParentMessageReceipts: emptyroot,
		Messages:              emptyroot,
		Timestamp:             template.Timestamp,
		ParentBaseFee:         abi.NewTokenAmount(constants.InitialBaseFee),
	}

	sb, err := b.ToStorageBlock()
	if err != nil {
		return nil, xerrors.Errorf("serializing block header failed: %w", err)
	}
	if err := bs.Put(ctx, sb); err != nil {
		return nil, xerrors.Errorf("putting header to blockstore: %w", err)
	}

	log.Infof("genesis block %s, state root %s", sb.Cid(), stateroot)
	return &GenesisBootstrap{Genesis: b, KeyIDs: keyIDs}, nil
}
