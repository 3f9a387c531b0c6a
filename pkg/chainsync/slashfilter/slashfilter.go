package slashfilter

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/types"
)

var log = logging.Logger("slashfilter")

// FaultKind names a consensus fault a miner can commit.
type FaultKind string

const (
	// DoubleForkMining is two blocks from one miner at one epoch.
	DoubleForkMining FaultKind = "double-fork mining"
	// TimeOffsetMining is two blocks from one miner on the same parents.
	TimeOffsetMining FaultKind = "time-offset mining"
	// ParentGrinding is a block that leaves out the miner's own block at
	// the parent epoch.
	ParentGrinding FaultKind = "parent grinding"
)

// Fault is a detected consensus fault and the block that proves it.
type Fault struct {
	Kind    FaultKind
	Miner   string
	Block   cid.Cid
	Witness cid.Cid
}

func (f *Fault) String() string {
	return fmt.Sprintf("%s by %s: block %s, witness %s", f.Kind, f.Miner, f.Block, f.Witness)
}

// SlashFilter remembers the blocks it has seen per miner and reports blocks
// that conflict with them.
type SlashFilter interface {
	CheckBlock(ctx context.Context, bh *types.BlockHeader, parentEpoch abi.ChainEpoch) (*Fault, error)
}

// LocalSlashFilter keeps its records in a datastore.
type LocalSlashFilter struct {
	byEpoch   ds.Datastore // double-fork mining faults, parent-grinding fault
	byParents ds.Datastore // time-offset mining faults
}

var _ SlashFilter = (*LocalSlashFilter)(nil)

// NewLocalSlashFilter creates a slash filter under /slashfilter of dstore.
func NewLocalSlashFilter(dstore ds.Batching) *LocalSlashFilter {
	return &LocalSlashFilter{
		byEpoch:   namespace.Wrap(dstore, ds.NewKey("/slashfilter/epoch")),
		byParents: namespace.Wrap(dstore, ds.NewKey("/slashfilter/parents")),
	}
}

// CheckBlock reports the first fault bh commits against earlier blocks, or
// nil. A block that commits no fault is recorded.
func (f *LocalSlashFilter) CheckBlock(ctx context.Context, bh *types.BlockHeader, parentEpoch abi.ChainEpoch) (*Fault, error) {
	epochKey := ds.NewKey(fmt.Sprintf("/%s/%d", bh.Miner, bh.Height))
	witness, err := checkFault(ctx, f.byEpoch, epochKey, bh)
	if err != nil {
		return nil, xerrors.Errorf("check double-fork mining faults: %w", err)
	}
	if witness.Defined() {
		return f.fault(DoubleForkMining, bh, witness), nil
	}

	parentsKey := ds.NewKey(fmt.Sprintf("/%s/%s", bh.Miner, types.NewTipSetKey(bh.Parents...).String()))
	witness, err = checkFault(ctx, f.byParents, parentsKey, bh)
	if err != nil {
		return nil, xerrors.Errorf("check time-offset mining faults: %w", err)
	}
	if witness.Defined() {
		return f.fault(TimeOffsetMining, bh, witness), nil
	}

	// a miner that won the parent epoch must build on its own block
	parentEpochKey := ds.NewKey(fmt.Sprintf("/%s/%d", bh.Miner, parentEpoch))
	cidb, err := f.byEpoch.Get(ctx, parentEpochKey)
	switch {
	case err == ds.ErrNotFound:
	case err != nil:
		return nil, xerrors.Errorf("getting other block cid: %w", err)
	default:
		_, parent, err := cid.CidFromBytes(cidb)
		if err != nil {
			return nil, err
		}
		found := false
		for _, c := range bh.Parents {
			if c.Equals(parent) {
				found = true
			}
		}
		if !found {
			return f.fault(ParentGrinding, bh, parent), nil
		}
	}

	if err := f.byParents.Put(ctx, parentsKey, bh.Cid().Bytes()); err != nil {
		return nil, xerrors.Errorf("putting byParents entry: %w", err)
	}
	if err := f.byEpoch.Put(ctx, epochKey, bh.Cid().Bytes()); err != nil {
		return nil, xerrors.Errorf("putting byEpoch entry: %w", err)
	}
	return nil, nil
}

func (f *LocalSlashFilter) fault(kind FaultKind, bh *types.BlockHeader, witness cid.Cid) *Fault {
	fault := &Fault{Kind: kind, Miner: bh.Miner.String(), Block: bh.Cid(), Witness: witness}
	log.Infof("consensus fault: %s", fault)
	return fault
}

// checkFault returns the block recorded under key when it is not bh.
func checkFault(ctx context.Context, t ds.Datastore, key ds.Key, bh *types.BlockHeader) (cid.Cid, error) {
	cidb, err := t.Get(ctx, key)
	if err == ds.ErrNotFound {
		return cid.Undef, nil
	}
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to read from datastore: %w", err)
	}

	_, other, err := cid.CidFromBytes(cidb)
	if err != nil {
		return cid.Undef, err
	}
	if other == bh.Cid() {
		return cid.Undef, nil
	}
	return other, nil
}
