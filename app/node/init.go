package node

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/gen/genesis"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/types"
)

// GenesisKey is the key at which the genesis Cid is written in the datastore.
var GenesisKey = datastore.NewKey("/consensus/genesisCid")

// Init initializes a repo with the genesis described by template and makes
// the genesis tipset the head. A repo is initialized once.
func Init(ctx context.Context, r repo.Repo, template genesis.Template) (*types.TipSet, error) {
	if _, err := readGenesisCid(ctx, r.ChainDatastore()); err == nil {
		return nil, errors.New("repo already holds a genesis")
	}

	boot, err := genesis.MakeGenesisBlock(ctx, r.Datastore(), template)
	if err != nil {
		return nil, errors.Wrap(err, "could not make genesis")
	}
	gen, err := types.NewTipSet([]*types.BlockHeader{boot.Genesis})
	if err != nil {
		return nil, err
	}

	store := chain.NewStore(r.ChainDatastore(), r.Datastore(), boot.Genesis.Cid())
	defer store.Stop()
	if err := store.InitGenesis(ctx, gen); err != nil {
		return nil, errors.Wrap(err, "could not init chain store")
	}
	if err := r.ChainDatastore().Put(ctx, GenesisKey, boot.Genesis.Cid().Bytes()); err != nil {
		return nil, errors.Wrap(err, "failed to write genesis cid")
	}
	log.Infof("initialized repo with genesis %s", boot.Genesis.Cid())
	return gen, nil
}

func readGenesisCid(ctx context.Context, ds datastore.Datastore) (cid.Cid, error) {
	bb, err := ds.Get(ctx, GenesisKey)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "failed to read genesisKey")
	}
	c, err := cid.Cast(bb)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "failed to cast genesisCid")
	}
	return c, nil
}
