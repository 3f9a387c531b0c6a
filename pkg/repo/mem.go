package repo

import (
	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"

	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

// MemRepo is an in-memory implementation of the repo interface.
type MemRepo struct {
	C       *config.Config
	D       blockstoreutil.Blockstore
	Chain   Datastore
	version uint
}

var _ Repo = (*MemRepo)(nil)

// NewInMemoryRepo makes a new instance of MemRepo
func NewInMemoryRepo() *MemRepo {
	cfg := config.NewDefaultConfig()
	cfg.Datastore.Type = config.DatastoreMemory
	cfg.Datastore.Path = ""
	return &MemRepo{
		C:       cfg,
		D:       blockstoreutil.NewBlockstore(dss.MutexWrap(datastore.NewMapDatastore())),
		Chain:   dss.MutexWrap(datastore.NewMapDatastore()),
		version: Version,
	}
}

// Config returns the configuration object.
func (mr *MemRepo) Config() *config.Config {
	return mr.C
}

// Datastore returns the datastore.
func (mr *MemRepo) Datastore() blockstoreutil.Blockstore {
	return mr.D
}

// ChainDatastore returns the chain datastore.
func (mr *MemRepo) ChainDatastore() Datastore {
	return mr.Chain
}

// Version returns the version of the repo.
func (mr *MemRepo) Version() uint {
	return mr.version
}

// Path returns the default path for an in memory repo.
func (mr *MemRepo) Path() (string, error) {
	return "", nil
}

// Close is a noop, just filling out the interface.
func (mr *MemRepo) Close() error {
	return nil
}
