package repo

import (
	"github.com/ipfs/go-datastore"

	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

// Version is the version of the repo layout written by this code.
const Version uint = 1

// Datastore is the datastore interface provided by the repo
type Datastore interface {
	// NB: there are other more featureful interfaces we could require here, we
	// can either force it, or just do hopeful type checks. Not all datastores
	// implement every feature.
	datastore.Batching
}

// Repo is a representation of all persistent data in a node.
type Repo interface {
	Config() *config.Config

	// Datastore is the content addressed store for blocks, messages and state.
	Datastore() blockstoreutil.Blockstore

	// ChainDatastore holds chain metadata: the head key and tipset state roots.
	ChainDatastore() Datastore

	// Version returns the current repo version.
	Version() uint

	// Path returns the repo path.
	Path() (string, error)

	// Close shuts down the repo.
	Close() error
}
