// Package blockstoreutil builds the content addressed stores every other
// package reads and writes through.
package blockstoreutil

import (
	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// Blockstore is the content store consumed by the chain core.
type Blockstore = blockstore.Blockstore

// NewBlockstore wraps a batching datastore as a blockstore. Reads are safe for
// concurrent use as long as ds is.
func NewBlockstore(ds datastore.Batching) Blockstore {
	return blockstore.NewBlockstore(ds)
}

// NewMemory returns a thread safe in-memory blockstore.
func NewMemory() Blockstore {
	return NewBlockstore(dss.MutexWrap(datastore.NewMapDatastore()))
}

// NewMemoryIpldStore returns an object store over a fresh in-memory blockstore.
func NewMemoryIpldStore() cbor.IpldStore {
	return cbor.NewCborStore(NewMemory())
}
