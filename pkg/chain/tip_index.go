package chain

import (
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/types"
)

// TipSetMetadata is the result of executing a tipset: the state root and
// receipts root its children must declare.
type TipSetMetadata struct {
	// TipSetStateRoot is the root of aggregate state after applying tipset
	TipSetStateRoot cid.Cid

	// TipSet is the set of blocks that forms the tip set
	TipSet *types.TipSet

	// TipSetReceipts receipts from all message contained within this tipset
	TipSetReceipts cid.Cid
}

// TipStateCache tracks the metadata of recently validated tipsets in memory,
// grouped by height so that competing forks at the same height can be
// listed and old heights pruned. The datastore keeps everything pruned here.
type TipStateCache struct {
	mu       sync.RWMutex
	byKey    map[types.TipSetKey]*TipSetMetadata
	byHeight map[abi.ChainEpoch]map[types.TipSetKey]struct{}
}

// NewTipStateCache returns an empty cache.
func NewTipStateCache() *TipStateCache {
	return &TipStateCache{
		byKey:    make(map[types.TipSetKey]*TipSetMetadata),
		byHeight: make(map[abi.ChainEpoch]map[types.TipSetKey]struct{}),
	}
}

// Put adds or replaces the metadata of a tipset.
func (ti *TipStateCache) Put(tsm *TipSetMetadata) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	key := tsm.TipSet.Key()
	ti.byKey[key] = tsm
	h := tsm.TipSet.Height()
	if ti.byHeight[h] == nil {
		ti.byHeight[h] = make(map[types.TipSetKey]struct{})
	}
	ti.byHeight[h][key] = struct{}{}
}

// Get returns the metadata of the tipset with key.
func (ti *TipStateCache) Get(key types.TipSetKey) (*TipSetMetadata, bool) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	tsm, ok := ti.byKey[key]
	return tsm, ok
}

// Has reports whether metadata for key is tracked.
func (ti *TipStateCache) Has(key types.TipSetKey) bool {
	_, ok := ti.Get(key)
	return ok
}

// Del stops tracking ts.
func (ti *TipStateCache) Del(ts *types.TipSet) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.del(ts.Key(), ts.Height())
}

func (ti *TipStateCache) del(key types.TipSetKey, h abi.ChainEpoch) {
	delete(ti.byKey, key)
	if keys, ok := ti.byHeight[h]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(ti.byHeight, h)
		}
	}
}

// AtHeight lists the tracked tipsets at h.
func (ti *TipStateCache) AtHeight(h abi.ChainEpoch) []*types.TipSet {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	out := make([]*types.TipSet, 0, len(ti.byHeight[h]))
	for key := range ti.byHeight[h] {
		out = append(out, ti.byKey[key].TipSet)
	}
	return out
}

// Prune drops every tipset below height and returns how many were dropped.
func (ti *TipStateCache) Prune(height abi.ChainEpoch) int {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	dropped := 0
	for h, keys := range ti.byHeight {
		if h >= height {
			continue
		}
		for key := range keys {
			delete(ti.byKey, key)
			dropped++
		}
		delete(ti.byHeight, h)
	}
	return dropped
}

// Len returns the number of tracked tipsets.
func (ti *TipStateCache) Len() int {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return len(ti.byKey)
}
