package types

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/filecoin-project/venus-core/pkg/types"
)

// DefaultBadTipSetCacheSize is the number of bad tipset keys remembered.
const DefaultBadTipSetCacheSize = 1 << 15

// BadTipSetCache keeps track of bad tipsets that the syncer should not try to
// download. The purpose of this cache is to prevent a node from having to
// repeatedly invalidate a block (and its children) in the event that the
// tipset does not conform to the rules of consensus. Note that the cache is
// only in-memory, so it is reset whenever the node is restarted.
type BadTipSetCache struct {
	bad *lru.ARCCache
}

// NewBadTipSetCache returns a cache holding up to size keys. A non positive
// size uses DefaultBadTipSetCacheSize.
func NewBadTipSetCache(size int) *BadTipSetCache {
	if size <= 0 {
		size = DefaultBadTipSetCacheSize
	}
	cache, _ := lru.NewARC(size)
	return &BadTipSetCache{bad: cache}
}

// AddChain adds the chain of tipsets to the BadTipSetCache.
func (cache *BadTipSetCache) AddChain(chain []*types.TipSet) {
	for _, ts := range chain {
		cache.Add(ts.Key().String())
	}
}

// Add adds a single tipset key to the BadTipSetCache.
func (cache *BadTipSetCache) Add(tsKey string) {
	cache.bad.Add(tsKey, struct{}{})
}

// Has checks for membership in the BadTipSetCache.
func (cache *BadTipSetCache) Has(tsKey string) bool {
	return cache.bad.Contains(tsKey)
}

// Len is the number of keys currently remembered.
func (cache *BadTipSetCache) Len() int {
	return cache.bad.Len()
}
