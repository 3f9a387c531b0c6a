package types

import (
	"container/list"
	"sort"
	"strconv"
	"sync"
	"time"

	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/venus-core/pkg/consensus/chainselector"
	"github.com/filecoin-project/venus-core/pkg/types"
)

var log = logging.Logger("chainsync.target")

// Target tracks a logical request of the syncing subsystem to run a
// syncing job against given inputs.
type Target struct {
	State   SyncStateStage
	Base    *types.TipSet
	Current *types.TipSet
	Start   time.Time
	End     time.Time
	Err     error
	types.ChainInfo
}

// IsNeighbor reports whether t can be merged into target: same height,
// same parent weight and same parents.
func (target *Target) IsNeighbor(t *Target) bool {
	if target.Head.Height() != t.Head.Height() {
		return false
	}

	weightIn := t.Head.ParentWeight()
	targetWeight := target.Head.ParentWeight()
	if !targetWeight.Equals(weightIn) {
		return false
	}

	if !target.Head.Parents().Equals(t.Head.Parents()) {
		return false
	}
	return true
}

// HasChild reports whether the blocks of t are a subset of the blocks of
// target.
func (target *Target) HasChild(t *Target) bool {
	return target.Head.Key().ContainsAll(t.Head.Key())
}

// Weight is the weight the target head claims once accepted.
func (target *Target) Weight() fbig.Int {
	return chainselector.Weight(target.Head)
}

// Key return identity of target. key=weight+height+parent
func (target *Target) Key() string {
	weightIn := target.Head.ParentWeight()
	return weightIn.String() +
		strconv.FormatInt(int64(target.Head.Height()), 10) +
		target.Head.Parents().String()

}

// TargetTracker orders dispatcher syncRequests by the underlying `TargetBuckets`'s
// prioritization policy.
//
// It also filters the `TargetBuckets` so that it always contains targets with
// unique chain heads.
//
// It wraps the `TargetBuckets` to prevent panics during
// normal operation.
type TargetTracker struct {
	bucketSize  int
	historySize int
	q           TargetBuckets
	history     *list.List
	targetSet   map[string]*Target
	lowWeight   fbig.Int
	lk          sync.Mutex
}

// NewTargetTracker returns a new target queue.
func NewTargetTracker(size int) *TargetTracker {
	return &TargetTracker{
		bucketSize:  size,
		historySize: 10,
		history:     list.New(),
		q:           make(TargetBuckets, 0),
		targetSet:   make(map[string]*Target),
		lk:          sync.Mutex{},
		lowWeight:   fbig.NewInt(0),
	}
}

// Add adds a sync target to the target queue and reports whether it was
// queued.
// Targets whose head is already queued or recently finished are dropped.
// Queued neighbors (same height, parents and parent weight) are merged into
// the incoming target so it covers as many blocks as possible. The merged
// target replaces an idle target it contains; otherwise it takes a free slot,
// and with a full queue it evicts the lightest idle target if that one
// claims less weight. The queue is kept sorted by parent weight, heavier
// first, then by block count.
func (tq *TargetTracker) Add(t *Target) bool {
	tq.lk.Lock()
	defer tq.lk.Unlock()

	t, ok := tq.widen(t)
	if !ok {
		return false
	}

	replaceIndex := -1
	for i := len(tq.q) - 1; i > -1; i-- {
		if t.HasChild(tq.q[i]) && tq.q[i].State == StageIdle {
			replaceIndex = i
			log.Infof("%s replace a child target at %d", t.Head.String(), i)
			break
		}
	}

	if replaceIndex < 0 && len(tq.q) >= tq.bucketSize {
		// do not sync less weight when full
		if t.Head.At(0).ParentWeight.LessThan(tq.lowWeight) {
			return false
		}
		for i := len(tq.q) - 1; i > -1; i-- {
			if tq.q[i].State == StageIdle && tq.q[i].Head.At(0).ParentWeight.LessThan(t.Head.At(0).ParentWeight) {
				replaceIndex = i
				log.Infof("%s replace a idle target at %d", t.Head.String(), i)
				break
			}
		}
		if replaceIndex < 0 {
			return false
		}
	}

	if replaceIndex < 0 {
		tq.q = append(tq.q, t)
	} else {
		delete(tq.targetSet, tq.q[replaceIndex].Head.String())
		tq.q[replaceIndex] = t
	}

	tq.targetSet[t.Head.String()] = t
	sortTarget(tq.q)
	tq.lowWeight = tq.q[len(tq.q)-1].Head.At(0).ParentWeight
	return true
}

// sortTarget sorts by weight and then by block number
func sortTarget(target TargetBuckets) {
	//use weight as group key
	groups := make(map[string][]*Target)
	var keys []fbig.Int
	for _, t := range target {
		weight := t.Head.ParentWeight()
		if _, ok := groups[weight.String()]; ok {
			groups[weight.String()] = append(groups[weight.String()], t)
		} else {
			groups[weight.String()] = []*Target{t}
			keys = append(keys, weight)
		}
	}

	//sort group by weight
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].GreaterThan(keys[j])
	})

	//sort target in group by block number
	for _, key := range keys {
		inGroup := groups[key.String()]
		sort.Slice(inGroup, func(i, j int) bool {
			return inGroup[i].Head.Len() > inGroup[j].Head.Len()
		})
	}

	//update target buckets
	count := 0
	for _, key := range keys {
		for _, t := range groups[key.String()] {
			target[count] = t
			count++
		}
	}
}

// widen merges the blocks of queued neighbors into t.
func (tq *TargetTracker) widen(t *Target) (*Target, bool) {
	if len(tq.targetSet) == 0 {
		return t, true
	}

	var err error
	// If already in queue drop quickly
	for _, val := range tq.targetSet {
		if val.Head.Key().ContainsAll(t.Head.Key()) {
			return nil, false
		}
	}

	//collect neighbor block in queue include history to get block with same weight and height
	sameWeightBlks := make(map[cid.Cid]*types.BlockHeader)
	for _, val := range tq.targetSet {
		if val.IsNeighbor(t) {
			for _, blk := range val.Head.Blocks() {
				bid := blk.Cid()
				if !t.Head.Key().Has(bid) {
					if _, ok := sameWeightBlks[bid]; !ok {
						sameWeightBlks[bid] = blk
					}
				}
			}
		}
	}

	if len(sameWeightBlks) == 0 {
		return t, true
	}

	blks := append([]*types.BlockHeader{}, t.Head.Blocks()...)
	for _, blk := range sameWeightBlks {
		blks = append(blks, blk)
	}

	newHead, err := types.NewTipSet(blks)
	if err != nil {
		return nil, false
	}
	t.Head = newHead
	return t, true
}

// Select returns the highest priority idle target. If there is none the
// second return is false.
func (tq *TargetTracker) Select() (*Target, bool) {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	if tq.q.Len() == 0 {
		return nil, false
	}
	var toSyncTarget *Target
	for _, target := range tq.q {
		if target.State == StageIdle {
			toSyncTarget = target
			break
		}
	}

	if toSyncTarget == nil {
		return nil, false
	}
	return toSyncTarget, true
}

// SetState changes the state of a queued target.
func (tq *TargetTracker) SetState(t *Target, state SyncStateStage) {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	t.State = state
}

// Remove drops a target after its sync completed and moves it to the
// history. Heads in the history are still refused by Add.
func (tq *TargetTracker) Remove(t *Target) {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	for index, target := range tq.q {
		if t == target {
			tq.q = append(tq.q[:index], tq.q[index+1:]...)
			break
		}
	}
	t.End = time.Now()
	if tq.history.Len() >= tq.historySize {
		oldest := tq.history.Remove(tq.history.Front()).(*Target)
		if tq.targetSet[oldest.Head.String()] == oldest {
			delete(tq.targetSet, oldest.Head.String())
		}
	}
	tq.history.PushBack(t)
}

// History returns the most recently finished targets, oldest first.
func (tq *TargetTracker) History() []*Target {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	var targets []*Target
	for target := tq.history.Front(); target != nil; target = target.Next() {
		targets = append(targets, target.Value.(*Target))
	}
	return targets
}

// Len returns the number of targets in the queue.
func (tq *TargetTracker) Len() int {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	return tq.q.Len()
}

// Buckets returns a copy of the queued targets in priority order.
func (tq *TargetTracker) Buckets() TargetBuckets {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	out := make(TargetBuckets, len(tq.q))
	copy(out, tq.q)
	return out
}

// TargetBuckets orders targets by a policy.
//
// The current simple policy is to order syncing requests by claimed parent
// weight.
//
// `TargetBuckets` can panic so it shouldn't be used unwrapped
type TargetBuckets []*Target

// Len heavily inspired by https://golang.org/pkg/container/heap/
func (rq TargetBuckets) Len() int { return len(rq) }

func (rq TargetBuckets) Less(i, j int) bool {
	// We want Pop to give us the weight priority so we use greater than
	weightI := rq[i].Head.ParentWeight()
	weightJ := rq[j].Head.ParentWeight()
	return weightI.GreaterThan(weightJ)
}

func (rq TargetBuckets) Swap(i, j int) {
	rq[i], rq[j] = rq[j], rq[i]
}

func (rq *TargetBuckets) Pop() interface{} {
	old := *rq
	n := len(old)
	item := old[n-1]
	*rq = old[0 : n-1]
	return item
}
