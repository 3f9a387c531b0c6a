package dispatcher

import (
	"container/list"
	"context"
	"runtime/debug"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	syncTypes "github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/types"
)

var log = logging.Logger("dispatcher")

// DefaultInQueueSize is the bucketSize of the channel used for receiving targets from producers.
const DefaultInQueueSize = 5

// DefaultWorkQueueSize is the bucketSize of the work queue
const DefaultWorkQueueSize = 15

// DefaultMaxConcurrent is the number of targets synced at once.
const DefaultMaxConcurrent = 1

const scheduleInterval = 500 * time.Millisecond

// dispatchSyncer is the interface of the logic syncing incoming chains
type dispatchSyncer interface {
	Head() *types.TipSet
	HandleNewTipSet(context.Context, *syncTypes.Target) error
}

// NewDispatcher creates a new syncing dispatcher with default queue sizes.
func NewDispatcher(catchupSyncer dispatchSyncer, c clock.Clock, maxConcurrent int) *Dispatcher {
	return NewDispatcherWithSizes(catchupSyncer, c, DefaultWorkQueueSize, DefaultInQueueSize, maxConcurrent)
}

// NewDispatcherWithSizes creates a new syncing dispatcher.
func NewDispatcherWithSizes(syncer dispatchSyncer, c clock.Clock, workQueueSize, inQueueSize, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Dispatcher{
		workTracker:  syncTypes.NewTargetTracker(workQueueSize),
		syncer:       syncer,
		clock:        c,
		incoming:     make(chan *syncTypes.Target, inQueueSize),
		wake:         make(chan struct{}, 1),
		registeredCb: func(t *syncTypes.Target, err error) {},
		running:      list.New(),
		maxCount:     int64(maxConcurrent),
	}
}

// runningSync is a target handed to the syncer and the cancel func of its
// context. A cancelled sync keeps its slot until the syncer returns.
type runningSync struct {
	target    *syncTypes.Target
	cancel    context.CancelFunc
	cancelled bool
}

func (rs *runningSync) stop() {
	rs.cancel()
	rs.cancelled = true
}

// Dispatcher receives, sorts and dispatches targets to the syncer to control
// chain syncing.
//
// New targets arrive over the incoming channel. The dispatcher then puts them
// into the workTracker which sorts them by their claimed chain weight. The
// dispatcher takes the highest priority idle targets from the queue and syncs
// up to maxCount of them at once. When every slot is busy and a target
// claiming more weight than the lightest running one shows up, the lighter
// sync is cancelled. The heavier target starts once the cancelled sync has
// returned, so no more than maxCount syncs ever run.
//
// A callback registered with RegisterCallback fires after every sync.
type Dispatcher struct {
	// workTracker is a priority queue of target chain heads that should be
	// synced
	workTracker *syncTypes.TargetTracker
	// incoming is the queue of incoming sync targets to the dispatcher.
	incoming chan *syncTypes.Target
	// syncer is used for dispatching sync targets for chain heads to sync
	// local chain state to these targets.
	syncer dispatchSyncer
	clock  clock.Clock

	registeredCb func(*syncTypes.Target, error)
	// wake asks the sync worker to schedule without waiting for its ticker.
	wake chan struct{}

	lk       sync.Mutex
	running  *list.List
	maxCount int64
}

// SyncTracker returns the queue of sync targets.
func (d *Dispatcher) SyncTracker() *syncTypes.TargetTracker {
	return d.workTracker
}

// SendHello handles chain information from bootstrap peers.
func (d *Dispatcher) SendHello(ci *types.ChainInfo) error {
	return d.addTracker(ci)
}

// SendOwnBlock handles chain info from a node's own mining system
func (d *Dispatcher) SendOwnBlock(ci *types.ChainInfo) error {
	return d.addTracker(ci)
}

// SendGossipBlock handles chain info from new blocks sent on pubsub
func (d *Dispatcher) SendGossipBlock(ci *types.ChainInfo) error {
	return d.addTracker(ci)
}

func (d *Dispatcher) addTracker(ci *types.ChainInfo) error {
	d.incoming <- &syncTypes.Target{
		ChainInfo: *ci,
		Base:      d.syncer.Head(),
		Start:     d.clock.Now(),
	}
	return nil
}

// Start launches the business logic for the syncing subsystem.
func (d *Dispatcher) Start(syncingCtx context.Context) {
	go d.processIncoming(syncingCtx)

	go d.syncWorker(syncingCtx)
}

func (d *Dispatcher) processIncoming(ctx context.Context) {
	defer func() {
		log.Info("exiting sync dispatcher")
		if r := recover(); r != nil {
			log.Errorf("panic: %v", r)
			debug.PrintStack()
		}
	}()

	for {
		// Handle shutdown
		select {
		case <-ctx.Done():
			log.Info("context done")
			return
		case target := <-d.incoming:
			// Sort new targets by putting on work queue.
			if d.workTracker.Add(target) {
				log.Infof("received height %d Blocks: %d  %s current work len %d  incoming len: %d",
					target.Head.Height(), target.Head.Len(), target.Head.Key(), d.workTracker.Len(), len(d.incoming))
				select {
				case d.wake <- struct{}{}:
				default:
				}
			}
		}
	}
}

// SetConcurrent sets the number of targets synced at once. Running syncs
// above the new limit are cancelled, newest first.
func (d *Dispatcher) SetConcurrent(number int64) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.maxCount = number
	active := int64(0)
	for ele := d.running.Front(); ele != nil; ele = ele.Next() {
		if !ele.Value.(*runningSync).cancelled {
			active++
		}
	}
	for ele := d.running.Back(); ele != nil && active > d.maxCount; ele = ele.Prev() {
		rs := ele.Value.(*runningSync)
		if rs.cancelled {
			continue
		}
		rs.stop()
		active--
	}
}

// Concurrent get current max syncing goroutine
func (d *Dispatcher) Concurrent() int64 {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.maxCount
}

// Running returns the number of targets being synced, cancelled syncs that
// have not returned yet included.
func (d *Dispatcher) Running() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.running.Len()
}

// syncWorker starts syncs for queued targets on every tick and every time a
// target is queued.
func (d *Dispatcher) syncWorker(ctx context.Context) {
	ticker := d.clock.Ticker(scheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.schedule(ctx)
		case <-d.wake:
			d.schedule(ctx)
		case <-ctx.Done():
			log.Info("context done")
			return
		}
	}
}

// schedule starts syncs until the queue has no idle target or every slot is
// taken. With every slot taken it may cancel one lighter sync; the freed
// slot is filled when that sync returns.
func (d *Dispatcher) schedule(ctx context.Context) {
	for {
		syncTarget, popped := d.workTracker.Select()
		if !popped {
			return
		}

		d.lk.Lock()
		if int64(d.running.Len()) >= d.maxCount {
			d.preemptLocked(syncTarget)
			d.lk.Unlock()
			return
		}
		d.workTracker.SetState(syncTarget, syncTypes.StateInSyncing)
		syncCtx, cancel := context.WithCancel(ctx)
		ele := d.running.PushBack(&runningSync{target: syncTarget, cancel: cancel})
		d.lk.Unlock()

		go d.runSync(syncCtx, cancel, ele, syncTarget)
	}
}

// preemptLocked cancels the lightest running sync if target claims more
// weight. Nothing is cancelled while an earlier cancelled sync still holds
// its slot.
func (d *Dispatcher) preemptLocked(target *syncTypes.Target) {
	var lightest *runningSync
	for ele := d.running.Front(); ele != nil; ele = ele.Next() {
		rs := ele.Value.(*runningSync)
		if rs.cancelled {
			return
		}
		if lightest == nil || rs.target.Weight().LessThan(lightest.target.Weight()) {
			lightest = rs
		}
	}
	if lightest == nil || !lightest.target.Weight().LessThan(target.Weight()) {
		return
	}
	log.Infof("cancel sync of %s at %d, superseded by %s at %d", lightest.target.Head.Key(), lightest.target.Head.Height(), target.Head.Key(), target.Head.Height())
	lightest.stop()
}

func (d *Dispatcher) runSync(ctx context.Context, cancel context.CancelFunc, ele *list.Element, syncTarget *syncTypes.Target) {
	defer cancel()
	err := d.syncer.HandleNewTipSet(ctx, syncTarget)
	d.workTracker.Remove(syncTarget)
	if err != nil {
		log.Infof("failed sync of %v at %d  %s", syncTarget.Head.Key(), syncTarget.Head.Height(), err)
	}

	d.lk.Lock()
	d.running.Remove(ele)
	cb := d.registeredCb
	d.lk.Unlock()

	cb(syncTarget, err)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// RegisterCallback registers a callback on the dispatcher that
// will fire after every target sync, successful or not.
func (d *Dispatcher) RegisterCallback(cb func(*syncTypes.Target, error)) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.registeredCb = cb
}
