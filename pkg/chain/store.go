package chain

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/pubsub"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

var log = logging.Logger("chain.store")

// HeadKey is the key at which the head tipset cid's are written in the datastore.
var HeadKey = datastore.NewKey("/chain/heaviestTipSet")

// validatedPrefix keys the marks of tipsets that passed full validation.
var validatedPrefix = datastore.NewKey("/chain/validated")

// ReorgTopic is the pubsub topic reorg events are published on.
const ReorgTopic = "reorg"

var ErrNotifeeDone = errors.New("notifee is done and should be removed")

// ReorgNotifee represents a callback that gets called upon reorgs.
type ReorgNotifee func(rev, app []*types.TipSet) error

var DefaultTipsetLruCacheSize = 10000

type reorg struct {
	old   []*types.TipSet
	new   []*types.TipSet
	event *types.Reorg
}

// TSState export this func is just for gen cbor tool to work
type TSState struct {
	StateRoot cid.Cid
	Receipts  cid.Cid
}

// Store tracks tipsets, the results of executing them and the canonical head.
type Store struct {
	// stateAndBlockSource is used for reading block and state objects kept by
	// the node.
	stateAndBlockSource cbor.IpldStore

	bsstore blockstoreutil.Blockstore

	// ds is the datastore for the chain's private metadata which consists
	// of the tipset key to state root cid mapping, and the heaviest tipset
	// key.
	ds repo.Datastore

	// genesis is the CID of the genesis block.
	genesis cid.Cid
	// head is the tipset at the head of the best known chain.
	head *types.TipSet
	// Protects head.
	mu sync.RWMutex

	// headEvents is a pubsub channel that publishes an event every time the
	// head changes. Events are delivered in the order heads were set.
	headEvents *pubsub.PubSub

	// Tracks tipsets by height for fork bookkeeping.
	tipIndex *TipStateCache

	reorgCh        chan reorg
	reorgNotifeeCh chan ReorgNotifee
	// closed once Stop has ended the reorg worker
	stopped        <-chan struct{}
	cancel         context.CancelFunc
	stopOnce       sync.Once

	tsCache *lru.ARCCache
}

// NewStore constructs a new default store.
func NewStore(chainDs repo.Datastore, bsstore blockstoreutil.Blockstore, genesisCid cid.Cid) *Store {
	tsCache, _ := lru.NewARC(DefaultTipsetLruCacheSize)
	ctx, cancel := context.WithCancel(context.Background())
	store := &Store{
		stateAndBlockSource: cbor.NewCborStore(bsstore),
		ds:                  chainDs,
		bsstore:             bsstore,
		headEvents:          pubsub.New(64),
		genesis:             genesisCid,
		tipIndex:            NewTipStateCache(),
		reorgNotifeeCh:      make(chan ReorgNotifee),
		stopped:             ctx.Done(),
		cancel:              cancel,
		tsCache:             tsCache,
	}
	store.reorgCh = store.reorgWorker(ctx)
	return store
}

// Load rebuilds the Store's caches by traversing backwards from the
// most recent best head as stored in its datastore. Load does not validate
// state transitions, it trusts that tipsets were only given metadata after
// they were executed.
func (store *Store) Load(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "Store.Load")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	headTS, err := store.loadHead(ctx)
	if err != nil {
		return err
	}
	log.Infof("start loading chain at tipset: %s, height: %d", headTS.Key(), headTS.Height())

	loopBack := headTS.Height() - constants.Finality
	ts := headTS
	for {
		tsm, err := store.LoadTipsetMetadata(ctx, ts)
		if err != nil {
			return err
		}
		store.tipIndex.Put(tsm)

		if ts.Height() == 0 || ts.Height() <= loopBack {
			break
		}
		if ts, err = store.GetTipSet(ctx, ts.Parents()); err != nil {
			return err
		}
	}
	if ts.Height() == 0 && !ts.At(0).Cid().Equals(store.genesis) {
		return fmt.Errorf("chain at %s does not lead to genesis %s", headTS.Key(), store.genesis)
	}
	log.Infof("finished loading %d tipsets from %s", store.tipIndex.Len(), headTS.String())

	return store.SetHead(ctx, headTS)
}

// InitGenesis records the genesis tipset as executed and makes it the head.
// The genesis block's declared roots are its results.
func (store *Store) InitGenesis(ctx context.Context, genesis *types.TipSet) error {
	if !genesis.At(0).Cid().Equals(store.genesis) {
		return fmt.Errorf("genesis %s does not match store genesis %s", genesis.Key(), store.genesis)
	}
	if err := store.PutTipSet(ctx, genesis); err != nil {
		return err
	}
	if err := store.PutTipSetMetadata(ctx, &TipSetMetadata{
		TipSet:          genesis,
		TipSetStateRoot: genesis.At(0).ParentStateRoot,
		TipSetReceipts:  genesis.At(0).ParentMessageReceipts,
	}); err != nil {
		return err
	}
	if err := store.MarkValidated(ctx, genesis); err != nil {
		return err
	}
	return store.SetHead(ctx, genesis)
}

// loadHead loads the latest known head from disk.
func (store *Store) loadHead(ctx context.Context) (*types.TipSet, error) {
	tskBytes, err := store.ds.Get(ctx, HeadKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read HeadKey")
	}

	var tsk types.TipSetKey
	err = tsk.UnmarshalCBOR(bytes.NewReader(tskBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to cast headCids")
	}

	return store.GetTipSet(ctx, tsk)
}

// LoadTipsetMetadata load tipset status (state root and reciepts)
func (store *Store) LoadTipsetMetadata(ctx context.Context, ts *types.TipSet) (*TipSetMetadata, error) {
	key := datastore.NewKey(makeKey(ts.String(), ts.Height()))

	tsStateBytes, err := store.ds.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tipset key %s", ts.String())
	}

	var metadata TSState
	err = metadata.UnmarshalCBOR(bytes.NewReader(tsStateBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode tip set metadata %s", ts.String())
	}
	return &TipSetMetadata{
		TipSet:          ts,
		TipSetStateRoot: metadata.StateRoot,
		TipSetReceipts:  metadata.Receipts,
	}, nil
}

// PutTipSetMetadata persists the result of executing a tipset and tracks
// it in the tipset index.
func (store *Store) PutTipSetMetadata(ctx context.Context, tsm *TipSetMetadata) error {
	if err := store.writeTipSetMetadata(ctx, tsm); err != nil {
		return err
	}
	store.tipIndex.Put(tsm)
	return nil
}

// GetTipsetMetadata returns the execution result of ts from memory or disk.
func (store *Store) GetTipsetMetadata(ctx context.Context, ts *types.TipSet) (*TipSetMetadata, error) {
	if tsm, ok := store.tipIndex.Get(ts.Key()); ok {
		return tsm, nil
	}
	return store.LoadTipsetMetadata(ctx, ts)
}

// GetTipSetStateRoot returns the state root after executing ts.
func (store *Store) GetTipSetStateRoot(ctx context.Context, ts *types.TipSet) (cid.Cid, error) {
	tsm, err := store.GetTipsetMetadata(ctx, ts)
	if err != nil {
		return cid.Undef, err
	}
	return tsm.TipSetStateRoot, nil
}

// GetTipSetReceiptsRoot returns the receipts root of executing ts.
func (store *Store) GetTipSetReceiptsRoot(ctx context.Context, ts *types.TipSet) (cid.Cid, error) {
	tsm, err := store.GetTipsetMetadata(ctx, ts)
	if err != nil {
		return cid.Undef, err
	}
	return tsm.TipSetReceipts, nil
}

// HasTipSetAndState reports whether ts has been executed and recorded.
func (store *Store) HasTipSetAndState(ctx context.Context, ts *types.TipSet) bool {
	if store.tipIndex.Has(ts.Key()) {
		return true
	}
	has, err := store.ds.Has(ctx, datastore.NewKey(makeKey(ts.String(), ts.Height())))
	return err == nil && has
}

// MarkValidated records that ts passed structural and state validation.
// Having state metadata alone says nothing about validity: state may be
// computed for any stored tipset on request.
func (store *Store) MarkValidated(ctx context.Context, ts *types.TipSet) error {
	if err := store.ds.Put(ctx, validatedKey(ts), []byte{1}); err != nil {
		return errors.Wrapf(err, "failed to mark %s validated", ts.String())
	}
	return nil
}

// IsValidated reports whether ts was marked by MarkValidated.
func (store *Store) IsValidated(ctx context.Context, ts *types.TipSet) bool {
	has, err := store.ds.Has(ctx, validatedKey(ts))
	return err == nil && has
}

func validatedKey(ts *types.TipSet) datastore.Key {
	return validatedPrefix.ChildString(makeKey(ts.String(), ts.Height()))
}

// TipSetsAtHeight lists the executed tipsets at h still tracked in memory,
// the canonical one and any competing forks.
func (store *Store) TipSetsAtHeight(h abi.ChainEpoch) []*types.TipSet {
	return store.tipIndex.AtHeight(h)
}

// PruneIndex stops tracking tipsets more than depth epochs below the head.
// Persisted metadata is kept.
func (store *Store) PruneIndex(depth abi.ChainEpoch) int {
	head := store.GetHead()
	if head == nil || head.Height() <= depth {
		return 0
	}
	return store.tipIndex.Prune(head.Height() - depth)
}

// GetBlock returns the block identified by `cid`.
func (store *Store) GetBlock(ctx context.Context, blockID cid.Cid) (*types.BlockHeader, error) {
	var block types.BlockHeader
	err := store.stateAndBlockSource.Get(ctx, blockID, &block)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get block %s", blockID.String())
	}
	return &block, nil
}

// PutTipSet writes the headers of ts to the blockstore.
func (store *Store) PutTipSet(ctx context.Context, ts *types.TipSet) error {
	for _, blk := range ts.Blocks() {
		sb, err := blk.ToStorageBlock()
		if err != nil {
			return err
		}
		if err := store.bsstore.Put(ctx, sb); err != nil {
			return errors.Wrapf(err, "failed to put block %s", sb.Cid())
		}
	}
	store.tsCache.Add(ts.Key(), ts)
	return nil
}

// GetTipSet returns the tipset identified by `key`.
func (store *Store) GetTipSet(ctx context.Context, key types.TipSetKey) (*types.TipSet, error) {
	if key.IsEmpty() {
		return nil, errors.New("cannot load the tipset of an empty key")
	}

	val, has := store.tsCache.Get(key)
	if has {
		return val.(*types.TipSet), nil
	}

	cids := key.Cids()
	blks := make([]*types.BlockHeader, len(cids))
	for idx, c := range cids {
		blk, err := store.GetBlock(ctx, c)
		if err != nil {
			return nil, err
		}

		blks[idx] = blk
	}

	ts, err := types.NewTipSet(blks)
	if err != nil {
		return nil, err
	}
	store.tsCache.Add(key, ts)

	return ts, nil
}

// GetTipSetByHeight looks back from ts for the tipset at epoch h. When h is
// a null round the tipset above it is returned, or the one below if prev is set.
func (store *Store) GetTipSetByHeight(ctx context.Context, ts *types.TipSet, h abi.ChainEpoch, prev bool) (*types.TipSet, error) {
	if ts == nil {
		ts = store.GetHead()
	}
	if h > ts.Height() {
		return nil, fmt.Errorf("looking for tipset with height greater than start point")
	}
	if h < 0 {
		return nil, fmt.Errorf("negative height %d", h)
	}

	for ts.Height() > h {
		pts, err := store.GetTipSet(ctx, ts.Parents())
		if err != nil {
			return nil, err
		}
		if pts.Height() < h {
			// null rounds at h
			if prev {
				return pts, nil
			}
			return ts, nil
		}
		ts = pts
	}
	return ts, nil
}

// SetHead sets the passed in tipset as the new head of this chain. The head
// pointer and its persisted copy change together under the store lock.
func (store *Store) SetHead(ctx context.Context, newTS *types.TipSet) error {
	if !newTS.Defined() {
		return errors.New("cannot set an empty tipset as head")
	}
	log.Infof("SetHead %s %d", newTS.String(), newTS.Height())

	r, update, err := func() (reorg, bool, error) {
		store.mu.Lock()
		defer store.mu.Unlock()

		var r reorg
		if store.head != nil {
			if store.head.Equals(newTS) {
				return r, false, nil
			}
			dropped, added, ancestor, err := ReorgOps(ctx, store.GetTipSet, store.head, newTS)
			if err != nil {
				return r, false, err
			}
			r.old, r.new = dropped, added
			r.event = &types.Reorg{Old: store.head, New: newTS, CommonAncestor: ancestor}
		}

		// Ensure consistency by storing this new head on disk.
		if errInner := store.writeHead(ctx, newTS.Key()); errInner != nil {
			return r, false, errors.Wrap(errInner, "failed to write new Head to datastore")
		}
		store.head = newTS
		return r, true, nil
	}()
	if err != nil {
		return err
	}
	// the first head is not a change, subscribers learn it as current
	if !update || r.event == nil {
		return nil
	}

	Reverse(r.new)
	select {
	case store.reorgCh <- r:
	case <-store.stopped:
		log.Warnf("store stopped, head change to %s not published", newTS.Key())
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (store *Store) reorgWorker(ctx context.Context) chan reorg {
	headChangeNotifee := func(rev, app []*types.TipSet) error {
		notif := make([]*types.HeadChange, len(rev)+len(app))
		for i, revert := range rev {
			notif[i] = &types.HeadChange{
				Type: types.HCRevert,
				Val:  revert,
			}
		}

		for i, apply := range app {
			notif[i+len(rev)] = &types.HeadChange{
				Type: types.HCApply,
				Val:  apply,
			}
		}

		// Publish an event that we have a new head.
		store.headEvents.Pub(notif, types.HeadChangeTopic)
		return nil
	}

	out := make(chan reorg, 32)
	notifees := []ReorgNotifee{headChangeNotifee}

	go func() {
		defer log.Debug("reorgWorker quit")
		for {
			select {
			case n := <-store.reorgNotifeeCh:
				notifees = append(notifees, n)

			case r := <-out:
				if ctx.Err() != nil {
					return
				}
				if r.event != nil {
					store.headEvents.Pub(r.event, ReorgTopic)
				}

				var toremove map[int]struct{}
				for i, hcf := range notifees {
					err := hcf(r.old, r.new)

					switch err {
					case nil:

					case ErrNotifeeDone:
						if toremove == nil {
							toremove = make(map[int]struct{})
						}
						toremove[i] = struct{}{}

					default:
						log.Error("head change func errored (BAD): ", err)
					}
				}

				if len(toremove) > 0 {
					newNotifees := make([]ReorgNotifee, 0, len(notifees)-len(toremove))
					for i, hcf := range notifees {
						if _, remove := toremove[i]; remove {
							continue
						}
						newNotifees = append(newNotifees, hcf)
					}
					notifees = newNotifees
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SubHeadChanges returns channel with chain head updates.
// First message is guaranteed to be of len == 1, and type == 'current'.
// Then event in the message may be HCApply and HCRevert.
func (store *Store) SubHeadChanges(ctx context.Context) chan []*types.HeadChange {
	store.mu.RLock()
	subCh := store.headEvents.Sub(types.HeadChangeTopic)
	head := store.head
	store.mu.RUnlock()

	out := make(chan []*types.HeadChange, 16)
	out <- []*types.HeadChange{{
		Type: types.HCCurrent,
		Val:  head,
	}}

	go func() {
		defer close(out)
		var unsubOnce sync.Once

		for {
			select {
			case val, ok := <-subCh:
				if !ok {
					log.Debug("chain head sub exit loop")
					return
				}

				select {
				case out <- val.([]*types.HeadChange):
				default:
					log.Errorf("closing head change subscription due to slow reader")
					unsubOnce.Do(func() {
						go store.headEvents.Unsub(subCh)
					})
					return
				}
				if len(out) > 5 {
					log.Warnf("head change sub is slow, has %d buffered entries", len(out))
				}
			case <-ctx.Done():
				unsubOnce.Do(func() {
					go store.headEvents.Unsub(subCh)
				})
			}
		}
	}()
	return out
}

// SubReorgs returns a channel receiving every head swap after the first head.
// The channel closes when ctx is done.
func (store *Store) SubReorgs(ctx context.Context) <-chan *types.Reorg {
	subCh := store.headEvents.Sub(ReorgTopic)
	out := make(chan *types.Reorg, 16)

	go func() {
		defer close(out)
		var unsubOnce sync.Once
		for {
			select {
			case val, ok := <-subCh:
				if !ok {
					return
				}
				select {
				case out <- val.(*types.Reorg):
				case <-ctx.Done():
				}
			case <-ctx.Done():
				unsubOnce.Do(func() {
					go store.headEvents.Unsub(subCh)
				})
			}
		}
	}()
	return out
}

// SubscribeHeadChanges subscribe head change event
func (store *Store) SubscribeHeadChanges(f ReorgNotifee) {
	select {
	case store.reorgNotifeeCh <- f:
	case <-store.stopped:
	}
}

// writeHead writes the given cid set as head to disk.
func (store *Store) writeHead(ctx context.Context, cids types.TipSetKey) error {
	log.Debugf("WriteHead %s", cids.String())
	buf := new(bytes.Buffer)
	err := cids.MarshalCBOR(buf)
	if err != nil {
		return err
	}

	return store.ds.Put(ctx, HeadKey, buf.Bytes())
}

// writeTipSetMetadata writes the tipset key and the state root id to the
// datastore.
func (store *Store) writeTipSetMetadata(ctx context.Context, tsm *TipSetMetadata) error {
	if tsm.TipSetStateRoot == cid.Undef {
		return errors.New("attempting to write state root cid.Undef")
	}

	if tsm.TipSetReceipts == cid.Undef {
		return errors.New("attempting to write receipts cid.Undef")
	}

	metadata := TSState{
		StateRoot: tsm.TipSetStateRoot,
		Receipts:  tsm.TipSetReceipts,
	}
	buf := new(bytes.Buffer)
	err := metadata.MarshalCBOR(buf)
	if err != nil {
		return err
	}
	// datastore keeps key:stateRoot (k,v) pairs.
	key := datastore.NewKey(makeKey(tsm.TipSet.String(), tsm.TipSet.Height()))

	return store.ds.Put(ctx, key, buf.Bytes())
}

// GetHead returns the current head tipset, nil before the first SetHead.
func (store *Store) GetHead() *types.TipSet {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.head
}

// GenesisCid returns the genesis cid of the chain tracked by the default store.
func (store *Store) GenesisCid() cid.Cid {
	return store.genesis
}

// GetGenesisBlock returns the genesis block header.
func (store *Store) GetGenesisBlock(ctx context.Context) (*types.BlockHeader, error) {
	return store.GetBlock(ctx, store.GenesisCid())
}

// Blockstore return local blockstore
func (store *Store) Blockstore() blockstoreutil.Blockstore {
	return store.bsstore
}

// StateStore is the object store over the blockstore.
func (store *Store) StateStore() cbor.IpldStore {
	return store.stateAndBlockSource
}

// Stop shuts down head change delivery. Head changes made after Stop are
// persisted but not published.
func (store *Store) Stop() {
	store.stopOnce.Do(func() {
		store.cancel()
		store.headEvents.Shutdown()
	})
}

// ReorgOps takes two tipsets (which can be at different heights), and walks
// their corresponding chains backwards one step at a time until we find
// a common ancestor. It returns the segment of a above the ancestor, the
// segment of b above the ancestor, each ordered from the tip down, and the
// ancestor itself.
func ReorgOps(ctx context.Context, lts func(context.Context, types.TipSetKey) (*types.TipSet, error), a, b *types.TipSet) ([]*types.TipSet, []*types.TipSet, *types.TipSet, error) {
	left := a
	right := b

	var leftChain, rightChain []*types.TipSet
	for !left.Equals(right) {
		if left.Height() > right.Height() {
			leftChain = append(leftChain, left)
			par, err := lts(ctx, left.Parents())
			if err != nil {
				return nil, nil, nil, err
			}
			left = par
		} else {
			rightChain = append(rightChain, right)
			par, err := lts(ctx, right.Parents())
			if err != nil {
				log.Infof("failed to fetch right.Parents: %s", err)
				return nil, nil, nil, err
			}
			right = par
		}
	}

	return leftChain, rightChain, left, nil
}

// Reverse reverses the order of the slice `chain`.
func Reverse(chain []*types.TipSet) {
	// https://github.com/golang/go/wiki/SliceTricks#reversing
	for i := len(chain)/2 - 1; i >= 0; i-- {
		opp := len(chain) - 1 - i
		chain[i], chain[opp] = chain[opp], chain[i]
	}
}

func makeKey(pKey string, h abi.ChainEpoch) string {
	return fmt.Sprintf("p-%s h-%d", pKey, h)
}
