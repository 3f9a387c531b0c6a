package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/slashfilter"
	"github.com/filecoin-project/venus-core/pkg/chainsync/status"
	syncTypes "github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/consensus/chainselector"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/metrics"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/statemanger"
	"github.com/filecoin-project/venus-core/pkg/types"
)

// Syncer updates its chain.Store from sync targets. Every tipset of a
// target goes through structural validation, state validation against the
// roots its children declare and finally fork choice. Tipsets that fail for
// consensus reasons are remembered with their descendants in a bad tipset
// cache. The Syncer maintains the following invariant on its store: a
// tipset is marked validated only after it passed structural validation,
// its parent's state matched its declared roots and its own state was
// computed. Stored headers and state metadata alone prove nothing.

var (
	// ErrChainHasBadTipSet is returned when the syncer traverses a chain with a cached bad tipset.
	ErrChainHasBadTipSet = errors.New("input chain contains a cached bad tipset")
	// ErrNewChainTooLong is returned when processing a fork that split off from the main chain too many blocks ago.
	ErrNewChainTooLong = errors.New("input chain forked from best chain past finality limit")

	logSyncer    = logging.Logger("chainsync.syncer")
	syncOneTimer *metrics.Float64Timer
	reorgCnt     *metrics.Int64Counter
	faultCnt     *metrics.Int64Counter
)

func init() {
	syncOneTimer = metrics.NewTimerMs("syncer/sync_one", "Duration of single tipset validation in milliseconds")
	reorgCnt = metrics.NewInt64Counter("chain/reorg_count", "The number of reorgs that have occurred.")
	faultCnt = metrics.NewInt64Counter("chain/consensus_faults", "Consensus faults seen in synced blocks.")
}

// StateProcessor computes tipset states.
type StateProcessor interface {
	// RunStateTransition returns the state root and receipts root resulting
	// from executing ts on top of its parent's state.
	RunStateTransition(ctx context.Context, ts *types.TipSet) (root cid.Cid, receipts cid.Cid, err error)
}

// BlockValidator checks tipset structure before anything is executed.
type BlockValidator interface {
	ValidateFullTipSet(ctx context.Context, parent *types.TipSet, fts *types.FullTipSet) error
}

// ChainReaderWriter reads and writes the chain store.
type ChainReaderWriter interface {
	GetHead() *types.TipSet
	GetTipSet(context.Context, types.TipSetKey) (*types.TipSet, error)
	IsValidated(context.Context, *types.TipSet) bool
	MarkValidated(context.Context, *types.TipSet) error
	PutTipSet(context.Context, *types.TipSet) error
	SetHead(context.Context, *types.TipSet) error
	PruneIndex(abi.ChainEpoch) int
	GetGenesisBlock(context.Context) (*types.BlockHeader, error)
}

// messageStore used to save and load message from db
type messageStore interface {
	LoadMessages(ctx context.Context, root cid.Cid) ([]*types.SignedMessage, error)
	StoreMessages(ctx context.Context, msgs []*types.SignedMessage) (cid.Cid, error)
}

var (
	_ StateProcessor    = (*statemanger.Stmgr)(nil)
	_ BlockValidator    = (*consensus.BlockValidator)(nil)
	_ ChainReaderWriter = (*chain.Store)(nil)
	_ messageStore      = (*chain.MessageStore)(nil)
)

type trackedTipSet struct {
	ts    *types.TipSet
	stage syncTypes.ValidationStage
}

// Syncer used to synchronize the block from the specified target, including acquiring the relevant block data and message data,
// verifying the block machine messages one by one and calculating them, checking the weight of the target after the calculation,
// and check whether it can become the latest tipset
type Syncer struct {
	exchangeClient exchange.Client
	// BadTipSetCache is used to filter out collections of invalid blocks.
	badTipSets *syncTypes.BadTipSetCache

	// Evaluates tipset messages and stores the resulting states.
	stateProcessor StateProcessor
	// Validates headers and message structure
	blockValidator BlockValidator
	// Provides and stores validated tipsets and their state roots.
	chainStore ChainReaderWriter
	// Provides message collections given cids
	messageProvider messageStore
	slashFilter     slashfilter.SlashFilter
	reporter        status.Reporter

	clock    clock.Clock
	headLock sync.Mutex

	maxLookback    int
	retentionDepth abi.ChainEpoch

	trackLk sync.Mutex
	tracked map[types.TipSetKey]*trackedTipSet
}

// NewSyncer constructs a Syncer ready for use. The chain store must have a
// head.
func NewSyncer(sp StateProcessor,
	bv BlockValidator,
	s ChainReaderWriter,
	m messageStore,
	exchangeClient exchange.Client,
	sf slashfilter.SlashFilter,
	reporter status.Reporter,
	c clock.Clock,
	cfg *config.SyncConfig) (*Syncer, error) {
	if s.GetHead() == nil {
		return nil, xerrors.New("chain store has no head")
	}
	return &Syncer{
		exchangeClient:  exchangeClient,
		badTipSets:      syncTypes.NewBadTipSetCache(cfg.BadTipSetCacheSize),
		stateProcessor:  sp,
		blockValidator:  bv,
		chainStore:      s,
		messageProvider: m,
		slashFilter:     sf,
		reporter:        reporter,
		clock:           c,
		maxLookback:     cfg.MaxLookback,
		retentionDepth:  abi.ChainEpoch(cfg.RetentionDepth),
		tracked:         make(map[types.TipSetKey]*trackedTipSet),
	}, nil
}

// HandleNewTipSet validates and syncs the chain rooted at the target head
// and moves the head when the result is heavier.
func (syncer *Syncer) HandleNewTipSet(ctx context.Context, target *syncTypes.Target) (err error) {
	ctx, span := trace.StartSpan(ctx, "Syncer.HandleNewTipSet")
	span.AddAttributes(trace.StringAttribute("tipset", target.Head.String()))
	defer func() {
		if err != nil {
			target.Err = err
			target.State = syncTypes.StageSyncErrored
			syncer.reportRejection(ctx, target, err)
		} else {
			target.State = syncTypes.StageSyncComplete
		}
		syncer.reporter.UpdateStatus(status.SyncComplete(true))
		tracing.AddErrorEndSpan(ctx, span, &err)
	}()
	logSyncer.Infof("Begin fetch and sync of chain with head %v from %s at height %v", target.Head.Key(), target.Sender, target.Head.Height())

	if syncer.badTipSets.Has(target.Head.Key().String()) {
		return xerrors.Errorf("target %s: %w", target.Head.Key(), ErrChainHasBadTipSet)
	}
	if syncer.chainStore.IsValidated(ctx, target.Head) {
		logSyncer.Debugf("target %s synced before", target.Head.Key())
		return nil
	}

	syncer.reporter.UpdateStatus(
		status.SyncingStarted(syncer.clock.Now().Unix()),
		status.SyncHead(target.Head),
		status.SyncComplete(false),
		status.SyncFetchComplete(false),
	)

	target.State = syncTypes.StageHeaders
	tipsets, err := syncer.fetchChainBlocks(ctx, syncer.chainStore.GetHead(), target.Head)
	if err != nil {
		return xerrors.Errorf("failure fetching or validating headers: %w", err)
	}
	syncer.reporter.UpdateStatus(status.SyncFetchComplete(true))

	logSyncer.Infof("fetch header success at %v %s ...", tipsets[0].Height(), tipsets[0].Key())
	target.State = syncTypes.StageMessages
	return syncer.syncSegement(ctx, target, tipsets)
}

func (syncer *Syncer) syncSegement(ctx context.Context, target *syncTypes.Target, tipsets []*types.TipSet) error {
	parent, err := syncer.chainStore.GetTipSet(ctx, tipsets[0].Parents())
	if err != nil {
		return err
	}

	return rangeProcess(tipsets, func(segTipset []*types.TipSet) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startTip := segTipset[0].Height()
		endTip := segTipset[len(segTipset)-1].Height()
		logSyncer.Infof("start to fetch message segement %d-%d", startTip, endTip)
		fullTipSets, err := syncer.fetchSegMessage(ctx, segTipset)
		if err != nil {
			return err
		}
		logSyncer.Infof("start to process message segement %d-%d", startTip, endTip)
		parent, err = syncer.processTipSetSegment(ctx, target, parent, fullTipSets)
		return err
	})
}

// fetchChainBlocks walks back from targetTip until it reaches a tipset
// validated locally. Missing headers are fetched in windows of
// maxLookback. The result is ordered oldest first and does not include the
// known tipset.
//
//	   D->E->F(targetTip)
//	A                     => D->E->F
//	   B->C(knownTip)
func (syncer *Syncer) fetchChainBlocks(ctx context.Context, knownTip *types.TipSet, targetTip *types.TipSet) ([]*types.TipSet, error) {
	if err := syncer.chainStore.PutTipSet(ctx, targetTip); err != nil {
		return nil, err
	}
	chainTipsets := []*types.TipSet{targetTip}
	cur := targetTip

	markBad := func() {
		syncer.badTipSets.AddChain(chainTipsets)
		for _, ts := range chainTipsets {
			syncer.setStage(ts, syncTypes.Rejected)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cur.Height() == 0 {
			genesis, err := syncer.chainStore.GetGenesisBlock(ctx)
			if err != nil {
				return nil, err
			}
			markBad()
			return nil, xerrors.Errorf("chain links back to a different genesis %s, ours %s: %w", cur.Key(), genesis.Cid(), consensus.ErrMalformedBlock)
		}

		parentKey := cur.Parents()
		if syncer.badTipSets.Has(parentKey.String()) {
			markBad()
			return nil, xerrors.Errorf("parent %s: %w", parentKey, ErrChainHasBadTipSet)
		}

		parent, err := syncer.chainStore.GetTipSet(ctx, parentKey)
		if err == nil {
			if syncer.chainStore.IsValidated(ctx, parent) {
				if err := syncer.checkForkLength(knownTip, parent); err != nil {
					markBad()
					return nil, err
				}
				break
			}
			// header known, not validated yet
			chainTipsets = append(chainTipsets, parent)
			cur = parent
			continue
		}

		fetchHeaders, err := syncer.exchangeClient.GetBlocks(ctx, parentKey, syncer.maxLookback)
		if err != nil {
			return nil, err
		}
		logSyncer.Infof("fetch blocks %d height from %d-%d", len(fetchHeaders), fetchHeaders[0].Height(), fetchHeaders[len(fetchHeaders)-1].Height())

		for _, ts := range fetchHeaders {
			if !ts.Key().Equals(cur.Parents()) || ts.Height() >= cur.Height() {
				return nil, xerrors.Errorf("fetched tipset %s does not link to %s: %w", ts.Key(), cur.Key(), consensus.ErrMalformedBlock)
			}
			if syncer.badTipSets.Has(ts.Key().String()) {
				markBad()
				return nil, xerrors.Errorf("ancestor %s: %w", ts.Key(), ErrChainHasBadTipSet)
			}
			if err := syncer.chainStore.PutTipSet(ctx, ts); err != nil {
				return nil, err
			}
			if syncer.chainStore.IsValidated(ctx, ts) {
				break
			}
			chainTipsets = append(chainTipsets, ts)
			cur = ts
			syncer.reporter.UpdateStatus(status.FetchHead(ts))
		}
	}

	chain.Reverse(chainTipsets)
	for _, ts := range chainTipsets {
		syncer.setStage(ts, syncTypes.Unvalidated)
	}
	return chainTipsets, nil
}

// checkForkLength refuses forks whose common ancestor with the current
// chain is more than a finality below the head.
func (syncer *Syncer) checkForkLength(knownTip, ancestor *types.TipSet) error {
	if knownTip.Height() > ancestor.Height()+constants.Finality {
		logSyncer.Warnf("fork from %s at %d is past finality of head at %d", ancestor.Key(), ancestor.Height(), knownTip.Height())
		return xerrors.Errorf("fork at %d, head at %d: %w", ancestor.Height(), knownTip.Height(), ErrNewChainTooLong)
	}
	return nil
}

// fetchSegMessage gets the messages of each tipset, from the local store
// when present and from the network otherwise.
func (syncer *Syncer) fetchSegMessage(ctx context.Context, segTipset []*types.TipSet) ([]*types.FullTipSet, error) {
	fullTipSets := make([]*types.FullTipSet, len(segTipset))
	for index, tip := range segTipset {
		fullTipset, err := syncer.getFullBlock(ctx, tip)
		if err == nil {
			fullTipSets[index] = fullTipset
			continue
		}

		syncer.reporter.UpdateStatus(status.FetchHead(tip))
		fullTipset, err = syncer.exchangeClient.GetFullTipSet(ctx, tip)
		if err != nil {
			return nil, err
		}
		fullTipSets[index] = fullTipset
	}
	return fullTipSets, nil
}

// getFullBlock get full block from message store
func (syncer *Syncer) getFullBlock(ctx context.Context, tipset *types.TipSet) (*types.FullTipSet, error) {
	fullBlocks := make([]*types.FullBlock, tipset.Len())
	for index, blk := range tipset.Blocks() {
		msgs, err := syncer.messageProvider.LoadMessages(ctx, blk.Messages)
		if err != nil {
			return nil, err
		}
		fullBlocks[index] = &types.FullBlock{
			Header:   blk,
			Messages: msgs,
		}
	}
	return types.NewFullTipSet(fullBlocks), nil
}

// processTipSetSegment process a batch of tipset in turn.
func (syncer *Syncer) processTipSetSegment(ctx context.Context, target *syncTypes.Target, parent *types.TipSet, segTipset []*types.FullTipSet) (*types.TipSet, error) {
	for i, fts := range segTipset {
		ts, err := fts.TipSet()
		if err != nil {
			return nil, err
		}
		if err := syncer.syncOne(ctx, parent, fts); err != nil {
			if poisonsChain(err) {
				// the rest of the segment descends from the bad tipset
				rest := make([]*types.TipSet, 0, len(segTipset)-i)
				for _, next := range segTipset[i:] {
					nts, _ := next.TipSet()
					rest = append(rest, nts)
					syncer.setStage(nts, syncTypes.Rejected)
				}
				syncer.badTipSets.AddChain(rest)
			}
			return nil, xerrors.Errorf("failed to sync tipset %s, number %d of %d in chain: %w", ts.Key(), i, len(segTipset), err)
		}
		parent = ts
		target.Current = ts
	}
	return parent, nil
}

// syncOne moves one tipset through the validation stages. The parent must
// already be validated.
func (syncer *Syncer) syncOne(ctx context.Context, parent *types.TipSet, fts *types.FullTipSet) error {
	next, err := fts.TipSet()
	if err != nil {
		return xerrors.Errorf("%v: %w", err, consensus.ErrMalformedBlock)
	}
	if syncer.chainStore.IsValidated(ctx, next) {
		return syncer.SetHead(ctx, next)
	}

	stopwatch := syncOneTimer.Start(ctx)
	defer stopwatch.Stop(ctx)

	if err := syncer.blockValidator.ValidateFullTipSet(ctx, parent, fts); err != nil {
		return err
	}
	for _, fb := range fts.Blocks {
		if _, err := syncer.messageProvider.StoreMessages(ctx, fb.Messages); err != nil {
			return xerrors.Errorf("storing messages of %s: %w", fb.Cid(), err)
		}
	}
	syncer.setStage(next, syncTypes.StructurallyValid)
	syncer.checkConsensusFaults(ctx, next, parent)

	if err := ctx.Err(); err != nil {
		return err
	}
	root, receipts, err := syncer.stateProcessor.RunStateTransition(ctx, parent)
	if err != nil {
		return xerrors.Errorf("calc parent tipset %s state failed: %w", parent.Key(), err)
	}
	if !root.Equals(next.ParentState()) || !receipts.Equals(next.ParentMessageReceipts()) {
		logSyncer.Errorf("state mismatch at %s height %d: declared state %s receipts %s, computed state %s receipts %s",
			next.Key(), next.Height(), next.ParentState(), next.ParentMessageReceipts(), root, receipts)
		return xerrors.Errorf("tipset %s: %w", next.Key(), consensus.ErrStateMismatch)
	}

	toProcessTime := time.Now()
	root, receipts, err = syncer.stateProcessor.RunStateTransition(ctx, next)
	if err != nil {
		return xerrors.Errorf("calc current tipset %s state failed: %w", next.Key(), err)
	}
	logSyncer.Infow("Process TipSet", "Height", next.Height(), "Blocks", next.Len(), "Root", root, "receiptcid", receipts, "time", time.Since(toProcessTime).Milliseconds())
	if err := syncer.chainStore.MarkValidated(ctx, next); err != nil {
		return err
	}
	syncer.setStage(next, syncTypes.StateValidated)

	if err := syncer.SetHead(ctx, next); err != nil {
		return err
	}
	syncer.setStage(next, syncTypes.Accepted)
	metrics.TipSetsAccepted.Inc(ctx, 1)
	return nil
}

// checkConsensusFaults records the blocks of ts with the slash filter. A
// fault does not invalidate the block; it is reported.
func (syncer *Syncer) checkConsensusFaults(ctx context.Context, ts, parent *types.TipSet) {
	if syncer.slashFilter == nil {
		return
	}
	for _, blk := range ts.Blocks() {
		fault, err := syncer.slashFilter.CheckBlock(ctx, blk, parent.Height())
		if err != nil {
			logSyncer.Warnf("slash filter on %s: %s", blk.Cid(), err)
			continue
		}
		if fault != nil {
			faultCnt.Inc(ctx, 1)
			logSyncer.Warnw("consensus fault", "kind", fault.Kind, "miner", fault.Miner, "block", fault.Block, "witness", fault.Witness)
		}
	}
}

// Head get latest head from chain store
func (syncer *Syncer) Head() *types.TipSet {
	return syncer.chainStore.GetHead()
}

// SetHead makes ts the head if it is heavier than the current head. The
// comparison and the swap happen under one lock.
func (syncer *Syncer) SetHead(ctx context.Context, ts *types.TipSet) error {
	syncer.headLock.Lock()
	defer syncer.headLock.Unlock()
	head := syncer.chainStore.GetHead()
	if head.Equals(ts) {
		return nil
	}
	heavier, err := chainselector.IsHeavier(ts, head)
	if err != nil {
		return err
	}
	if !heavier {
		logSyncer.Debugf("%s at %d is not heavier than head %s", ts.Key(), ts.Height(), head.Key())
		return nil
	}

	if !ts.Parents().Equals(head.Key()) {
		reorgCnt.Inc(ctx, 1)
	}
	if err := syncer.chainStore.SetHead(ctx, ts); err != nil {
		return err
	}
	metrics.HeadChanges.Inc(ctx, 1)
	syncer.prune(ts)
	return nil
}

// Stage reports how far the tipset with key got, for tipsets still tracked.
func (syncer *Syncer) Stage(key types.TipSetKey) (syncTypes.ValidationStage, bool) {
	syncer.trackLk.Lock()
	defer syncer.trackLk.Unlock()
	tt, ok := syncer.tracked[key]
	if !ok {
		return syncTypes.Unvalidated, false
	}
	return tt.stage, true
}

// Heads lists the accepted tipsets no tracked accepted tipset builds on:
// the canonical head and the competing fork heads.
func (syncer *Syncer) Heads() []*types.TipSet {
	syncer.trackLk.Lock()
	defer syncer.trackLk.Unlock()
	hasChild := make(map[types.TipSetKey]bool)
	for _, tt := range syncer.tracked {
		if tt.stage == syncTypes.Accepted {
			hasChild[tt.ts.Parents()] = true
		}
	}
	var heads []*types.TipSet
	for key, tt := range syncer.tracked {
		if tt.stage == syncTypes.Accepted && !hasChild[key] {
			heads = append(heads, tt.ts)
		}
	}
	return heads
}

// IsBad reports whether the tipset key is in the bad tipset cache.
func (syncer *Syncer) IsBad(key types.TipSetKey) bool {
	return syncer.badTipSets.Has(key.String())
}

func (syncer *Syncer) setStage(ts *types.TipSet, stage syncTypes.ValidationStage) {
	syncer.trackLk.Lock()
	tt, ok := syncer.tracked[ts.Key()]
	if !ok {
		tt = &trackedTipSet{ts: ts}
		syncer.tracked[ts.Key()] = tt
	}
	// rejection is terminal
	if tt.stage != syncTypes.Rejected {
		tt.stage = stage
	}
	syncer.trackLk.Unlock()
	syncer.reporter.UpdateStatus(status.Validating(ts, stage))
}

// prune stops tracking tipsets more than the retention depth below head.
// Persisted chain data is untouched.
func (syncer *Syncer) prune(head *types.TipSet) {
	if head.Height() <= syncer.retentionDepth {
		return
	}
	floor := head.Height() - syncer.retentionDepth
	syncer.trackLk.Lock()
	for key, tt := range syncer.tracked {
		if tt.ts.Height() < floor {
			delete(syncer.tracked, key)
		}
	}
	syncer.trackLk.Unlock()
	if n := syncer.chainStore.PruneIndex(syncer.retentionDepth); n > 0 {
		logSyncer.Debugf("pruned %d tipsets below %d", n, floor)
	}
}

func (syncer *Syncer) reportRejection(ctx context.Context, target *syncTypes.Target, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logSyncer.Infof("sync of %s cancelled", target.Head.Key())
		return
	}
	reason := RejectReason(err)
	metrics.TipSetsRejected.IncTagged(ctx, metrics.ReasonKey, reason, 1)
	logSyncer.Warnf("rejected chain with head %s at %d (%s): %s", target.Head.Key(), target.Head.Height(), reason, err)
}

// RejectReason names the class of a sync failure.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, consensus.ErrMalformedBlock):
		return "malformed_block"
	case errors.Is(err, consensus.ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, consensus.ErrInvalidTipSet):
		return "invalid_tipset"
	case errors.Is(err, consensus.ErrUnresolvableParent):
		return "unresolvable_parent"
	case errors.Is(err, statemanger.ErrChainTooDeep):
		return "chain_too_deep"
	case errors.Is(err, ErrChainHasBadTipSet):
		return "bad_tipset"
	case errors.Is(err, ErrNewChainTooLong):
		return "fork_too_long"
	default:
		return "other"
	}
}

// poisonsChain reports whether err proves the tipset invalid, as opposed to
// the node being unable to decide right now.
func poisonsChain(err error) bool {
	return errors.Is(err, consensus.ErrMalformedBlock) ||
		errors.Is(err, consensus.ErrStateMismatch) ||
		errors.Is(err, consensus.ErrInvalidTipSet)
}

const maxProcessLen = 32

func rangeProcess(ts []*types.TipSet, cb func(ts []*types.TipSet) error) (err error) {
	for {
		if len(ts) == 0 {
			break
		} else if len(ts) < maxProcessLen {
			// break out if less than process len
			err = cb(ts)
			break
		} else {
			processTS := ts[0:maxProcessLen]
			err = cb(processTS)
			if err != nil {
				break
			}
			ts = ts[maxProcessLen:]
		}
		logSyncer.Infof("Sync Process End,Remaining: %v, err: %v ...", len(ts), err)
	}
	return err
}
