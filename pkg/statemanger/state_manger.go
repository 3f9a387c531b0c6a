package statemanger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-address"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/metrics"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	appstate "github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
)

var log = logging.Logger("statemanager")

// ErrChainTooDeep is returned when computing a state would walk back more
// uncomputed ancestors than the configured limit.
var ErrChainTooDeep = errors.New("chain too deep")

type stateComputeResult struct {
	stateRoot, receipt cid.Cid
}

type tipSetCacheEntry struct {
	postStateRoot cid.Cid
	invocTrace    []*types.InvocResult
}

// Stmgr computes and memoizes the state every tipset yields and answers
// read-only queries on it.
type Stmgr struct {
	cs     *chain.Store
	ms     *chain.MessageStore
	cp     consensus.Processor
	viewer *appstate.Viewer

	maxDepth int

	// Compute StateRoot parallel safe
	stCache      *lru.ARCCache
	chsWorkingOn map[types.TipSetKey]chan struct{}
	stLk         sync.Mutex

	// set by Close, guarded by stLk
	fStop chan struct{}

	// We keep a small cache for calls to ExecutionTrace which helps improve
	// performance for node operators like exchanges and block explorers
	execTraceCache *lru.ARCCache
	// We need a lock while making the copy as to prevent other callers
	// overwrite the cache while making the copy
	execTraceCacheLock sync.Mutex
}

// NewStateManager returns a state manager executing tipsets of cs with cp.
func NewStateManager(cs *chain.Store,
	ms *chain.MessageStore,
	cp consensus.Processor,
	cfg *config.StateConfig,
) (*Stmgr, error) {
	stCache, err := lru.NewARC(cfg.StateCacheSize)
	if err != nil {
		return nil, err
	}

	log.Debugf("execTraceCache size: %d", cfg.ExecTraceCacheSize)
	var execTraceCache *lru.ARCCache
	if cfg.ExecTraceCacheSize > 0 {
		execTraceCache, err = lru.NewARC(cfg.ExecTraceCacheSize)
		if err != nil {
			return nil, err
		}
	}

	return &Stmgr{
		cs:             cs,
		ms:             ms,
		cp:             cp,
		viewer:         appstate.NewViewer(cs.StateStore()),
		maxDepth:       cfg.MaxChainDepth,
		stCache:        stCache,
		chsWorkingOn:   make(map[types.TipSetKey]chan struct{}, 1),
		execTraceCache: execTraceCache,
	}, nil
}

// RunStateTransition returns the state root and receipts root that executing
// ts yields. Results are memoized by tipset key and concurrent calls for the
// same key share one computation. Uncomputed ancestors are executed first,
// oldest first; more than the configured number of them is ErrChainTooDeep.
func (s *Stmgr) RunStateTransition(ctx context.Context, ts *types.TipSet) (root cid.Cid, receipts cid.Cid, err error) {
	if nil != s.stopFlag(false) {
		return cid.Undef, cid.Undef, fmt.Errorf("state manager is stopping")
	}
	ctx, span := trace.StartSpan(ctx, "Stmgr.RunStateTransition")
	span.AddAttributes(trace.StringAttribute("tipset", ts.String()))
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	if st, ok := s.cachedState(ctx, ts); ok {
		metrics.StateCacheHits.Inc(ctx, 1)
		return st.stateRoot, st.receipt, nil
	}

	pending, base, err := s.uncomputedChain(ctx, ts)
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if base, err = s.tipSetState(ctx, pending[i], base); err != nil {
			return cid.Undef, cid.Undef, err
		}
	}
	return base.stateRoot, base.receipt, nil
}

// uncomputedChain walks back from ts to the nearest ancestor with a known
// state. It returns the tipsets to execute, newest first, and the state of
// that ancestor.
func (s *Stmgr) uncomputedChain(ctx context.Context, ts *types.TipSet) ([]*types.TipSet, stateComputeResult, error) {
	pending := []*types.TipSet{ts}
	cur := ts
	for cur.Height() > 0 {
		parent, err := s.cs.GetTipSet(ctx, cur.Parents())
		if err != nil {
			return nil, stateComputeResult{}, xerrors.Errorf("loading parent of %s: %w", cur.Key(), err)
		}
		if st, ok := s.cachedState(ctx, parent); ok {
			return pending, st, nil
		}
		if len(pending) >= s.maxDepth {
			return nil, stateComputeResult{}, xerrors.Errorf("%d uncomputed ancestors below %s: %w", len(pending), ts.Key(), ErrChainTooDeep)
		}
		pending = append(pending, parent)
		cur = parent
	}
	// the genesis state is declared, not computed
	return pending, stateComputeResult{}, nil
}

func (s *Stmgr) cachedState(ctx context.Context, ts *types.TipSet) (stateComputeResult, bool) {
	if v, ok := s.stCache.Get(ts.Key()); ok {
		return v.(stateComputeResult), true
	}
	if meta, _ := s.cs.GetTipsetMetadata(ctx, ts); meta != nil {
		st := stateComputeResult{stateRoot: meta.TipSetStateRoot, receipt: meta.TipSetReceipts}
		s.stCache.Add(ts.Key(), st)
		return st, true
	}
	return stateComputeResult{}, false
}

// tipSetState executes ts on top of pst unless another caller already did
// or is doing it.
func (s *Stmgr) tipSetState(ctx context.Context, ts *types.TipSet, pst stateComputeResult) (state stateComputeResult, err error) {
	key := ts.Key()
	s.stLk.Lock()
	for {
		if st, ok := s.cachedState(ctx, ts); ok {
			s.stLk.Unlock()
			return st, nil
		}
		workingCh, exist := s.chsWorkingOn[key]
		if !exist {
			break
		}
		s.stLk.Unlock()
		waitDur := time.Second * 10
		i := 0
	longTimeWait:
		select {
		case <-workingCh:
		case <-ctx.Done():
			return stateComputeResult{}, ctx.Err()
		case <-time.After(waitDur):
			i++
			log.Warnf("waiting runstatetransition(%d, %s) for %s", ts.Height(), ts.Key().String(), (waitDur * time.Duration(i)).String())
			goto longTimeWait
		}
		s.stLk.Lock()
	}

	workingCh := make(chan struct{})
	s.chsWorkingOn[key] = workingCh
	s.stLk.Unlock()

	defer func() {
		if err == nil {
			err = s.cs.PutTipSetMetadata(ctx, &chain.TipSetMetadata{
				TipSet:          ts,
				TipSetStateRoot: state.stateRoot,
				TipSetReceipts:  state.receipt,
			})
		}
		s.stLk.Lock()
		delete(s.chsWorkingOn, key)
		if err == nil {
			s.stCache.Add(key, state)
		}
		if s.fStop != nil && len(s.chsWorkingOn) == 0 {
			signalStop(s.fStop)
		}
		s.stLk.Unlock()
		close(workingCh)
	}()

	return s.computeTipSetState(ctx, ts, pst, nil, false)
}

func (s *Stmgr) computeTipSetState(ctx context.Context, ts *types.TipSet, pst stateComputeResult, cb vmcontext.ExecCallBack, vmTracing bool) (stateComputeResult, error) {
	if ts.Height() == 0 {
		return stateComputeResult{
			stateRoot: ts.Blocks()[0].ParentStateRoot,
			receipt:   ts.Blocks()[0].ParentMessageReceipts,
		}, nil
	}

	parent, err := s.cs.GetTipSet(ctx, ts.Parents())
	if err != nil {
		return stateComputeResult{}, xerrors.Errorf("loading parent of %s: %w", ts.Key(), err)
	}
	bms, err := s.ms.LoadTipSetMessage(ctx, ts)
	if err != nil {
		return stateComputeResult{}, xerrors.Errorf("loading messages of %s: %w", ts.Key(), err)
	}

	metrics.StateComputations.Inc(ctx, 1)
	begin := time.Now()
	root, receipts, err := s.cp.ProcessTipSet(ctx, parent.Height(), ts, bms, vmcontext.VmOption{
		BaseFee: ts.ParentBaseFee(),
		PRoot:   pst.stateRoot,
		Bsstore: s.cs.Blockstore(),
		Tracing: vmTracing,
	}, cb)
	if err != nil {
		return stateComputeResult{}, xerrors.Errorf("executing tipset %s: %w", ts.Key(), err)
	}

	receiptCid, err := s.ms.StoreReceipts(ctx, receipts)
	if err != nil {
		return stateComputeResult{}, xerrors.Errorf("failed to save receipts of %s: %w", ts.Key(), err)
	}
	log.Debugw("computed tipset state", "height", ts.Height(), "blocks", ts.Len(), "root", root, "took", time.Since(begin))
	return stateComputeResult{stateRoot: root, receipt: receiptCid}, nil
}

// parentState returns the computed state ts executes on.
func (s *Stmgr) parentState(ctx context.Context, ts *types.TipSet) (stateComputeResult, error) {
	if ts.Height() == 0 {
		return stateComputeResult{}, fmt.Errorf("genesis has no parent")
	}
	parent, err := s.cs.GetTipSet(ctx, ts.Parents())
	if err != nil {
		return stateComputeResult{}, fmt.Errorf("find tipset(%s) parent failed:%w", ts.Key().String(), err)
	}
	root, receipts, err := s.RunStateTransition(ctx, parent)
	if err != nil {
		return stateComputeResult{}, err
	}
	return stateComputeResult{stateRoot: root, receipt: receipts}, nil
}

// StateView returns a view of the state after executing ts.
func (s *Stmgr) StateView(ctx context.Context, ts *types.TipSet) (cid.Cid, *appstate.View, error) {
	stateCid, _, err := s.RunStateTransition(ctx, ts)
	if err != nil {
		return cid.Undef, nil, err
	}
	return stateCid, s.viewer.StateView(stateCid), nil
}

// StateViewTsk is StateView for a tipset key.
func (s *Stmgr) StateViewTsk(ctx context.Context, tsk types.TipSetKey) (*types.TipSet, cid.Cid, *appstate.View, error) {
	ts, err := s.cs.GetTipSet(ctx, tsk)
	if err != nil {
		return nil, cid.Undef, nil, err
	}
	root, view, err := s.StateView(ctx, ts)
	return ts, root, view, err
}

// RootView returns a view of an arbitrary state root.
func (s *Stmgr) RootView(root cid.Cid) *appstate.View {
	return s.viewer.StateView(root)
}

// GetActorAt returns the actor at addr after executing ts.
func (s *Stmgr) GetActorAt(ctx context.Context, addr address.Address, ts *types.TipSet) (*types.Actor, error) {
	if addr.Empty() {
		return nil, types.ErrActorNotFound
	}
	_, view, err := s.StateView(ctx, ts)
	if err != nil {
		return nil, err
	}
	return view.LoadActor(ctx, addr)
}

// ResolveToKeyAddress returns the key that signs for addr in the state after
// executing ts.
func (s *Stmgr) ResolveToKeyAddress(ctx context.Context, addr address.Address, ts *types.TipSet) (address.Address, error) {
	switch addr.Protocol() {
	case address.BLS, address.SECP256K1:
		return addr, nil
	case address.Actor:
		return address.Undef, errors.New("cannot resolve actor address to key address")
	default:
	}

	_, view, err := s.StateView(ctx, ts)
	if err != nil {
		return address.Undef, err
	}
	return view.ResolveToKeyAddr(ctx, addr)
}

var _ consensus.KeyResolver = (*Stmgr)(nil)

// FlushChainHead makes sure the state of the current head is computed.
func (s *Stmgr) FlushChainHead() (*types.TipSet, error) {
	head := s.cs.GetHead()
	_, _, err := s.RunStateTransition(context.TODO(), head)
	return head, err
}

// Close computes the head state and then waits for in-flight computations.
// New computations are refused from then on.
func (s *Stmgr) Close(ctx context.Context) {
	log.Info("waiting state manager stop...")

	if _, err := s.FlushChainHead(); err != nil {
		log.Errorf("state manager flush chain head failed:%s", err.Error())
	} else {
		log.Infof("state manager flush chain head successfully...")
	}

	f := s.stopFlag(true)
	select {
	case <-f:
		log.Info("state manager stopped...")
	case <-ctx.Done():
		log.Info("waiting state manager stop timeout...")
	}
}

func (s *Stmgr) stopFlag(setFlag bool) chan struct{} {
	s.stLk.Lock()
	defer s.stLk.Unlock()

	if s.fStop == nil && setFlag {
		s.fStop = make(chan struct{}, 1)
		if len(s.chsWorkingOn) == 0 {
			signalStop(s.fStop)
		}
	}

	return s.fStop
}

func signalStop(f chan struct{}) {
	select {
	case f <- struct{}{}:
	default:
	}
}
