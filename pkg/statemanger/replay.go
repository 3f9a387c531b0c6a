package statemanger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
)

var errHaltExecution = fmt.Errorf("halt")

// Replay re-executes ts up to the message msgCID and returns it with its
// result. Nothing is memoized.
func (s *Stmgr) Replay(ctx context.Context, ts *types.TipSet, msgCID cid.Cid) (*types.UnsignedMessage, *vmcontext.Ret, error) {
	var outm *types.UnsignedMessage
	var outr *vmcontext.Ret

	cb := func(mcid cid.Cid, msg *types.UnsignedMessage, ret *vmcontext.Ret) error {
		if msgCID.Equals(mcid) {
			outm = msg
			outr = ret
			return errHaltExecution
		}
		return nil
	}

	pst, err := s.parentState(ctx, ts)
	if err != nil {
		return nil, nil, err
	}
	_, err = s.computeTipSetState(ctx, ts, pst, cb, true)
	if err != nil && !errors.Is(err, errHaltExecution) {
		return nil, nil, fmt.Errorf("unexpected error during execution: %w", err)
	}

	if outr == nil {
		return nil, nil, fmt.Errorf("given message not found in tipset")
	}

	return outm, outr, nil
}

// ExecutionTrace re-executes ts with tracing on and returns the resulting
// state root with one result per executed or skipped message, implicit
// messages included.
func (s *Stmgr) ExecutionTrace(ctx context.Context, ts *types.TipSet) (cid.Cid, []*types.InvocResult, error) {
	tsKey := ts.Key()

	if s.execTraceCache != nil {
		// check if we have the trace for this tipset in the cache
		s.execTraceCacheLock.Lock()
		if v, ok := s.execTraceCache.Get(tsKey); ok {
			entry := v.(tipSetCacheEntry)
			// we have to make a deep copy since caller can modify the invocTrace
			// and we don't want that to change what we store in cache
			invocTraceCopy := makeDeepCopy(entry.invocTrace)
			s.execTraceCacheLock.Unlock()
			return entry.postStateRoot, invocTraceCopy, nil
		}
		s.execTraceCacheLock.Unlock()
	}

	var invocTrace []*types.InvocResult

	cb := func(mcid cid.Cid, msg *types.UnsignedMessage, ret *vmcontext.Ret) error {
		rct := ret.Receipt
		ir := &types.InvocResult{
			MsgCid:         mcid,
			Msg:            msg,
			MsgRct:         &rct,
			ExecutionTrace: ret.ExecutionTrace,
			Duration:       ret.Duration,
		}
		if ret.ActorErr != nil {
			ir.Error = ret.ActorErr.Error()
		}

		invocTrace = append(invocTrace, ir)

		return nil
	}

	pst, err := s.parentState(ctx, ts)
	if err != nil {
		return cid.Undef, nil, err
	}
	st, err := s.computeTipSetState(ctx, ts, pst, cb, true)
	if err != nil {
		return cid.Undef, nil, err
	}

	if s.execTraceCache != nil {
		invocTraceCopy := makeDeepCopy(invocTrace)

		s.execTraceCacheLock.Lock()
		s.execTraceCache.Add(tsKey, tipSetCacheEntry{st.stateRoot, invocTraceCopy})
		s.execTraceCacheLock.Unlock()
	}

	return st.stateRoot, invocTrace, nil
}

func makeDeepCopy(invocTrace []*types.InvocResult) []*types.InvocResult {
	c := make([]*types.InvocResult, len(invocTrace))
	for i, ir := range invocTrace {
		if ir == nil {
			continue
		}
		tmp := *ir
		c[i] = &tmp
	}

	return c
}
