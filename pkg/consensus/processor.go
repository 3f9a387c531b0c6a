package consensus

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/encoding"
	"github.com/filecoin-project/venus-core/pkg/metrics"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
	"github.com/filecoin-project/venus-core/pkg/vm/dispatch"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
)

var log = logging.Logger("consensus")

// A Processor processes all the messages in a tip set.
type Processor interface {
	// ProcessTipSet runs the messages of ts on top of the parent state in
	// vmOption.PRoot and returns the new state root and the receipts of the
	// executed messages.
	ProcessTipSet(ctx context.Context, parentEpoch abi.ChainEpoch, ts *types.TipSet, msgs []types.BlockMessagesInfo, vmOption vmcontext.VmOption, cb vmcontext.ExecCallBack) (cid.Cid, []types.MessageReceipt, error)
}

// DefaultProcessor handles all block processing.
type DefaultProcessor struct {
	actors *dispatch.CodeLoader
}

var _ Processor = (*DefaultProcessor)(nil)

// NewDefaultProcessor creates a processor that runs actors from the given loader.
func NewDefaultProcessor(actors *dispatch.CodeLoader) *DefaultProcessor {
	return &DefaultProcessor{actors: actors}
}

// ProcessTipSet computes the state transition specified by the messages in
// all blocks of a tipset.
//
// Null rounds between the parent and ts each get a cron tick on their own
// VM. Then, at the tipset epoch, the ordered messages run, every block's
// miner is rewarded in canonical block order and cron ticks once more.
// Duplicates are reported to cb with a skipped trace and get no receipt.
func (p *DefaultProcessor) ProcessTipSet(ctx context.Context,
	parentEpoch abi.ChainEpoch,
	ts *types.TipSet,
	msgs []types.BlockMessagesInfo,
	vmOption vmcontext.VmOption,
	cb vmcontext.ExecCallBack,
) (_ cid.Cid, _ []types.MessageReceipt, err error) {
	ctx, span := trace.StartSpan(ctx, "DefaultProcessor.ProcessTipSet")
	span.AddAttributes(trace.StringAttribute("tipset", ts.String()))
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	sw := metrics.ApplyBlocksTimer.Start(ctx)
	defer sw.Stop(ctx)

	if vmOption.ActorCodeLoader == nil {
		vmOption.ActorCodeLoader = p.actors
	}
	epoch := ts.Height()
	if epoch <= parentEpoch {
		return cid.Undef, nil, xerrors.Errorf("tipset epoch %d is not above parent epoch %d", epoch, parentEpoch)
	}

	root := vmOption.PRoot
	for i := parentEpoch + 1; i < epoch; i++ {
		opt := vmOption
		opt.PRoot = root
		opt.Epoch = i
		vm, err := vmcontext.NewVM(ctx, opt)
		if err != nil {
			return cid.Undef, nil, xerrors.Errorf("creating vm for null round %d: %w", i, err)
		}
		if err := runCron(ctx, vm, i, cb); err != nil {
			return cid.Undef, nil, err
		}
		if root, err = vm.Flush(ctx); err != nil {
			return cid.Undef, nil, xerrors.Errorf("flushing null round %d: %w", i, err)
		}
	}

	vmOption.PRoot = root
	vmOption.Epoch = epoch
	vm, err := vmcontext.NewVM(ctx, vmOption)
	if err != nil {
		return cid.Undef, nil, xerrors.Errorf("creating vm for epoch %d: %w", epoch, err)
	}

	blocks := ts.Blocks()
	gasRewards := make([]abi.TokenAmount, len(blocks))
	penalties := make([]abi.TokenAmount, len(blocks))
	for i := range blocks {
		gasRewards[i] = big.Zero()
		penalties[i] = big.Zero()
	}

	st := vm.StateTree()
	ordered, err := OrderMessages(msgs, func(from address.Address) (address.Address, error) {
		return st.LookupID(from)
	})
	if err != nil {
		return cid.Undef, nil, err
	}
	receipts := make([]types.MessageReceipt, 0, len(ordered))
	for _, em := range ordered {
		mcid := em.Msg.Cid()
		if em.Skipped {
			log.Debugw("skipping duplicate message", "cid", mcid, "from", em.Msg.Message.From, "nonce", em.Msg.Message.Nonce)
			if cb != nil {
				skipped := &vmcontext.Ret{ExecutionTrace: types.ExecutionTrace{Msg: em.Msg.VMMessage(), Skipped: true}}
				if err := cb(mcid, em.Msg.VMMessage(), skipped); err != nil {
					return cid.Undef, nil, err
				}
			}
			continue
		}

		ret, err := vm.ApplyMessage(ctx, em.Msg)
		if err != nil {
			return cid.Undef, nil, xerrors.Errorf("applying message %s: %w", mcid, err)
		}
		receipts = append(receipts, ret.Receipt)
		gasRewards[em.Block] = big.Add(gasRewards[em.Block], ret.OutPuts.MinerTip)
		penalties[em.Block] = big.Add(penalties[em.Block], ret.OutPuts.MinerPenalty)

		if cb != nil {
			if err := cb(mcid, em.Msg.VMMessage(), ret); err != nil {
				return cid.Undef, nil, err
			}
		}
	}

	for i, b := range blocks {
		winCount := int64(0)
		if b.ElectionProof != nil {
			winCount = b.ElectionProof.WinCount
		}
		params, err := encoding.Dump(&builtin.AwardBlockRewardParams{
			Miner:     b.Miner,
			Penalty:   penalties[i],
			GasReward: gasRewards[i],
			WinCount:  winCount,
		})
		if err != nil {
			return cid.Undef, nil, xerrors.Errorf("serializing reward params: %w", err)
		}

		rwMsg := implicitMessage(builtin.RewardActorAddr, epoch, builtin.MethodsReward.AwardBlockReward, params)
		ret, err := vm.ApplyImplicitMessage(ctx, rwMsg)
		if err != nil {
			return cid.Undef, nil, xerrors.Errorf("failed to apply reward message for miner %s: %v: %w", b.Miner, err, ErrInvalidTipSet)
		}
		if cb != nil {
			if err := cb(rwMsg.Cid(), rwMsg, ret); err != nil {
				return cid.Undef, nil, xerrors.Errorf("callback failed on reward message: %w", err)
			}
		}
		if ret.Receipt.ExitCode != exitcode.Ok {
			return cid.Undef, nil, xerrors.Errorf("reward for block %s exited with %s: %v: %w",
				b.Cid(), ret.Receipt.ExitCode, ret.ActorErr, ErrInvalidTipSet)
		}
	}

	if err := runCron(ctx, vm, epoch, cb); err != nil {
		return cid.Undef, nil, err
	}

	root, err = vm.Flush(ctx)
	if err != nil {
		return cid.Undef, nil, xerrors.Errorf("flushing vm: %w", err)
	}
	return root, receipts, nil
}

// runCron ticks the cron actor. An actor error is logged and the tick's
// changes are dropped. An interpreter error or a system exit code makes the
// tipset invalid.
func runCron(ctx context.Context, vm vmcontext.Interface, epoch abi.ChainEpoch, cb vmcontext.ExecCallBack) error {
	cronMsg := implicitMessage(builtin.CronActorAddr, epoch, builtin.MethodsCron.EpochTick, nil)
	ret, err := vm.ApplyImplicitMessage(ctx, cronMsg)
	if err != nil {
		return xerrors.Errorf("running cron at epoch %d: %v: %w", epoch, err, ErrInvalidTipSet)
	}
	if code := ret.Receipt.ExitCode; code != exitcode.Ok {
		if code < exitcode.FirstActorErrorCode {
			return xerrors.Errorf("cron at epoch %d exited with system error %s: %v: %w", epoch, code, ret.ActorErr, ErrInvalidTipSet)
		}
		log.Errorw("cron tick failed", "epoch", epoch, "code", code, "error", ret.ActorErr)
	}
	if cb != nil {
		if err := cb(cronMsg.Cid(), cronMsg, ret); err != nil {
			return xerrors.Errorf("callback failed on cron message: %w", err)
		}
	}
	return nil
}

func implicitMessage(to address.Address, epoch abi.ChainEpoch, method abi.MethodNum, params []byte) *types.UnsignedMessage {
	msg := types.NewUnsignedMessage(builtin.SystemActorAddr, to, uint64(epoch), big.Zero(), method, params)
	msg.GasLimit = constants.ImplicitMessageGasLimit
	return msg
}
