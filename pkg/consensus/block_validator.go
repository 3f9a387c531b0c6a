package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/hashicorp/go-multierror"
	"github.com/raulk/clock"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/consensus/chainselector"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/crypto"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
)

// KeyResolver resolves an address to the key that signs for it, in the
// state that results from executing ts.
type KeyResolver interface {
	ResolveToKeyAddress(ctx context.Context, addr address.Address, ts *types.TipSet) (address.Address, error)
}

// BlockValidator checks the structure of blocks and their messages
// against the parent tipset. It never executes messages.
type BlockValidator struct {
	clock    clock.Clock
	ms       *chain.MessageStore
	keys     KeyResolver
	minGasFn func(size int) int64
}

// NewBlockValidator returns a validator using c for the future block check.
func NewBlockValidator(c clock.Clock, ms *chain.MessageStore, keys KeyResolver) *BlockValidator {
	pl := gas.NewPricelist()
	return &BlockValidator{
		clock: c,
		ms:    ms,
		keys:  keys,
		minGasFn: func(size int) int64 {
			return pl.OnChainMessage(size).Total()
		},
	}
}

// ValidateFullTipSet validates every block of fts on top of parent. Blocks
// are checked concurrently; the first failure is returned.
func (bv *BlockValidator) ValidateFullTipSet(ctx context.Context, parent *types.TipSet, fts *types.FullTipSet) (err error) {
	ctx, span := trace.StartSpan(ctx, "BlockValidator.ValidateFullTipSet")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	ts, err := fts.TipSet()
	if err != nil {
		return xerrors.Errorf("%v: %w", err, ErrMalformedBlock)
	}
	span.AddAttributes(trace.StringAttribute("tipset", ts.String()))
	if ts.Len() > constants.TipSetBlockLimit {
		return xerrors.Errorf("tipset %s has %d blocks, limit is %d: %w", ts.Key(), ts.Len(), constants.TipSetBlockLimit, ErrMalformedBlock)
	}

	eg, egctx := errgroup.WithContext(ctx)
	for _, fb := range fts.Blocks {
		fb := fb
		eg.Go(func() error {
			return bv.ValidateFullBlock(egctx, parent, fb)
		})
	}
	return eg.Wait()
}

// ValidateFullBlock runs every header and message check on one block.
func (bv *BlockValidator) ValidateFullBlock(ctx context.Context, parent *types.TipSet, fb *types.FullBlock) error {
	blk := fb.Header
	if err := bv.ValidateSyntax(ctx, blk); err != nil {
		return err
	}

	// a wrong weight is not a formatting problem, the block claims a
	// different chain than the one it extends
	if w := chainselector.Weight(parent); !blk.ParentWeight.Equals(w) {
		return xerrors.Errorf("block %s declares parent weight %s, expected %s: %w", blk.Cid(), blk.ParentWeight, w, ErrInvalidTipSet)
	}

	semErr := bv.ValidateSemantic(ctx, blk, parent)
	msgErr := bv.ValidateMessages(ctx, fb, parent)
	// failures that say nothing about the block itself pass through as they are
	for _, err := range []error{semErr, msgErr} {
		if err != nil && !errors.Is(err, ErrMalformedBlock) {
			return err
		}
	}
	if semErr != nil || msgErr != nil {
		var merr *multierror.Error
		merr = multierror.Append(merr, semErr, msgErr)
		return xerrors.Errorf("block %s: %s: %w", blk.Cid(), merr, ErrMalformedBlock)
	}
	return nil
}

// ValidateSyntax checks the fields a header must carry.
func (bv *BlockValidator) ValidateSyntax(ctx context.Context, blk *types.BlockHeader) error {
	var merr *multierror.Error
	if !blk.ParentStateRoot.Defined() {
		merr = multierror.Append(merr, fmt.Errorf("nil parent state root"))
	}
	if !blk.ParentMessageReceipts.Defined() {
		merr = multierror.Append(merr, fmt.Errorf("nil parent receipts root"))
	}
	if !blk.Messages.Defined() {
		merr = multierror.Append(merr, fmt.Errorf("nil messages root"))
	}
	if blk.Miner.Empty() {
		merr = multierror.Append(merr, fmt.Errorf("nil miner address"))
	}
	if blk.Ticket == nil || len(blk.Ticket.VRFProof) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("nil ticket"))
	}
	if blk.ElectionProof == nil {
		merr = multierror.Append(merr, fmt.Errorf("nil election proof"))
	} else if blk.ElectionProof.WinCount < 1 || blk.ElectionProof.WinCount > constants.MaxWinCount {
		merr = multierror.Append(merr, fmt.Errorf("win count %d out of range", blk.ElectionProof.WinCount))
	}
	if blk.ParentWeight.Int == nil || blk.ParentWeight.LessThan(big.Zero()) {
		merr = multierror.Append(merr, fmt.Errorf("invalid parent weight"))
	}
	if blk.ParentBaseFee.Int == nil {
		merr = multierror.Append(merr, fmt.Errorf("nil parent base fee"))
	}
	if blk.BlockSig == nil {
		merr = multierror.Append(merr, fmt.Errorf("missing block signature"))
	}
	if len(blk.Parents) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("no parents"))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return xerrors.Errorf("block %s: %s: %w", blk.Cid(), err, ErrMalformedBlock)
	}
	return nil
}

// ValidateSemantic checks a header against its parent tipset. A failure
// of the header wraps ErrMalformedBlock; errors reading local state or a
// cancelled context are returned as they are.
func (bv *BlockValidator) ValidateSemantic(ctx context.Context, blk *types.BlockHeader, parent *types.TipSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var merr *multierror.Error

	if blk.Height <= parent.Height() {
		merr = multierror.Append(merr, fmt.Errorf("height %d not above parent height %d", blk.Height, parent.Height()))
	}
	if types.NewTipSetKey(blk.Parents...) != parent.Key() {
		merr = multierror.Append(merr, fmt.Errorf("parents %v are not %s", blk.Parents, parent.Key()))
	}

	if blk.Height > parent.Height() {
		expected := parent.MinTimestamp() + constants.BlockDelaySecs*uint64(blk.Height-parent.Height())
		if blk.Timestamp != expected {
			merr = multierror.Append(merr, fmt.Errorf("timestamp %d, expected %d", blk.Timestamp, expected))
		}
	}
	if now := uint64(bv.clock.Now().Unix()); blk.Timestamp > now+constants.AllowableClockDriftSecs {
		merr = multierror.Append(merr, fmt.Errorf("block was from the future (now=%d, blk=%d)", now, blk.Timestamp))
	}

	baseFee, err := bv.ms.ComputeBaseFee(ctx, parent)
	if err != nil {
		return xerrors.Errorf("computing base fee of %s: %w", parent.Key(), err)
	}
	if blk.ParentBaseFee.Int != nil && !baseFee.Equals(blk.ParentBaseFee) {
		merr = multierror.Append(merr, fmt.Errorf("base fee %s, expected %s", blk.ParentBaseFee, baseFee))
	}

	if blk.BlockSig != nil {
		worker, err := bv.keys.ResolveToKeyAddress(ctx, blk.Miner, parent)
		if err != nil {
			return xerrors.Errorf("resolving miner %s: %w", blk.Miner, err)
		}
		if err := checkSignature(blk, worker); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return xerrors.Errorf("%s: %w", err, ErrMalformedBlock)
	}
	return nil
}

func checkSignature(blk *types.BlockHeader, worker address.Address) error {
	data, err := blk.SignatureData()
	if err != nil {
		return err
	}
	if err := crypto.Verify(blk.BlockSig, worker, data); err != nil {
		return xerrors.Errorf("block signature: %w", err)
	}
	return nil
}

// ValidateMessages checks that the messages of a block fit within the block
// limits, carry valid signatures and use consecutive nonces per sender.
// Messages that do not match the messages root are the wrong messages for
// the block, which is ErrMessagesMismatch and not a verdict on the block.
func (bv *BlockValidator) ValidateMessages(ctx context.Context, fb *types.FullBlock, parent *types.TipSet) error {
	var merr *multierror.Error
	blk := fb.Header

	root, err := chain.GetChainMsgRoot(ctx, fb.Messages)
	if err != nil {
		return xerrors.Errorf("computing messages root: %w", err)
	}
	if root != blk.Messages {
		return xerrors.Errorf("block %s messages root %s, computed %s: %w", blk.Cid(), blk.Messages, root, ErrMessagesMismatch)
	}

	if len(fb.Messages) > constants.BlockMessageLimit {
		merr = multierror.Append(merr, fmt.Errorf("%d messages, limit is %d", len(fb.Messages), constants.BlockMessageLimit))
	}

	gasSum := int64(0)
	nextNonce := make(map[address.Address]uint64)
	keys := make(map[address.Address]address.Address)
	for i, m := range fb.Messages {
		msg := &m.Message
		if err := msg.ValidForBlockInclusion(bv.minGasFn(m.ChainLength())); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("message %d: %w", i, err))
			continue
		}
		gasSum += msg.GasLimit

		if n, ok := nextNonce[msg.From]; ok && msg.Nonce != n {
			merr = multierror.Append(merr, fmt.Errorf("message %d from %s has nonce %d, expected %d", i, msg.From, msg.Nonce, n))
		}
		nextNonce[msg.From] = msg.Nonce + 1

		key, ok := keys[msg.From]
		if !ok {
			key, err = bv.keys.ResolveToKeyAddress(ctx, msg.From, parent)
			if err != nil {
				return xerrors.Errorf("message %d: resolving sender %s: %w", i, msg.From, err)
			}
			keys[msg.From] = key
		}
		if err := crypto.Verify(&m.Signature, key, msg.Cid().Bytes()); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("message %d signature: %w", i, err))
		}
	}
	if gasSum > constants.BlockGasLimit {
		merr = multierror.Append(merr, fmt.Errorf("block gas limit %d exceeds %d", gasSum, int64(constants.BlockGasLimit)))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return xerrors.Errorf("%s: %w", err, ErrMalformedBlock)
	}
	return nil
}
