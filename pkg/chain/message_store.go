package chain

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt/amt"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

// MessageProvider is an interface exposing the load methods of the
// MessageStore.
type MessageProvider interface {
	LoadMessages(ctx context.Context, root cid.Cid) ([]*types.SignedMessage, error)
	LoadTipSetMessage(ctx context.Context, ts *types.TipSet) ([]types.BlockMessagesInfo, error)
	LoadReceipts(context.Context, cid.Cid) ([]types.MessageReceipt, error)
}

// MessageWriter is an interface exposing the write methods of the
// MessageStore.
type MessageWriter interface {
	StoreMessages(ctx context.Context, msgs []*types.SignedMessage) (cid.Cid, error)
	StoreReceipts(context.Context, []types.MessageReceipt) (cid.Cid, error)
}

// MessageStore stores and loads collections of signed messages and receipts.
type MessageStore struct {
	bs blockstoreutil.Blockstore
}

var _ MessageProvider = (*MessageStore)(nil)
var _ MessageWriter = (*MessageStore)(nil)

// NewMessageStore creates and returns a new store
func NewMessageStore(bs blockstoreutil.Blockstore) *MessageStore {
	return &MessageStore{bs: bs}
}

// LoadMessages loads the signed messages whose cids are held in the array at root.
func (ms *MessageStore) LoadMessages(ctx context.Context, root cid.Cid) ([]*types.SignedMessage, error) {
	cids, err := ms.loadAMTCids(ctx, root)
	if err != nil {
		return nil, err
	}
	return ms.LoadSignedMessagesFromCids(ctx, cids)
}

// LoadSignedMessage loads a single message by the cid of its signed envelope.
func (ms *MessageStore) LoadSignedMessage(ctx context.Context, mid cid.Cid) (*types.SignedMessage, error) {
	messageBlock, err := ms.bs.Get(ctx, mid)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get message %s", mid)
	}

	message, err := types.DecodeSignedMessage(messageBlock.RawData())
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode message %s", mid)
	}
	return message, nil
}

func (ms *MessageStore) LoadSignedMessagesFromCids(ctx context.Context, cids []cid.Cid) ([]*types.SignedMessage, error) {
	msgs := make([]*types.SignedMessage, len(cids))
	for i, c := range cids {
		message, err := ms.LoadSignedMessage(ctx, c)
		if err != nil {
			return nil, err
		}
		msgs[i] = message
	}
	return msgs, nil
}

// StoreMessages puts the messages and the array of their cids into storage.
// The root of the array is returned.
func (ms *MessageStore) StoreMessages(ctx context.Context, msgs []*types.SignedMessage) (cid.Cid, error) {
	cids := make([]cid.Cid, len(msgs))
	for i, msg := range msgs {
		blk, err := msg.ToStorageBlock()
		if err != nil {
			return cid.Undef, err
		}
		if err := ms.bs.Put(ctx, blk); err != nil {
			return cid.Undef, errors.Wrapf(err, "could not store message %s", blk.Cid())
		}
		cids[i] = blk.Cid()
	}
	return storeAMTCids(ctx, ms.bs, cids)
}

// LoadTipSetMessage returns the messages of every block of ts in canonical
// block order. The lists are returned as included: ordering and duplicate
// elimination across blocks happen at execution.
func (ms *MessageStore) LoadTipSetMessage(ctx context.Context, ts *types.TipSet) ([]types.BlockMessagesInfo, error) {
	blockMsg := make([]types.BlockMessagesInfo, 0, ts.Len())
	for _, blk := range ts.Blocks() {
		msgs, err := ms.LoadMessages(ctx, blk.Messages)
		if err != nil {
			return nil, errors.Wrapf(err, "tipset %s failed loading message list %s for block %s", ts.Key(), blk.Messages, blk.Cid())
		}
		blockMsg = append(blockMsg, types.BlockMessagesInfo{
			Messages: msgs,
			Block:    blk,
		})
	}
	return blockMsg, nil
}

// LoadReceipts loads the receipts in the array at c.
func (ms *MessageStore) LoadReceipts(ctx context.Context, c cid.Cid) ([]types.MessageReceipt, error) {
	a, err := amt.LoadAMT(ctx, cbor.NewCborStore(ms.bs), c)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load receipts %s", c)
	}

	receipts := make([]types.MessageReceipt, a.Len())
	for i := range receipts {
		found, err := a.Get(ctx, uint64(i), &receipts[i])
		if err != nil {
			return nil, errors.Wrapf(err, "could not decode receipt %d of %s", i, c)
		}
		if !found {
			return nil, xerrors.Errorf("receipts %s has a hole at %d", c, i)
		}
	}
	return receipts, nil
}

// StoreReceipts puts the receipts in an array and writes it to storage.
func (ms *MessageStore) StoreReceipts(ctx context.Context, receipts []types.MessageReceipt) (cid.Cid, error) {
	return storeReceipts(ctx, ms.bs, receipts)
}

// ComputeBaseFee returns the base fee children of ts must declare. Every
// unique message of ts counts with its full gas limit.
func (ms *MessageStore) ComputeBaseFee(ctx context.Context, ts *types.TipSet) (abi.TokenAmount, error) {
	totalLimit := int64(0)
	seen := make(map[cid.Cid]struct{})

	for _, b := range ts.Blocks() {
		msgs, err := ms.LoadMessages(ctx, b.Messages)
		if err != nil {
			return abi.NewTokenAmount(0), xerrors.Errorf("error getting messages for: %s: %w", b.Cid(), err)
		}
		for _, m := range msgs {
			c := m.Cid()
			if _, ok := seen[c]; !ok {
				totalLimit += m.Message.GasLimit
				seen[c] = struct{}{}
			}
		}
	}

	return ComputeNextBaseFee(ts.ParentBaseFee(), totalLimit, ts.Len()), nil
}

// ComputeNextBaseFee moves the base fee towards the gas target.
//
//	delta := gasLimitUsed/noOfBlocks - BlockGasTarget
//	nextBaseFee := max(baseFee + baseFee*delta/BlockGasTarget/BaseFeeMaxChangeDenom, MinimumBaseFee)
func ComputeNextBaseFee(baseFee abi.TokenAmount, gasLimitUsed int64, noOfBlocks int) abi.TokenAmount {
	delta := gasLimitUsed / int64(noOfBlocks)
	delta -= constants.BlockGasTarget

	// cap change at 12.5% (BaseFeeMaxChangeDenom) by capping delta
	if delta > constants.BlockGasTarget {
		delta = constants.BlockGasTarget
	}
	if delta < -constants.BlockGasTarget {
		delta = -constants.BlockGasTarget
	}

	change := big.Mul(baseFee, big.NewInt(delta))
	change = big.Div(change, big.NewInt(constants.BlockGasTarget))
	change = big.Div(change, big.NewInt(constants.BaseFeeMaxChangeDenom))

	nextBaseFee := big.Add(baseFee, change)
	if big.Cmp(nextBaseFee, big.NewInt(constants.MinimumBaseFee)) < 0 {
		nextBaseFee = big.NewInt(constants.MinimumBaseFee)
	}
	return nextBaseFee
}

// GetReceiptRoot computes the receipts root without keeping the nodes.
func GetReceiptRoot(ctx context.Context, receipts []types.MessageReceipt) (cid.Cid, error) {
	return storeReceipts(ctx, blockstoreutil.NewMemory(), receipts)
}

// GetChainMsgRoot computes the messages root a block carrying msgs must declare.
func GetChainMsgRoot(ctx context.Context, msgs []*types.SignedMessage) (cid.Cid, error) {
	cids := make([]cid.Cid, len(msgs))
	for i, m := range msgs {
		cids[i] = m.Cid()
	}
	return storeAMTCids(ctx, blockstoreutil.NewMemory(), cids)
}

func (ms *MessageStore) loadAMTCids(ctx context.Context, c cid.Cid) ([]cid.Cid, error) {
	a, err := amt.LoadAMT(ctx, cbor.NewCborStore(ms.bs), c)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load message list %s", c)
	}

	cids := make([]cid.Cid, a.Len())
	for i := range cids {
		var cc cbg.CborCid
		found, err := a.Get(ctx, uint64(i), &cc)
		if err != nil {
			return nil, errors.Wrapf(err, "could not retrieve %d cid from AMT", i)
		}
		if !found {
			return nil, xerrors.Errorf("message list %s has a hole at %d", c, i)
		}
		cids[i] = cid.Cid(cc)
	}
	return cids, nil
}

func storeAMTCids(ctx context.Context, bs blockstoreutil.Blockstore, cids []cid.Cid) (cid.Cid, error) {
	cidMarshallers := make([]cbg.CBORMarshaler, len(cids))
	for i, c := range cids {
		cidMarshaller := cbg.CborCid(c)
		cidMarshallers[i] = &cidMarshaller
	}
	return amt.FromArray(ctx, cbor.NewCborStore(bs), cidMarshallers)
}

func storeReceipts(ctx context.Context, bs blockstoreutil.Blockstore, receipts []types.MessageReceipt) (cid.Cid, error) {
	vals := make([]cbg.CBORMarshaler, len(receipts))
	for i := range receipts {
		vals[i] = &receipts[i]
	}
	return amt.FromArray(ctx, cbor.NewCborStore(bs), vals)
}
