package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/consensus/chainselector"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/gen/genesis"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
	"github.com/filecoin-project/venus-core/pkg/vm/register"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
)

// AccountBalance is the genesis balance of every builder account.
var AccountBalance = abi.NewTokenAmount(1_000_000_000_000_000_000)

// DefaultGasLimit is the gas limit of messages made by Builder.Message.
const DefaultGasLimit = int64(10_000_000)

type tipSetState struct {
	root     cid.Cid
	receipts cid.Cid
}

// Builder builds valid chains on top of a fixed genesis: every block is
// signed by a miner key, declares the weight, base fee and parent state its
// parent actually yields, and commits to its messages. It keeps its own
// blockstore and can serve the chains it built like a remote peer.
type Builder struct {
	t        *testing.T
	bs       blockstoreutil.Blockstore
	ms       *chain.MessageStore
	proc     *consensus.DefaultProcessor
	signer   MockSigner
	template genesis.Template
	genesis  *types.TipSet
	accounts []address.Address
	miners   []address.Address

	mu       sync.Mutex
	seq      int
	tipsets  map[types.TipSetKey]*types.TipSet
	messages map[cid.Cid][]*types.SignedMessage
	states   map[types.TipSetKey]tipSetState
}

// NewBuilder creates a builder with two funded accounts and three miners.
func NewBuilder(t *testing.T) *Builder {
	ctx := context.Background()
	signer := NewMockSigner(MustGenerateKeyInfo(5, 7))
	accounts := signer.Addresses[:2]
	miners := signer.Addresses[2:]

	tmpl := genesis.Template{NetworkName: "builder"}
	for _, a := range accounts {
		tmpl.Accounts = append(tmpl.Accounts, genesis.Account{Address: a, Balance: AccountBalance})
	}

	bs := blockstoreutil.NewMemory()
	boot, err := genesis.MakeGenesisBlock(ctx, bs, tmpl)
	require.NoError(t, err)
	gen, err := types.NewTipSet([]*types.BlockHeader{boot.Genesis})
	require.NoError(t, err)

	f := &Builder{
		t:        t,
		bs:       bs,
		ms:       chain.NewMessageStore(bs),
		proc:     consensus.NewDefaultProcessor(register.GetDefaultActros()),
		signer:   signer,
		template: tmpl,
		genesis:  gen,
		accounts: accounts,
		miners:   miners,
		tipsets:  make(map[types.TipSetKey]*types.TipSet),
		messages: make(map[cid.Cid][]*types.SignedMessage),
		states:   make(map[types.TipSetKey]tipSetState),
	}
	f.tipsets[gen.Key()] = gen
	f.messages[boot.Genesis.Cid()] = nil
	f.states[gen.Key()] = tipSetState{root: boot.Genesis.ParentStateRoot, receipts: boot.Genesis.ParentMessageReceipts}
	return f
}

// Genesis returns the genesis tipset.
func (f *Builder) Genesis() *types.TipSet {
	return f.genesis
}

// Template returns the genesis template the builder's chains start from.
func (f *Builder) Template() genesis.Template {
	return f.template
}

// Accounts returns the funded key addresses.
func (f *Builder) Accounts() []address.Address {
	return f.accounts
}

// Miners returns the miner key addresses.
func (f *Builder) Miners() []address.Address {
	return f.miners
}

// Blockstore holds everything the builder produced.
func (f *Builder) Blockstore() blockstoreutil.Blockstore {
	return f.bs
}

// MakeGenesisIn writes the same genesis into bs and returns it.
func (f *Builder) MakeGenesisIn(ctx context.Context, bs blockstoreutil.Blockstore) *types.TipSet {
	boot, err := genesis.MakeGenesisBlock(ctx, bs, f.template)
	require.NoError(f.t, err)
	ts, err := types.NewTipSet([]*types.BlockHeader{boot.Genesis})
	require.NoError(f.t, err)
	require.True(f.t, ts.Equals(f.genesis))
	return ts
}

// Message returns a signed transfer of value from one builder account.
func (f *Builder) Message(from address.Address, to address.Address, nonce uint64, value int64) *types.SignedMessage {
	msg := types.NewMeteredMessage(from, to, nonce, abi.NewTokenAmount(value), builtin.MethodSend, nil,
		abi.NewTokenAmount(constants.InitialBaseFee*2), abi.NewTokenAmount(100), DefaultGasLimit)
	sig, err := f.signer.SignBytes(context.Background(), msg.Cid().Bytes(), from)
	require.NoError(f.t, err)
	return &types.SignedMessage{Message: *msg, Signature: *sig}
}

// BlockBuilder is handed to build callbacks to shape a block before it is
// signed.
type BlockBuilder struct {
	Header   *types.BlockHeader
	Messages []*types.SignedMessage
}

// AddMessages appends messages to the block.
func (bb *BlockBuilder) AddMessages(msgs ...*types.SignedMessage) {
	bb.Messages = append(bb.Messages, msgs...)
}

// IncHeight leaves n null rounds between the parent and the block.
func (bb *BlockBuilder) IncHeight(n abi.ChainEpoch) {
	bb.Header.Height += n
}

// AppendOn creates a tipset of width empty blocks on parent.
func (f *Builder) AppendOn(parent *types.TipSet, width int) *types.TipSet {
	return f.BuildOn(parent, width, nil)
}

// AppendManyOn appends n tipsets of one block each.
func (f *Builder) AppendManyOn(n int, parent *types.TipSet) *types.TipSet {
	ts := parent
	for i := 0; i < n; i++ {
		ts = f.AppendOn(ts, 1)
	}
	return ts
}

// BuildOneOn creates a single block tipset on parent.
func (f *Builder) BuildOneOn(parent *types.TipSet, build func(bb *BlockBuilder)) *types.TipSet {
	return f.BuildOn(parent, 1, func(bb *BlockBuilder, _ int) {
		if build != nil {
			build(bb)
		}
	})
}

// BuildOn creates a tipset of width blocks on parent. build, when set, may
// change each block before its timestamp, messages root and signature are
// filled in. Every block of the tipset must end up at the same height.
func (f *Builder) BuildOn(parent *types.TipSet, width int, build func(bb *BlockBuilder, i int)) *types.TipSet {
	ctx := context.Background()
	require.True(f.t, width > 0)

	st := f.state(parent.Key())
	baseFee, err := f.ms.ComputeBaseFee(ctx, parent)
	require.NoError(f.t, err)
	weight := chainselector.Weight(parent)

	headers := make([]*types.BlockHeader, width)
	blockMsgs := make([][]*types.SignedMessage, width)
	for i := 0; i < width; i++ {
		f.mu.Lock()
		f.seq++
		seq := f.seq
		f.mu.Unlock()

		miner := f.miners[i%len(f.miners)]
		bb := &BlockBuilder{
			Header: &types.BlockHeader{
				Miner:                 miner,
				Ticket:                &types.Ticket{VRFProof: []byte(fmt.Sprintf("ticket-%d", seq))},
				ElectionProof:         &types.ElectionProof{WinCount: 1, VRFProof: []byte(fmt.Sprintf("proof-%d", seq))},
				Parents:               parent.Cids(),
				ParentWeight:          weight,
				Height:                parent.Height() + 1,
				ParentStateRoot:       st.root,
				ParentMessageReceipts: st.receipts,
				ParentBaseFee:         baseFee,
			},
		}
		if build != nil {
			build(bb, i)
		}

		h := bb.Header
		h.Timestamp = parent.MinTimestamp() + constants.BlockDelaySecs*uint64(h.Height-parent.Height())
		h.Messages, err = f.ms.StoreMessages(ctx, bb.Messages)
		require.NoError(f.t, err)
		if h.BlockSig == nil {
			f.signHeader(h)
		}

		sb, err := h.ToStorageBlock()
		require.NoError(f.t, err)
		require.NoError(f.t, f.bs.Put(ctx, sb))

		headers[i] = h
		blockMsgs[i] = bb.Messages
	}

	ts, err := types.NewTipSet(headers)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tipsets[ts.Key()] = ts
	for i, h := range headers {
		f.messages[h.Cid()] = blockMsgs[i]
	}
	return ts
}

func (f *Builder) signHeader(h *types.BlockHeader) {
	data, err := h.SignatureData()
	require.NoError(f.t, err)
	sig, err := f.signer.SignBytes(context.Background(), data, h.Miner)
	require.NoError(f.t, err)
	h.BlockSig = sig
}

// Resign replaces the signature of h after it was changed.
func (f *Builder) Resign(h *types.BlockHeader) {
	h.BlockSig = nil
	f.signHeader(h)
}

// StateForKey returns the state root and receipts root that executing the
// tipset yields. They are what its children declare.
func (f *Builder) StateForKey(key types.TipSetKey) (cid.Cid, cid.Cid) {
	st := f.state(key)
	return st.root, st.receipts
}

func (f *Builder) state(key types.TipSetKey) tipSetState {
	f.mu.Lock()
	st, ok := f.states[key]
	ts := f.tipsets[key]
	f.mu.Unlock()
	if ok {
		return st
	}
	require.NotNil(f.t, ts, "unknown tipset %s", key)

	ctx := context.Background()
	parent := f.RequireTipSet(ts.Parents())
	pst := f.state(parent.Key())

	bms, err := f.ms.LoadTipSetMessage(ctx, ts)
	require.NoError(f.t, err)
	root, receipts, err := f.proc.ProcessTipSet(ctx, parent.Height(), ts, bms, vmcontext.VmOption{
		BaseFee: ts.ParentBaseFee(),
		PRoot:   pst.root,
		Bsstore: f.bs,
	}, nil)
	require.NoError(f.t, err)
	rcid, err := f.ms.StoreReceipts(ctx, receipts)
	require.NoError(f.t, err)

	st = tipSetState{root: root, receipts: rcid}
	f.mu.Lock()
	f.states[key] = st
	f.mu.Unlock()
	return st
}

// StateRoot is the state root of StateForKey.
func (f *Builder) StateRoot(key types.TipSetKey) cid.Cid {
	return f.state(key).root
}

// RequireTipSet returns a tipset the builder made.
func (f *Builder) RequireTipSet(key types.TipSetKey) *types.TipSet {
	ts, err := f.GetTipSet(context.Background(), key)
	require.NoError(f.t, err)
	return ts
}

// GetTipSet returns a tipset the builder made, or the union of built
// blocks that key names.
func (f *Builder) GetTipSet(_ context.Context, key types.TipSetKey) (*types.TipSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.tipsets[key]; ok {
		return ts, nil
	}
	return nil, xerrors.Errorf("no tipset %s", key)
}

// FetchTipSet serves the tipsets the builder made, like a network peer.
func (f *Builder) FetchTipSet(ctx context.Context, key types.TipSetKey) (*types.TipSet, error) {
	return f.GetTipSet(ctx, key)
}

// FetchMessages serves the messages stored under a block's messages root.
func (f *Builder) FetchMessages(ctx context.Context, root cid.Cid) ([]*types.SignedMessage, error) {
	return f.ms.LoadMessages(ctx, root)
}

// FullTipSet returns the headers of ts with their messages.
func (f *Builder) FullTipSet(ts *types.TipSet) *types.FullTipSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	blks := make([]*types.FullBlock, ts.Len())
	for i, h := range ts.Blocks() {
		msgs, ok := f.messages[h.Cid()]
		require.True(f.t, ok, "unknown block %s", h.Cid())
		blks[i] = &types.FullBlock{Header: h, Messages: msgs}
	}
	return types.NewFullTipSet(blks)
}

// Merge registers the tipset formed by the blocks of several sibling
// tipsets built on the same parent.
func (f *Builder) Merge(tss ...*types.TipSet) *types.TipSet {
	var headers []*types.BlockHeader
	for _, ts := range tss {
		headers = append(headers, ts.Blocks()...)
	}
	merged, err := types.NewTipSet(headers)
	require.NoError(f.t, err)
	f.mu.Lock()
	f.tipsets[merged.Key()] = merged
	f.mu.Unlock()
	return merged
}
