package testhelpers

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/types"
)

var fakeSeq int64

// CidFromString returns the dag-cbor cid of the bytes of input.
func CidFromString(t *testing.T, input string) cid.Cid {
	c, err := types.DefaultCidBuilder.Sum([]byte(input))
	require.NoError(t, err)
	return c
}

// FakeBlock returns an unsigned header at height h claiming parentWeight,
// built on a fixed fake parent. Every call yields a distinct block.
func FakeBlock(t *testing.T, h int, parentWeight int64) *types.BlockHeader {
	seq := atomic.AddInt64(&fakeSeq, 1)
	miner, err := address.NewIDAddress(uint64(1000 + seq))
	require.NoError(t, err)
	other := CidFromString(t, "someothercid")
	return &types.BlockHeader{
		Miner:                 miner,
		Ticket:                &types.Ticket{VRFProof: []byte(fmt.Sprintf("fake-ticket-%d", seq))},
		ElectionProof:         &types.ElectionProof{WinCount: 1, VRFProof: []byte{0x0c, 0x0d}},
		Parents:               []cid.Cid{other},
		ParentWeight:          fbig.NewInt(parentWeight),
		Height:                abi.ChainEpoch(h),
		ParentStateRoot:       other,
		ParentMessageReceipts: other,
		Messages:              other,
		Timestamp:             4,
		ParentBaseFee:         abi.NewTokenAmount(20),
	}
}

// ChainInfoWithHeightAndWeight returns chain info for a single block tipset
// made by FakeBlock. It is never valid on any chain; it serves scheduling
// tests.
func ChainInfoWithHeightAndWeight(t *testing.T, h int, parentWeight int64) *types.ChainInfo {
	ts, err := types.NewTipSet([]*types.BlockHeader{FakeBlock(t, h, parentWeight)})
	require.NoError(t, err)
	return types.NewChainInfo("", "", ts)
}
