package vmcontext

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
)

// GasChargeBlockStore charges every object read and write made by actor code.
type GasChargeBlockStore struct {
	blockstoreutil.Blockstore
	pricelist gas.Pricelist
	gasTank   *gas.GasTracker
}

func (bs *GasChargeBlockStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	// gas charge must check first
	bs.gasTank.Charge(bs.pricelist.OnIpldGet(), "storage get %s", c)
	return bs.Blockstore.Get(ctx, c)
}

func (bs *GasChargeBlockStore) Put(ctx context.Context, blk blocks.Block) error {
	bs.gasTank.Charge(bs.pricelist.OnIpldPut(len(blk.RawData())), "storage put %s %d bytes", blk.Cid(), len(blk.RawData()))
	return bs.Blockstore.Put(ctx, blk)
}
