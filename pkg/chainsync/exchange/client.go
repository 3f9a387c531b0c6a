package exchange

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/types"
)

var log = logging.Logger("exchange")

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/filecoin-project/venus-core/pkg/chainsync/exchange Fetcher

// Fetcher is one request to the network. Peer selection happens behind it;
// a failed request may be retried.
type Fetcher interface {
	FetchTipSet(ctx context.Context, key types.TipSetKey) (*types.TipSet, error)
	FetchMessages(ctx context.Context, root cid.Cid) ([]*types.SignedMessage, error)
}

// Client is what the syncer uses to fill in missing chain data.
type Client interface {
	// GetBlocks fetches up to count tipsets walking back from tsk, tsk
	// first. The walk stops early at genesis.
	GetBlocks(ctx context.Context, tsk types.TipSetKey, count int) ([]*types.TipSet, error)
	// GetFullTipSet fetches the messages of every block of ts. The messages
	// of each block match its messages root.
	GetFullTipSet(ctx context.Context, ts *types.TipSet) (*types.FullTipSet, error)
}

// RetryClient retries every fetch with exponential backoff. Running out of
// attempts yields consensus.ErrUnresolvableParent.
type RetryClient struct {
	fetcher     Fetcher
	clock       clock.Clock
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
}

var _ Client = (*RetryClient)(nil)

// NewRetryClient wraps f with the retry budget of cfg.
func NewRetryClient(f Fetcher, c clock.Clock, cfg *config.SyncConfig) *RetryClient {
	return &RetryClient{
		fetcher:     f,
		clock:       c,
		maxAttempts: cfg.FetchMaxAttempts,
		backoffMin:  time.Duration(cfg.FetchBackoffMin),
		backoffMax:  time.Duration(cfg.FetchBackoffMax),
	}
}

// GetBlocks implements Client.
func (c *RetryClient) GetBlocks(ctx context.Context, tsk types.TipSetKey, count int) (_ []*types.TipSet, err error) {
	ctx, span := trace.StartSpan(ctx, "RetryClient.GetBlocks")
	span.AddAttributes(trace.StringAttribute("tipset", tsk.String()), trace.Int64Attribute("count", int64(count)))
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	out := make([]*types.TipSet, 0, count)
	next := tsk
	for len(out) < count {
		var ts *types.TipSet
		err = c.retry(ctx, "fetch tipset "+next.String(), func() error {
			var ferr error
			ts, ferr = c.fetcher.FetchTipSet(ctx, next)
			if ferr != nil {
				return ferr
			}
			if !ts.Defined() || !ts.Key().Equals(next) {
				return xerrors.Errorf("peer returned tipset %s for %s", ts.Key(), next)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
		if ts.Height() == 0 {
			break
		}
		next = ts.Parents()
	}
	return out, nil
}

// GetFullTipSet implements Client.
func (c *RetryClient) GetFullTipSet(ctx context.Context, ts *types.TipSet) (_ *types.FullTipSet, err error) {
	ctx, span := trace.StartSpan(ctx, "RetryClient.GetFullTipSet")
	span.AddAttributes(trace.StringAttribute("tipset", ts.Key().String()))
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	blks := make([]*types.FullBlock, ts.Len())
	for i, h := range ts.Blocks() {
		var msgs []*types.SignedMessage
		err = c.retry(ctx, "fetch messages "+h.Messages.String(), func() error {
			var ferr error
			msgs, ferr = c.fetcher.FetchMessages(ctx, h.Messages)
			if ferr != nil {
				return ferr
			}
			// a peer serving the wrong messages is a failed fetch, not a bad block
			root, ferr := chain.GetChainMsgRoot(ctx, msgs)
			if ferr != nil {
				return ferr
			}
			if root != h.Messages {
				return xerrors.Errorf("peer returned messages with root %s for block %s", root, h.Cid())
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		blks[i] = &types.FullBlock{Header: h, Messages: msgs}
	}
	return types.NewFullTipSet(blks), nil
}

func (c *RetryClient) retry(ctx context.Context, what string, fetch func() error) error {
	b := &backoff.Backoff{
		Min:    c.backoffMin,
		Max:    c.backoffMax,
		Factor: 2,
	}
	for attempt := 1; ; attempt++ {
		err := fetch()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= c.maxAttempts {
			log.Warnf("%s: giving up after %d attempts: %s", what, attempt, err)
			return xerrors.Errorf("%s: %d attempts, last error %v: %w", what, attempt, err, consensus.ErrUnresolvableParent)
		}

		wait := b.Duration()
		log.Debugf("%s failed (attempt %d), retrying in %s: %s", what, attempt, wait, err)
		select {
		case <-c.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
