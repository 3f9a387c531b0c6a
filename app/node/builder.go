package node

import (
	"context"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/raulk/clock"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/chainsync"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/slashfilter"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/statemanger"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/register"
)

// Builder is a helper to aid in the construction of a node.
type Builder struct {
	repo    repo.Repo
	fetcher exchange.Fetcher
	clock   clock.Clock
}

// BuilderOpt is an option for building a node.
type BuilderOpt func(*Builder) error

// Repository sets the repo the node runs on. It must have been passed to
// Init.
func Repository(r repo.Repo) BuilderOpt {
	return func(b *Builder) error {
		b.repo = r
		return nil
	}
}

// FetcherOption sets where missing tipsets and messages are fetched from.
func FetcherOption(f exchange.Fetcher) BuilderOpt {
	return func(b *Builder) error {
		b.fetcher = f
		return nil
	}
}

// ClockOption sets the clock used for timestamps and retries.
func ClockOption(c clock.Clock) BuilderOpt {
	return func(b *Builder) error {
		b.clock = c
		return nil
	}
}

// New creates a new node.
func New(ctx context.Context, opts ...BuilderOpt) (*Node, error) {
	b := &Builder{
		fetcher: offlineFetcher{},
		clock:   clock.New(),
	}
	for _, o := range opts {
		if err := o(b); err != nil {
			return nil, err
		}
	}
	return b.build(ctx)
}

func (b *Builder) build(ctx context.Context) (*Node, error) {
	if b.repo == nil {
		return nil, errors.New("node needs a repo")
	}
	cfg := b.repo.Config()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}

	genCid, err := readGenesisCid(ctx, b.repo.ChainDatastore())
	if err != nil {
		return nil, err
	}

	nd := &Node{repo: b.repo}
	nd.chainStore = chain.NewStore(b.repo.ChainDatastore(), b.repo.Datastore(), genCid)
	if err := nd.chainStore.Load(ctx); err != nil {
		nd.chainStore.Stop()
		return nil, errors.Wrap(err, "failed to load chain")
	}

	nd.messageStore = chain.NewMessageStore(b.repo.Datastore())
	nd.stateManager, err = statemanger.NewStateManager(nd.chainStore, nd.messageStore,
		consensus.NewDefaultProcessor(register.GetDefaultActros()), cfg.State)
	if err != nil {
		nd.chainStore.Stop()
		return nil, errors.Wrap(err, "failed to build state manager")
	}

	nd.syncManager, err = chainsync.NewManager(nd.stateManager,
		consensus.NewBlockValidator(b.clock, nd.messageStore, nd.stateManager),
		nd.chainStore,
		nd.messageStore,
		exchange.NewRetryClient(b.fetcher, b.clock, cfg.Sync),
		slashfilter.NewLocalSlashFilter(b.repo.ChainDatastore()),
		b.clock,
		cfg.Sync)
	if err != nil {
		nd.chainStore.Stop()
		return nil, errors.Wrap(err, "failed to build chain sync")
	}
	return nd, nil
}

func setLogLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

// offlineFetcher serves nothing; a node without one only syncs chains whose
// data is already local.
type offlineFetcher struct{}

var errOffline = errors.New("node is offline")

func (offlineFetcher) FetchTipSet(context.Context, types.TipSetKey) (*types.TipSet, error) {
	return nil, errOffline
}

func (offlineFetcher) FetchMessages(context.Context, cid.Cid) ([]*types.SignedMessage, error) {
	return nil, errOffline
}
