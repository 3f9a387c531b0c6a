package chainsync

import (
	"context"

	"github.com/raulk/clock"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/chainsync/dispatcher"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/slashfilter"
	"github.com/filecoin-project/venus-core/pkg/chainsync/status"
	"github.com/filecoin-project/venus-core/pkg/chainsync/syncer"
	syncTypes "github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/types"
)

// BlockProposer allows callers to propose new blocks for inclusion in the chain.
type BlockProposer interface {
	SendHello(ci *types.ChainInfo) error
	SendOwnBlock(ci *types.ChainInfo) error
	SendGossipBlock(ci *types.ChainInfo) error
}

// Manager sync the chain.
type Manager struct {
	syncer     *syncer.Syncer
	dispatcher *dispatcher.Dispatcher
	reporter   status.Reporter
}

// NewManager creates a new chain sync manager.
func NewManager(sp syncer.StateProcessor,
	bv syncer.BlockValidator,
	s syncer.ChainReaderWriter,
	m *chain.MessageStore,
	exchangeClient exchange.Client,
	sf slashfilter.SlashFilter,
	c clock.Clock,
	cfg *config.SyncConfig) (*Manager, error) {
	reporter := status.NewReporter()
	syncer, err := syncer.NewSyncer(sp, bv, s, m, exchangeClient, sf, reporter, c, cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatcher.NewDispatcher(syncer, c, cfg.MaxConcurrentSyncs)
	return &Manager{
		syncer:     syncer,
		dispatcher: dispatcher,
		reporter:   reporter,
	}, nil
}

// Start starts the chain sync manager.
func (m *Manager) Start(ctx context.Context) {
	m.dispatcher.Start(ctx)
}

// BlockProposer returns the block proposer.
func (m *Manager) BlockProposer() BlockProposer {
	return m.dispatcher
}

// RegisterCallback fires cb after every sync the manager runs.
func (m *Manager) RegisterCallback(cb func(*syncTypes.Target, error)) {
	m.dispatcher.RegisterCallback(cb)
}

// Status returns the current sync status.
func (m *Manager) Status() status.Status {
	return m.reporter.Status()
}

// Syncer returns the syncer driven by the manager.
func (m *Manager) Syncer() *syncer.Syncer {
	return m.syncer
}

// SyncTracker returns the queue of sync targets.
func (m *Manager) SyncTracker() *syncTypes.TargetTracker {
	return m.dispatcher.SyncTracker()
}

// SetConcurrent changes the number of targets synced at once.
func (m *Manager) SetConcurrent(n int64) {
	m.dispatcher.SetConcurrent(n)
}
