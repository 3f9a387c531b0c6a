package node

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/chainsync"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/statemanger"
	"github.com/filecoin-project/venus-core/pkg/types"
)

var log = logging.Logger("node")

// Node is a chain syncing node: it validates the chains it is told about,
// executes them and follows the heaviest one.
type Node struct {
	// repo is the repo this node was created with.
	//
	// It contains all persistent artifacts of the node.
	repo repo.Repo

	chainStore   *chain.Store
	messageStore *chain.MessageStore
	stateManager *statemanger.Stmgr
	syncManager  *chainsync.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Repo returns the repo.
func (node *Node) Repo() repo.Repo {
	return node.repo
}

// Chain returns the chain store.
func (node *Node) Chain() *chain.Store {
	return node.chainStore
}

// MessageStore returns the message store.
func (node *Node) MessageStore() *chain.MessageStore {
	return node.messageStore
}

// StateManager returns the state manager.
func (node *Node) StateManager() *statemanger.Stmgr {
	return node.stateManager
}

// SyncManager returns the chain sync manager.
func (node *Node) SyncManager() *chainsync.Manager {
	return node.syncManager
}

// Head returns the current head.
func (node *Node) Head() *types.TipSet {
	return node.chainStore.GetHead()
}

// Start starts syncing and watching head changes.
func (node *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	node.cancel = cancel

	reorgs := node.chainStore.SubReorgs(ctx)
	node.wg.Add(1)
	go func() {
		defer node.wg.Done()
		node.watchHead(ctx, reorgs)
	}()

	node.syncManager.Start(ctx)
	log.Infof("node started at head %s height %d", node.Head().Key(), node.Head().Height())
	return nil
}

func (node *Node) watchHead(ctx context.Context, reorgs <-chan *types.Reorg) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-reorgs:
			if !ok {
				return
			}
			if r.Old != nil && !r.New.Parents().Equals(r.Old.Key()) {
				log.Infow("reorg", "from", r.Old.Key(), "to", r.New.Key(), "height", r.New.Height(), "ancestor", r.CommonAncestor.Height())
				continue
			}
			log.Debugw("new head", "key", r.New.Key(), "height", r.New.Height())
		}
	}
}

// Stop stops syncing, waits for the state of the head to be computed and
// closes the chain store and the repo.
func (node *Node) Stop(ctx context.Context) {
	if node.cancel != nil {
		node.cancel()
	}
	node.wg.Wait()
	node.stateManager.Close(ctx)
	node.chainStore.Stop()
	if err := node.repo.Close(); err != nil {
		log.Errorf("error closing repo: %s", err)
	}
	log.Info("node stopped")
}
