package status

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	syncTypes "github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/types"
)

// Reporter defines an interface to updating and reporting the status of the blockchain.
type Reporter interface {
	UpdateStatus(...UpdateFn)
	Status() Status
}

// Status defines a structure used to represent the state of a chain store and syncer.
type Status struct {
	// The head of the chain currently being fetched/validated, or nil if none.
	SyncingHead *types.TipSet
	// Unix time at which syncing of chain at SyncingHead began, zero if valdation hasn't started.
	SyncingStarted int64
	// Whether SyncingHead has been validated.
	SyncingComplete bool
	// Whether SyncingHead has been fetched.
	SyncingFetchComplete bool

	// The tipset currently being fetched
	FetchingHead *types.TipSet

	// The tipset currently being validated and how far it got.
	ValidatingHead  *types.TipSet
	ValidatingStage syncTypes.ValidationStage
}

type reporter struct {
	statusMu sync.Mutex
	status   *Status
}

// UpdateFn defines a type for ipdating syncer status.
type UpdateFn func(*Status)

var logChainStatus = logging.Logger("status")

// NewReporter initializes a new status reporter.
func NewReporter() Reporter {
	return &reporter{
		status: NewDefaultChainStatus(),
	}
}

// NewDefaultChainStatus returns a ChainStaus with the default empty values.
func NewDefaultChainStatus() *Status {
	return &Status{
		SyncingStarted:       0,
		SyncingComplete:      true,
		SyncingFetchComplete: true,
		ValidatingStage:      syncTypes.Unvalidated,
	}
}

// String returns the Status as a string
func (s Status) String() string {
	return fmt.Sprintf("syncingStarted=%d, syncingHead=%s, syncingHeight=%d, syncingComplete=%t syncingFetchComplete=%t fetchingHead=%s, fetchingHeight=%d, validatingHead=%s, validatingStage=%s",
		s.SyncingStarted,
		s.SyncingHead.Key(),
		s.SyncingHead.Height(),
		s.SyncingComplete,
		s.SyncingFetchComplete,
		s.FetchingHead.Key(),
		s.FetchingHead.Height(),
		s.ValidatingHead.Key(),
		s.ValidatingStage)
}

// UpdateStatus updates the status held by the reporter.
func (sr *reporter) UpdateStatus(update ...UpdateFn) {
	sr.statusMu.Lock()
	defer sr.statusMu.Unlock()
	for _, u := range update {
		u(sr.status)
	}
	logChainStatus.Debugf("syncing status: %s", sr.status.String())
}

// Status returns a copy of the current status.
func (sr *reporter) Status() Status {
	sr.statusMu.Lock()
	defer sr.statusMu.Unlock()
	return *sr.status
}

//
// Syncing Updates
//

// SyncHead updates the head.
func SyncHead(u *types.TipSet) UpdateFn {
	return func(s *Status) {
		s.SyncingHead = u
	}
}

// SyncingStarted marks the syncing as started.
func SyncingStarted(u int64) UpdateFn {
	return func(s *Status) {
		s.SyncingStarted = u
	}
}

// SyncComplete marks the fetch as complete.
func SyncComplete(u bool) UpdateFn {
	return func(s *Status) {
		s.SyncingComplete = u
	}
}

// SyncFetchComplete determines if the fetch is complete.
func SyncFetchComplete(u bool) UpdateFn {
	return func(s *Status) {
		s.SyncingFetchComplete = u
	}
}

//
// Fetching Updates
//

// FetchHead updates the tipset being fetched.
func FetchHead(u *types.TipSet) UpdateFn {
	return func(s *Status) {
		s.FetchingHead = u
	}
}

//
// Validation Updates
//

// Validating records that ts reached stage.
func Validating(ts *types.TipSet, stage syncTypes.ValidationStage) UpdateFn {
	return func(s *Status) {
		s.ValidatingHead = ts
		s.ValidatingStage = stage
	}
}
