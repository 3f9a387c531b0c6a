package types

// SyncStateStage is the progress of a sync target.
type SyncStateStage int

const (
	StageIdle = SyncStateStage(iota)
	StateInSyncing
	StageHeaders
	StageMessages
	StageSyncComplete
	StageSyncErrored
)

func (v SyncStateStage) String() string {
	switch v {
	case StageIdle:
		return "idle"
	case StateInSyncing:
		return "syncing"
	case StageHeaders:
		return "header sync"
	case StageMessages:
		return "message sync"
	case StageSyncComplete:
		return "complete"
	case StageSyncErrored:
		return "error"
	default:
		return "unknown"
	}
}

// ValidationStage is how far a single tipset got through validation.
// Rejected is terminal.
type ValidationStage int

const (
	Unvalidated = ValidationStage(iota)
	StructurallyValid
	StateValidated
	Accepted
	Rejected
)

func (v ValidationStage) String() string {
	switch v {
	case Unvalidated:
		return "unvalidated"
	case StructurallyValid:
		return "structurally valid"
	case StateValidated:
		return "state validated"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
