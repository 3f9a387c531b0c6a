package metrics

import "go.opencensus.io/tag"

// ReasonKey tags rejections with the class of error that caused them.
var ReasonKey, _ = tag.NewKey("reason")

// Node wide measures of the sync and state engine.
var (
	TipSetsAccepted   = NewInt64Counter("chain/tipsets_accepted", "Tipsets that passed validation")
	TipSetsRejected   = NewInt64Counter("chain/tipsets_rejected", "Tipsets rejected by the syncer", ReasonKey)
	HeadChanges       = NewInt64Counter("chain/head_changes", "Canonical head swaps")
	StateComputations = NewInt64Counter("state/computations", "Tipset state computations run")
	StateCacheHits    = NewInt64Counter("state/cache_hits", "Tipset states served from memory")
	ApplyBlocksTimer  = NewTimerMs("state/apply_blocks_ms", "Duration of tipset execution in milliseconds")
)
