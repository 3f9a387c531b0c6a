package types

const (
	HCRevert  = "revert"
	HCApply   = "apply"
	HCCurrent = "current"
)

// HeadChange is one step of a head move: a tipset leaving or joining the
// canonical chain.
type HeadChange struct {
	Type string
	Val  *TipSet
}

// HeadChangeTopic is the pubsub topic head changes are published on.
const HeadChangeTopic = "headchange"

// Reorg describes one swap of the canonical head. The chain between
// CommonAncestor and Old was replaced by the chain between CommonAncestor
// and New. When New extends Old, CommonAncestor is Old.
type Reorg struct {
	Old            *TipSet
	New            *TipSet
	CommonAncestor *TipSet
}
