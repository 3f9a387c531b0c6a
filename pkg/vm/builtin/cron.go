package builtin

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

// CronActor fans an epoch tick out to its registered entries.
type CronActor struct{}

func (a CronActor) Exports() []interface{} {
	return []interface{}{
		MethodConstructor: a.Constructor,
		2:                 a.EpochTick,
	}
}

func (CronActor) Code() cid.Cid { return CronActorCodeID }

func (CronActor) IsSingleton() bool { return true }

type CronConstructorParams struct {
	Entries []CronEntry
}

func (CronActor) Constructor(rt runtime.Runtime, params *CronConstructorParams) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)
	rt.StateCreate(&CronState{Entries: params.Entries})
	return nil
}

// EpochTick invokes every entry in registration order.
func (CronActor) EpochTick(rt runtime.Runtime, _ *abi.EmptyValue) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)

	var st CronState
	rt.StateReadonly(&st)
	for _, entry := range st.Entries {
		rt.Send(entry.Receiver, entry.MethodNum, nil, big.Zero())
	}
	return nil
}
