package builtin

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

// SystemActor owns the system address. It only has a constructor.
type SystemActor struct{}

func (a SystemActor) Exports() []interface{} {
	return []interface{}{
		MethodConstructor: a.Constructor,
	}
}

func (SystemActor) Code() cid.Cid { return SystemActorCodeID }

func (SystemActor) IsSingleton() bool { return true }

func (SystemActor) Constructor(rt runtime.Runtime, _ *abi.EmptyValue) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)
	rt.StateCreate(&SystemState{})
	return nil
}
