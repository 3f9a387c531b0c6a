package builtin

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

// InitActor hands out actor ids and creates non singleton actors.
type InitActor struct{}

func (a InitActor) Exports() []interface{} {
	return []interface{}{
		MethodConstructor: a.Constructor,
		2:                 a.Exec,
	}
}

func (InitActor) Code() cid.Cid { return InitActorCodeID }

func (InitActor) IsSingleton() bool { return true }

type InitConstructorParams struct {
	_           struct{} `cbor:",toarray"`
	NetworkName string
}

func (InitActor) Constructor(rt runtime.Runtime, params *InitConstructorParams) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)
	st, err := ConstructInitState(rt.Store(), params.NetworkName)
	if err != nil {
		runtime.Abortf(exitcode.ErrIllegalState, "failed to construct state: %v", err)
	}
	rt.StateCreate(st)
	return nil
}

// ExecParams names the code to instantiate and its constructor params.
type ExecParams struct {
	CodeCID           cid.Cid
	ConstructorParams []byte
}

// ExecReturn carries both addresses of the created actor.
type ExecReturn struct {
	IDAddress     address.Address
	RobustAddress address.Address
}

// Exec creates an actor of a non singleton builtin code and runs its constructor.
func (InitActor) Exec(rt runtime.Runtime, params *ExecParams) *ExecReturn {
	rt.ValidateImmediateCallerAcceptAny()
	if !IsBuiltinActor(params.CodeCID) || IsSingletonActor(params.CodeCID) {
		runtime.Abortf(exitcode.ErrForbidden, "cannot exec actor of code %s", params.CodeCID)
	}

	robustAddr := rt.NewActorAddress()

	var st InitState
	var idAddr address.Address
	rt.StateTransaction(&st, func() {
		var err error
		idAddr, err = st.MapAddressToNewID(rt.Store(), robustAddr)
		if err != nil {
			runtime.Abortf(exitcode.ErrIllegalState, "exec failed to map address: %v", err)
		}
	})

	rt.CreateActor(params.CodeCID, idAddr)
	rt.Send(idAddr, MethodConstructor, params.ConstructorParams, rt.ValueReceived())

	return &ExecReturn{IDAddress: idAddr, RobustAddress: robustAddr}
}
