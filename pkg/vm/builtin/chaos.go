package builtin

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

// ChaosActor does whatever its params ask. It is only registered by test
// actor sets and lets tests drive nested sends, aborts and state writes.
type ChaosActor struct{}

func (a ChaosActor) Exports() []interface{} {
	return []interface{}{
		MethodConstructor: a.Constructor,
		2:                 a.Send,
		3:                 a.MutateState,
		4:                 a.AbortWith,
		5:                 a.InspectRuntime,
	}
}

func (ChaosActor) Code() cid.Cid { return ChaosActorCodeID }

func (ChaosActor) IsSingleton() bool { return true }

func (ChaosActor) Constructor(rt runtime.Runtime, _ *abi.EmptyValue) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)
	rt.StateCreate(&ChaosState{})
	return nil
}

// SendArgs are the arguments for the Send method.
type SendArgs struct {
	To     address.Address
	Value  abi.TokenAmount
	Method abi.MethodNum
	Params []byte
}

// SendReturn carries what the callee returned.
type SendReturn struct {
	_      struct{} `cbor:",toarray"`
	Return []byte
}

// Send forwards a call. A failing callee aborts the whole message.
func (ChaosActor) Send(rt runtime.Runtime, args *SendArgs) *SendReturn {
	rt.ValidateImmediateCallerAcceptAny()
	ret := rt.Send(args.To, args.Method, args.Params, args.Value)
	return &SendReturn{Return: ret}
}

// MutateStateArgs sets the state value, optionally aborting afterwards.
type MutateStateArgs struct {
	_         struct{} `cbor:",toarray"`
	Value     string
	AbortCode exitcode.ExitCode
}

func (ChaosActor) MutateState(rt runtime.Runtime, args *MutateStateArgs) *abi.EmptyValue {
	rt.ValidateImmediateCallerAcceptAny()
	var st ChaosState
	rt.StateTransaction(&st, func() {
		st.Value = args.Value
	})
	if args.AbortCode != exitcode.Ok {
		runtime.Abortf(args.AbortCode, "aborted after mutating state to %q", args.Value)
	}
	return nil
}

// AbortWithArgs are the arguments for the AbortWith method.
type AbortWithArgs struct {
	_            struct{} `cbor:",toarray"`
	Code         exitcode.ExitCode
	Message      string
	Uncontrolled bool
}

// AbortWith aborts with the given code, or panics outright when Uncontrolled.
func (ChaosActor) AbortWith(rt runtime.Runtime, args *AbortWithArgs) *abi.EmptyValue {
	rt.ValidateImmediateCallerAcceptAny()
	if args.Uncontrolled {
		panic(args.Message)
	}
	runtime.Abortf(args.Code, args.Message)
	return nil
}

// InspectRuntimeReturn is what the runtime reports to the chaos actor.
type InspectRuntimeReturn struct {
	Caller         address.Address
	Receiver       address.Address
	ValueReceived  abi.TokenAmount
	CurrEpoch      abi.ChainEpoch
	CurrentBalance abi.TokenAmount
	State          ChaosState
}

func (ChaosActor) InspectRuntime(rt runtime.Runtime, _ *abi.EmptyValue) *InspectRuntimeReturn {
	rt.ValidateImmediateCallerAcceptAny()
	var st ChaosState
	rt.StateReadonly(&st)
	return &InspectRuntimeReturn{
		Caller:         rt.Caller(),
		Receiver:       rt.Receiver(),
		ValueReceived:  rt.ValueReceived(),
		CurrEpoch:      rt.CurrEpoch(),
		CurrentBalance: rt.CurrentBalance(),
		State:          st,
	}
}
