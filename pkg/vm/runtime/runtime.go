package runtime

import (
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/adt"
)

// Runtime has operations in the VM that are exposed to all actors.
//
// Every method may abort the current message by panicking with an
// ExecutionPanic. The VM recovers it at the message boundary.
type Runtime interface {
	// CurrEpoch is the epoch of the tipset being executed.
	CurrEpoch() abi.ChainEpoch
	// NetworkName identifies the chain.
	NetworkName() string

	// Caller is the ID address of the immediate caller.
	Caller() address.Address
	// Receiver is the ID address of the actor being invoked.
	Receiver() address.Address
	// ValueReceived is the value transferred with the invocation.
	ValueReceived() abi.TokenAmount
	// CurrentBalance is the receiver's balance including ValueReceived.
	CurrentBalance() abi.TokenAmount

	// Exactly one caller validation must run per invocation.
	ValidateImmediateCallerAcceptAny()
	ValidateImmediateCallerIs(addrs ...address.Address)
	ValidateImmediateCallerType(codes ...cid.Cid)

	// ResolveAddress maps any address to its ID form.
	ResolveAddress(addr address.Address) (address.Address, bool)
	// GetActorCodeCID looks up the code of an actor.
	GetActorCodeCID(addr address.Address) (cid.Cid, bool)

	// Send invokes another actor. params may be nil, raw bytes, a cbor-gen
	// marshaler or a plain struct. A failing callee aborts the whole message.
	Send(to address.Address, method abi.MethodNum, params interface{}, value abi.TokenAmount) []byte

	// NewActorAddress derives a fresh robust address from the origin message.
	NewActorAddress() address.Address
	// CreateActor installs an empty actor with code at an unused ID address.
	CreateActor(code cid.Cid, addr address.Address)
	// DeleteActor removes the receiver, sending its balance to beneficiary.
	DeleteActor(beneficiary address.Address)

	StateCreate(obj cbg.CBORMarshaler)
	StateReadonly(obj cbg.CBORUnmarshaler)
	StateTransaction(obj CBORer, f func())

	StoreGet(c cid.Cid, o cbg.CBORUnmarshaler) bool
	StorePut(x cbg.CBORMarshaler) cid.Cid
	// Store exposes the gas charged object store for persistent collections.
	Store() adt.Store

	ChargeGas(name string, compute int64)

	Log(level LogLevel, msg string, args ...interface{})
}

// CBORer is a value that encodes and decodes itself.
type CBORer interface {
	cbg.CBORMarshaler
	cbg.CBORUnmarshaler
}

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// ExecutionPanic is used to abort vm execution with an exit code.
type ExecutionPanic struct {
	code exitcode.ExitCode
	msg  string
}

// Code is the code used to abort the execution (as in: `Abort(code)`).
func (p ExecutionPanic) Code() exitcode.ExitCode {
	return p.code
}

func (p ExecutionPanic) String() string {
	if p.msg != "" {
		return p.msg
	}
	return fmt.Sprintf("Abort(%d)", p.code)
}

func (p ExecutionPanic) Error() string {
	return p.String()
}

// Abort aborts the VM execution and sets the executing message return to the given `code`.
func Abort(code exitcode.ExitCode) {
	panic(ExecutionPanic{code: code})
}

// Abortf will stop the VM execution and return an the error to the caller.
func Abortf(code exitcode.ExitCode, msg string, args ...interface{}) {
	panic(ExecutionPanic{code: code, msg: fmt.Sprintf(msg, args...)})
}

// Assert will abort if the condition is `False` and return an internal error.
func Assert(cond bool) {
	if !cond {
		Abort(exitcode.SysErrorIllegalActor)
	}
}
