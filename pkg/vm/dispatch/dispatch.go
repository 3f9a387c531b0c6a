package dispatch

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

// Actor is the interface all actors have to implement.
type Actor interface {
	// Exports has a list of method available on the actor, indexed by method number.
	Exports() []interface{}
	// Code returns the code ID for this actor.
	Code() cid.Cid
	// IsSingleton reports whether at most one instance may exist.
	IsSingleton() bool
}

// Dispatcher allows for dynamic method dispatching on an actor.
type Dispatcher interface {
	// Dispatch will call the given method on the actor and pass the arguments.
	//
	// - The `ctx` argument will be coerced to the type the method expects in its first argument.
	// - If arg1 is `[]byte`, it will attempt to decode the value based on second argument in the target method.
	Dispatch(method abi.MethodNum, ctx interface{}, arg1 interface{}) ([]byte, *ExcuteError)
	// Signature is a helper function that returns the signature for a given method.
	//
	// Note: This is intended to be used by tests and tools.
	Signature(method abi.MethodNum) (MethodSignature, *ExcuteError)
}

type actorDispatcher struct {
	code  cid.Cid
	actor Actor
}

var _ Dispatcher = (*actorDispatcher)(nil)

// Dispatch implements `Dispatcher`.
func (d *actorDispatcher) Dispatch(methodNum abi.MethodNum, ctx interface{}, arg1 interface{}) ([]byte, *ExcuteError) {
	// get method signature
	m, err := d.signature(methodNum)
	if err != nil {
		return []byte{}, err
	}

	// build args to pass to the method
	args := []reflect.Value{
		// the ctx will be automatically coerced
		reflect.ValueOf(ctx),
	}

	parserByte := func(raw []byte) *ExcuteError {
		obj, err := m.ArgInterface(raw)
		if err != nil {
			return NewExcuteError(exitcode.ErrSerialization, "fail to decode params: %v", err)
		}
		args = append(args, reflect.ValueOf(obj))
		return nil
	}

	switch t := arg1.(type) {
	case nil:
		args = append(args, m.ArgNil())
	case []byte:
		if err := parserByte(t); err != nil {
			return []byte{}, err
		}
	case cbg.CBORMarshaler:
		buf := new(bytes.Buffer)
		if err := t.MarshalCBOR(buf); err != nil {
			return []byte{}, NewExcuteError(exitcode.ErrSerialization, "fail to marshal argument %v", err)
		}
		if err := parserByte(buf.Bytes()); err != nil {
			return []byte{}, err
		}
	default:
		if reflect.TypeOf(arg1) != m.ArgType() {
			return []byte{}, NewExcuteError(exitcode.ErrSerialization, "argument of type %T does not match %s", arg1, m.ArgType())
		}
		args = append(args, reflect.ValueOf(arg1))
	}

	// invoke the method
	out := m.method.Call(args)

	// method returns unit
	// Note: we need to check for `IsNill()` here because Go doesnt work if you do `== nil` on the interface
	if len(out) == 0 || (out[0].Kind() != reflect.Struct && out[0].IsNil()) {
		return nil, nil
	}

	ret, encErr := EncodeValue(out[0].Interface())
	if encErr != nil {
		return []byte{}, NewExcuteError(exitcode.SysErrorIllegalActor, "failed to marshal response: %v", encErr)
	}
	return ret, nil
}

func (d *actorDispatcher) signature(methodID abi.MethodNum) (*methodSignature, *ExcuteError) {
	exports := d.actor.Exports()

	// get method entry
	methodIdx := (uint64)(methodID)
	if uint64(len(exports)) <= methodIdx {
		return nil, NewExcuteError(exitcode.SysErrInvalidMethod, "Method undefined. method: %d, code: %s", methodID, d.code)
	}
	entry := exports[methodIdx]
	if entry == nil {
		return nil, NewExcuteError(exitcode.SysErrInvalidMethod, "Method undefined. method: %d, code: %s", methodID, d.code)
	}

	ventry := reflect.ValueOf(entry)
	return &methodSignature{method: ventry}, nil
}

// Signature implements `Dispatcher`.
func (d *actorDispatcher) Signature(methodNum abi.MethodNum) (MethodSignature, *ExcuteError) {
	return d.signature(methodNum)
}

// EncodeValue encodes a parameter or return value. Nil encodes to nothing,
// bytes pass through, cbor-gen types encode themselves and anything else
// takes the generic encoder.
func EncodeValue(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case *abi.EmptyValue:
		return []byte{}, nil
	case cbg.CBORMarshaler:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil, nil
		}
		return encoding.Dump(t)
	default:
		return encoding.Encode(v)
	}
}

// ExcuteError error in vm excute
type ExcuteError struct {
	code exitcode.ExitCode
	msg  string
}

func NewExcuteError(code exitcode.ExitCode, msg string, args ...interface{}) *ExcuteError {
	return &ExcuteError{code: code, msg: fmt.Sprintf(msg, args...)}
}

func (err *ExcuteError) ExitCode() exitcode.ExitCode {
	return err.code
}

func (err *ExcuteError) Error() string {
	return err.msg
}
