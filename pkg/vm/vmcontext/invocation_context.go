package vmcontext

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt"
	"github.com/filecoin-project/venus-core/pkg/encoding"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
	"github.com/filecoin-project/venus-core/pkg/vm/dispatch"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

// Context for a top-level invocation sequence.
type topLevelContext struct {
	originatorStableAddress address.Address // Stable (public key) address of the top-level message sender.
	originatorCallSeq       uint64          // Call sequence number of the top-level message.
	newActorAddressCount    uint64          // Count of calls To NewActorAddress (mutable).
}

// Context for an individual message invocation, including inter-actor sends.
type invocationContext struct {
	vm                *VM
	topLevel          *topLevelContext
	msg               VmMessage // The message being processed
	gasTank           *gas.GasTracker
	gasIpld           cbor.IpldStore
	depth             uint64
	isCallerValidated bool
	allowSideEffects  bool

	trace types.ExecutionTrace
}

func newInvocationContext(vm *VM, topLevel *topLevelContext, msg VmMessage, gasTank *gas.GasTracker, gasIpld cbor.IpldStore, depth uint64) *invocationContext {
	return &invocationContext{
		vm:                vm,
		topLevel:          topLevel,
		msg:               msg,
		gasTank:           gasTank,
		gasIpld:           gasIpld,
		depth:             depth,
		isCallerValidated: false,
		allowSideEffects:  true,
		trace: types.ExecutionTrace{
			Msg: &types.UnsignedMessage{
				From:   msg.From,
				To:     msg.To,
				Value:  msg.Value,
				Method: msg.Method,
				Params: msg.Params,
			},
		},
	}
}

var _ runtime.Runtime = (*invocationContext)(nil)

// invoke runs the message. Aborts propagate as panics up to the top level
// message so that a failure anywhere unwinds the whole call tree.
func (ctx *invocationContext) invoke() (ret []byte) {
	defer func() {
		if r := recover(); r != nil {
			if p, ok := r.(runtime.ExecutionPanic); ok {
				ctx.trace.Error = p.Error()
				ctx.trace.MsgRct = &types.MessageReceipt{ExitCode: p.Code(), Return: []byte{}}
			}
			panic(r)
		}
		ctx.trace.MsgRct = &types.MessageReceipt{ExitCode: exitcode.Ok, Return: ret}
	}()

	// pre-dispatch
	// 1. charge gas for message invocation
	// 2. load target actor
	// 3. transfer optional funds
	// 4. short-circuit _Send_ method
	// 5. load target actor code
	// 6. dispatch
	if ctx.depth > MaxCallDepth {
		runtime.Abortf(exitcode.SysErrForbidden, "message execution exceeds call depth")
	}

	// assert from address is an ID address.
	runtime.Assert(ctx.msg.From.Protocol() == address.ID)

	// 1. charge gas for msg
	ctx.gasTank.Charge(ctx.vm.pricelist.OnMethodInvocation(ctx.msg.Value, ctx.msg.Method), "method invocation")

	// 2. load target actor
	// Note: we replace the "To" address with the normalized version
	toActor, toIDAddr := ctx.resolveTarget(ctx.msg.To)
	ctx.msg.To = toIDAddr

	// 3. transfer funds carried by the msg
	if !ctx.msg.Value.NilOrZero() {
		ctx.vm.transfer(ctx.msg.From, toIDAddr, ctx.msg.Value)
	}

	// 4. if we are just sending funds, there is nothing else To do.
	if ctx.msg.Method == builtin.MethodSend {
		return nil
	}

	// 5. load target actor code
	actorImpl := ctx.vm.getActorImpl(toActor.Code)

	// 6. invoke method on actor
	ret, err := actorImpl.Dispatch(ctx.msg.Method, ctx, ctx.msg.Params)
	if err != nil {
		runtime.Abortf(err.ExitCode(), "%s", err.Error())
	}

	// post-dispatch
	// 1. check caller was validated
	if !ctx.isCallerValidated {
		runtime.Abortf(exitcode.SysErrorIllegalActor, "Caller MUST be validated during Method execution")
	}

	return ret
}

// resolveTarget loads and actor and returns its ActorID address.
//
// If the target actor does not exist, and the target address is a pub-key address,
// a new account actor will be created.
// Otherwise, this Method will abort execution.
func (ctx *invocationContext) resolveTarget(target address.Address) (*types.Actor, address.Address) {
	if idAddr, ok := ctx.vm.normalizeAddress(target); ok {
		act, found, err := ctx.vm.State.GetActor(ctx.vm.context, idAddr)
		if err != nil {
			panic(err)
		}
		if !found {
			runtime.Abortf(exitcode.SysErrInvalidReceiver, "actor at %s (%s) does not exist", target, idAddr)
		}
		return act, idAddr
	}

	// actor does not exist, create an account actor
	// - precond: address must be a pub-key
	// - sent init actor a msg To create the new account
	if target.Protocol() != address.SECP256K1 && target.Protocol() != address.BLS {
		// Don't implicitly create an account actor for an address without an associated key.
		runtime.Abortf(exitcode.SysErrInvalidReceiver, "cannot create account for address type: %d", target.Protocol())
	}

	targetIDAddr, err := ctx.vm.State.RegisterNewAddress(target)
	if err != nil {
		panic(xerrors.Errorf("failed to register address %s: %w", target, err))
	}
	ctx.CreateActor(builtin.AccountActorCodeID, targetIDAddr)

	// call constructor on account
	params, err := encoding.Dump(&target)
	if err != nil {
		panic(err)
	}
	newMsg := VmMessage{
		From:   builtin.SystemActorAddr,
		To:     targetIDAddr,
		Value:  big.Zero(),
		Method: builtin.MethodConstructor,
		Params: params,
	}
	newCtx := newInvocationContext(ctx.vm, ctx.topLevel, newMsg, ctx.gasTank, ctx.gasIpld, ctx.depth+1)
	defer func() {
		ctx.trace.Subcalls = append(ctx.trace.Subcalls, newCtx.trace)
	}()
	_ = newCtx.invoke()

	// load actor
	targetActor, found, err := ctx.vm.State.GetActor(ctx.vm.context, targetIDAddr)
	if err != nil {
		panic(err)
	}
	if !found {
		panic(fmt.Errorf("unreachable: actor is supposed To exist but it does not. addr: %s, idAddr: %s", target, targetIDAddr))
	}
	return targetActor, targetIDAddr
}

// rootTrace finishes the trace of a top level invocation.
func (ctx *invocationContext) rootTrace(msg *types.UnsignedMessage, receipt *types.MessageReceipt) types.ExecutionTrace {
	trace := ctx.trace
	trace.Msg = msg
	trace.MsgRct = receipt
	trace.GasCharges = ctx.gasTank.Charges
	return trace
}

func (ctx *invocationContext) receiverActor() *types.Actor {
	act, found, err := ctx.vm.State.GetActor(ctx.vm.context, ctx.msg.To)
	if err != nil {
		panic(err)
	}
	if !found {
		runtime.Abortf(exitcode.SysErrorIllegalActor, "receiver %s does not exist", ctx.msg.To)
	}
	return act
}

func (ctx *invocationContext) setReceiverHead(head cid.Cid) {
	if err := ctx.vm.State.MutateActor(ctx.msg.To, func(act *types.Actor) error {
		act.Head = head
		return nil
	}); err != nil {
		panic(err)
	}
}

//
// implement runtime.Runtime for invocationContext
//

func (ctx *invocationContext) CurrEpoch() abi.ChainEpoch {
	return ctx.vm.currentEpoch
}

func (ctx *invocationContext) NetworkName() string {
	act, found, err := ctx.vm.State.GetActor(ctx.vm.context, builtin.InitActorAddr)
	if err != nil {
		panic(err)
	}
	if !found {
		return ""
	}
	var st builtin.InitState
	if err := ctx.vm.store.Get(ctx.vm.context, act.Head, &st); err != nil {
		panic(err)
	}
	return st.NetworkName
}

func (ctx *invocationContext) Caller() address.Address {
	return ctx.msg.From
}

func (ctx *invocationContext) Receiver() address.Address {
	return ctx.msg.To
}

func (ctx *invocationContext) ValueReceived() abi.TokenAmount {
	if ctx.msg.Value.Nil() {
		return big.Zero()
	}
	return ctx.msg.Value
}

func (ctx *invocationContext) CurrentBalance() abi.TokenAmount {
	return ctx.receiverActor().Balance
}

func (ctx *invocationContext) validateCaller() {
	if ctx.isCallerValidated {
		runtime.Abortf(exitcode.SysErrorIllegalActor, "Method must validate caller identity exactly once")
	}
	ctx.isCallerValidated = true
}

func (ctx *invocationContext) ValidateImmediateCallerAcceptAny() {
	ctx.validateCaller()
}

func (ctx *invocationContext) ValidateImmediateCallerIs(addrs ...address.Address) {
	ctx.validateCaller()
	for _, expected := range addrs {
		if ctx.msg.From == expected {
			return
		}
	}
	runtime.Abortf(exitcode.SysErrForbidden, "caller %s is not one of %s", ctx.msg.From, addrs)
}

func (ctx *invocationContext) ValidateImmediateCallerType(codes ...cid.Cid) {
	ctx.validateCaller()
	code, ok := ctx.GetActorCodeCID(ctx.msg.From)
	if !ok {
		runtime.Abortf(exitcode.SysErrForbidden, "caller %s has no code", ctx.msg.From)
	}
	for _, expected := range codes {
		if code.Equals(expected) {
			return
		}
	}
	runtime.Abortf(exitcode.SysErrForbidden, "caller type %s is not one of %s", builtin.ActorNameByCode(code), codes)
}

func (ctx *invocationContext) ResolveAddress(addr address.Address) (address.Address, bool) {
	return ctx.vm.normalizeAddress(addr)
}

func (ctx *invocationContext) GetActorCodeCID(addr address.Address) (cid.Cid, bool) {
	act, found, err := ctx.vm.State.GetActor(ctx.vm.context, addr)
	if err != nil {
		panic(err)
	}
	if !found {
		return cid.Undef, false
	}
	return act.Code, true
}

// Send invokes another actor within the current message.
func (ctx *invocationContext) Send(to address.Address, method abi.MethodNum, params interface{}, value abi.TokenAmount) []byte {
	// check if side-effects are allowed
	if !ctx.allowSideEffects {
		runtime.Abortf(exitcode.SysErrorIllegalActor, "Calling Send() is not allowed during side-effect lock")
	}

	encoded, err := dispatch.EncodeValue(params)
	if err != nil {
		runtime.Abortf(exitcode.ErrSerialization, "failed To encode send params: %v", err)
	}

	// 1. build internal message
	newMsg := VmMessage{
		From:   ctx.msg.To,
		To:     to,
		Value:  value,
		Method: method,
		Params: encoded,
	}

	// 2. build new context
	newCtx := newInvocationContext(ctx.vm, ctx.topLevel, newMsg, ctx.gasTank, ctx.gasIpld, ctx.depth+1)
	defer func() {
		ctx.trace.Subcalls = append(ctx.trace.Subcalls, newCtx.trace)
	}()

	// 3. invoke
	return newCtx.invoke()
}

// NewActorAddress derives a robust address from the origin message and the
// number of actors created by it so far.
func (ctx *invocationContext) NewActorAddress() address.Address {
	buf := new(bytes.Buffer)
	origin := ctx.topLevel.originatorStableAddress
	if _, err := buf.Write(origin.Bytes()); err != nil {
		panic(err)
	}
	if err := binary.Write(buf, binary.BigEndian, ctx.topLevel.originatorCallSeq); err != nil {
		panic(err)
	}
	if err := binary.Write(buf, binary.BigEndian, ctx.topLevel.newActorAddressCount); err != nil {
		panic(err)
	}
	ctx.topLevel.newActorAddressCount++

	addr, err := address.NewActorAddress(buf.Bytes())
	if err != nil {
		panic(err)
	}
	return addr
}

// CreateActor installs an empty actor of code at addr.
func (ctx *invocationContext) CreateActor(code cid.Cid, addr address.Address) {
	if !builtin.IsBuiltinActor(code) {
		runtime.Abortf(exitcode.SysErrorIllegalArgument, "Can only create built-in actors.")
	}
	if addr.Protocol() != address.ID {
		runtime.Abortf(exitcode.SysErrorIllegalArgument, "actors are created at id addresses, got %s", addr)
	}

	_, found, err := ctx.vm.State.GetActor(ctx.vm.context, addr)
	if err != nil {
		panic(err)
	}
	if found {
		runtime.Abortf(exitcode.SysErrorIllegalArgument, "Actor address already exists")
	}

	ctx.gasTank.Charge(ctx.vm.pricelist.OnCreateActor(), "CreateActor code %s, address %s", code, addr)

	newActor := &types.Actor{
		Code:    code,
		Head:    builtin.EmptyObjectCid,
		Nonce:   0,
		Balance: big.Zero(),
	}
	if err := ctx.vm.State.SetActor(ctx.vm.context, addr, newActor); err != nil {
		panic(err)
	}
}

// DeleteActor deletes the executing actor from the state tree, transferring any balance to beneficiary.
func (ctx *invocationContext) DeleteActor(beneficiary address.Address) {
	receiver := ctx.msg.To
	receiverActor := ctx.receiverActor()

	ctx.gasTank.Charge(ctx.vm.pricelist.OnDeleteActor(), "DeleteActor %s", receiver)

	if !receiverActor.Balance.IsZero() {
		beneficiaryID, ok := ctx.vm.normalizeAddress(beneficiary)
		if !ok {
			runtime.Abortf(exitcode.SysErrorIllegalArgument, "beneficiary doesn't exist")
		}
		if beneficiaryID == receiver {
			runtime.Abortf(exitcode.SysErrorIllegalArgument, "benefactor cannot be beneficiary")
		}
		ctx.vm.transfer(receiver, beneficiaryID, receiverActor.Balance)
	}

	if err := ctx.vm.State.DeleteActor(ctx.vm.context, receiver); err != nil {
		panic(xerrors.Errorf("failed To delete actor: %w", err))
	}
}

func (ctx *invocationContext) StateCreate(obj cbg.CBORMarshaler) {
	act := ctx.receiverActor()
	if !act.Head.Equals(builtin.EmptyObjectCid) {
		runtime.Abortf(exitcode.SysErrorIllegalActor, "failed To construct actor stateView: already initialized")
	}
	ctx.setReceiverHead(ctx.StorePut(obj))
}

func (ctx *invocationContext) StateReadonly(obj cbg.CBORUnmarshaler) {
	act := ctx.receiverActor()
	if !ctx.StoreGet(act.Head, obj) {
		runtime.Abortf(exitcode.ErrIllegalState, "failed To get actor for Readonly stateView")
	}
}

// StateTransaction loads the receiver's state into obj, runs f and stores
// the result. f may not send messages.
func (ctx *invocationContext) StateTransaction(obj runtime.CBORer, f func()) {
	ctx.StateReadonly(obj)

	ctx.allowSideEffects = false
	f()
	ctx.allowSideEffects = true

	ctx.setReceiverHead(ctx.StorePut(obj))
}

func (ctx *invocationContext) StoreGet(c cid.Cid, o cbg.CBORUnmarshaler) bool {
	if err := ctx.gasIpld.Get(ctx.vm.context, c, o); err != nil {
		if xerrors.Is(err, blockstore.ErrNotFound) {
			return false
		}
		runtime.Abortf(exitcode.ErrSerialization, "failed To load object %s: %v", c, err)
	}
	return true
}

func (ctx *invocationContext) StorePut(x cbg.CBORMarshaler) cid.Cid {
	c, err := ctx.gasIpld.Put(ctx.vm.context, x)
	if err != nil {
		runtime.Abortf(exitcode.ErrSerialization, "failed To put object: %v", err)
	}
	return c
}

func (ctx *invocationContext) Store() adt.Store {
	return adt.WrapStore(ctx.vm.context, ctx.gasIpld)
}

func (ctx *invocationContext) ChargeGas(name string, compute int64) {
	ctx.gasTank.Charge(gas.NewGasCharge(name, compute, 0), "actor charge %s", name)
}

func (ctx *invocationContext) Log(level runtime.LogLevel, msg string, args ...interface{}) {
	switch level {
	case runtime.DEBUG:
		actorLog.Debugf(msg, args...)
	case runtime.INFO:
		actorLog.Infof(msg, args...)
	case runtime.WARN:
		actorLog.Warnf(msg, args...)
	case runtime.ERROR:
		actorLog.Errorf(msg, args...)
	}
}
