package vmcontext

import (
	"context"
	"fmt"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/adt"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
	"github.com/filecoin-project/venus-core/pkg/vm/dispatch"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

const MaxCallDepth = 4096

var (
	vmlog    = logging.Logger("vm.context")
	actorLog = logging.Logger("vm.actors")
)

// VM holds the stateView and executes messages over the stateView.
type VM struct {
	context    context.Context
	actorImpls ActorImplLookup
	bsstore    blockstoreutil.Blockstore
	store      cbor.IpldStore

	currentEpoch abi.ChainEpoch
	pricelist    gas.Pricelist

	vmOption VmOption

	State tree.Tree
}

// ActorImplLookup provides access To upgradeable actor code.
type ActorImplLookup interface {
	GetActorImpl(code cid.Cid) (dispatch.Dispatcher, error)
}

var _ Interface = (*VM)(nil)

// NewVM creates a new runtime for executing messages on top of the state
// rooted at vmOption.PRoot. An undefined root starts from an empty tree.
func NewVM(ctx context.Context, vmOption VmOption) (*VM, error) {
	cst := cbor.NewCborStore(vmOption.Bsstore)
	var st *tree.State
	var err error
	if vmOption.PRoot == cid.Undef {
		// just for chain gen
		st = tree.NewState(cst)
	} else {
		st, err = tree.LoadState(ctx, cst, vmOption.PRoot)
		if err != nil {
			return nil, err
		}
	}

	if vmOption.ActorCodeLoader == nil {
		return nil, xerrors.New("vm requires an actor code loader")
	}
	if vmOption.BaseFee.Nil() {
		vmOption.BaseFee = big.Zero()
	}

	return &VM{
		context:      ctx,
		actorImpls:   vmOption.ActorCodeLoader,
		bsstore:      vmOption.Bsstore,
		store:        cst,
		State:        st,
		vmOption:     vmOption,
		pricelist:    gas.NewPricelist(),
		currentEpoch: vmOption.Epoch,
	}, nil
}

// ContextStore provides access to the persistent collections of the state.
func (vm *VM) ContextStore() adt.Store {
	return adt.WrapStore(vm.context, vm.store)
}

func (vm *VM) StateTree() tree.Tree {
	return vm.State
}

// CurrentEpoch is the epoch messages are executed at.
func (vm *VM) CurrentEpoch() abi.ChainEpoch {
	return vm.currentEpoch
}

func (vm *VM) normalizeAddress(addr address.Address) (address.Address, bool) {
	// short-circuit if the address is already an ID address
	if addr.Protocol() == address.ID {
		return addr, true
	}

	idAddr, err := vm.State.LookupID(addr)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return address.Undef, false
		}
		panic(xerrors.Errorf("failed to resolve address %s: %w", addr, err))
	}
	return idAddr, true
}

// ApplyGenesisMessage forces the execution of a message in the vm actor.
//
// This Method is intended To be used in the generation of the genesis block only.
func (vm *VM) ApplyGenesisMessage(from address.Address, to address.Address, method abi.MethodNum, value abi.TokenAmount, params interface{}) (*Ret, error) {
	encoded, err := dispatch.EncodeValue(params)
	if err != nil {
		return nil, xerrors.Errorf("failed to encode genesis params: %w", err)
	}

	msg := &types.UnsignedMessage{
		From:   from,
		To:     to,
		Value:  value,
		Method: method,
		Params: encoded,
	}
	ret, err := vm.applyImplicitMessage(msg)
	if err != nil {
		return ret, err
	}
	if ret.Receipt.ExitCode != exitcode.Ok {
		return ret, xerrors.Errorf("genesis message to %s method %d failed: %w", to, method, ret.ActorErr)
	}

	// commit
	if _, err := vm.Flush(vm.context); err != nil {
		return nil, err
	}
	return ret, nil
}

// ApplyImplicitMessage runs a message generated by the node itself, such as
// the block reward or the cron tick. Changes are reverted when it exits
// with a non zero code. The error is reserved for failures of the node.
func (vm *VM) ApplyImplicitMessage(ctx context.Context, msg types.ChainMsg) (*Ret, error) {
	return vm.applyImplicitMessage(msg.VMMessage())
}

// applyImplicitMessage applies messages automatically generated by the vm itself.
//
// This messages do not consume client gas.
func (vm *VM) applyImplicitMessage(msg *types.UnsignedMessage) (*Ret, error) {
	start := time.Now()
	// implicit messages gas is tracked separatly and not paid by the miner
	gasTank := gas.NewGasTracker(constants.ImplicitMessageGasLimit)
	gasTank.Tracing = vm.vmOption.Tracing

	// 1. load From actor
	from, ok := vm.normalizeAddress(msg.From)
	if !ok {
		return nil, fmt.Errorf("implicit message `From` field actor not found, addr: %s", msg.From)
	}
	fromActor, found, err := vm.State.GetActor(vm.context, from)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("implicit message `From` field actor not found, addr: %s", msg.From)
	}

	// 2. build context
	topLevel := topLevelContext{
		originatorStableAddress: msg.From,
		originatorCallSeq:       fromActor.Nonce, // Implied Nonce is that of the actor before incrementing.
		newActorAddressCount:    0,
	}
	imsg := VmMessage{
		From:   from,
		To:     msg.To,
		Value:  msg.Value,
		Method: msg.Method,
		Params: msg.Params,
	}

	if err := vm.snapshot(); err != nil {
		return nil, err
	}
	defer vm.clearSnapshot()

	// 3. invoke message
	ictx := newInvocationContext(vm, &topLevel, imsg, gasTank, vm.gasChargeStore(gasTank), 0)
	ret, code, actorErr, err := vm.invokeTopLevel(ictx)
	if err != nil {
		return nil, xerrors.Errorf("implicit message from %s to %s method %d: %w", msg.From, msg.To, msg.Method, err)
	}
	if code != exitcode.Ok {
		vmlog.Warnw("implicit message failed", "from", msg.From, "to", msg.To, "method", msg.Method, "code", code, "error", actorErr)
		if err := vm.revert(); err != nil {
			return nil, err
		}
		ret = []byte{}
	}

	receipt := types.MessageReceipt{
		ExitCode: code,
		Return:   ret,
		GasUsed:  0,
	}
	return &Ret{
		GasTracker:     gasTank,
		OutPuts:        gas.ZeroGasOutputs(),
		Receipt:        receipt,
		ActorErr:       actorErr,
		Duration:       time.Since(start),
		ExecutionTrace: ictx.rootTrace(msg, &receipt),
	}, nil
}

// ApplyMessage applies a user message to the current state.
func (vm *VM) ApplyMessage(ctx context.Context, msg types.ChainMsg) (*Ret, error) {
	start := time.Now()
	ret, err := vm.applyMessage(msg.VMMessage(), msg.ChainLength())
	if ret != nil {
		ret.Duration = time.Since(start)
	}
	return ret, err
}

func (vm *VM) preExecutionFailure(gasTank *gas.GasTracker, msg *types.UnsignedMessage, code exitcode.ExitCode, penalty abi.TokenAmount, format string, args ...interface{}) *Ret {
	gasOutputs := gas.ZeroGasOutputs()
	gasOutputs.MinerPenalty = penalty
	receipt := Failure(code, 0)
	actorErr := xerrors.Errorf(format, args...)
	return &Ret{
		GasTracker: gasTank,
		OutPuts:    gasOutputs,
		Receipt:    receipt,
		ActorErr:   actorErr,
		ExecutionTrace: types.ExecutionTrace{
			Msg:    msg,
			MsgRct: &receipt,
			Error:  actorErr.Error(),
		},
	}
}

// applyMessage applies the message To the current stateView.
func (vm *VM) applyMessage(msg *types.UnsignedMessage, onChainMsgSize int) (*Ret, error) {
	// This Method does not actually execute the message itself,
	// but rather deals with the pre/post processing of a message.
	// (see: `invocationContext.invoke()` for the dispatch and execution)
	// initiate gas tracking
	gasTank := gas.NewGasTracker(msg.GasLimit)
	gasTank.Tracing = vm.vmOption.Tracing
	// pre-send
	// 1. charge for message existence
	// 2. load sender actor
	// 3. check message seq number
	// 4. check sender gas fee is enough
	// 5. increment message seq number
	// 6. withheld maximum gas From _sender_
	// 7. snapshot stateView

	// 1. charge for bytes used in chain
	msgGasCost := vm.pricelist.OnChainMessage(onChainMsgSize)
	ok := gasTank.TryCharge(msgGasCost)
	if !ok {
		// Invalid message; insufficient gas limit To pay for the on-chain message size.
		// Note: the miner needs To pay the full msg cost, not what might have been partially consumed
		return vm.preExecutionFailure(gasTank, msg, exitcode.SysErrOutOfGas,
			big.Mul(vm.vmOption.BaseFee, big.NewInt(msgGasCost.Total())),
			"gas limit %d below on chain message cost %d", msg.GasLimit, msgGasCost.Total()), nil
	}

	minerPenaltyAmount := big.Mul(vm.vmOption.BaseFee, big.NewInt(msg.GasLimit))

	// 2. load sender actor and check send whether to be an account
	fromActor, found, err := vm.State.GetActor(vm.context, msg.From)
	if err != nil {
		return nil, err
	}
	if !found {
		// Execution error; sender does not exist at time of message execution.
		return vm.preExecutionFailure(gasTank, msg, exitcode.SysErrSenderInvalid, minerPenaltyAmount,
			"sender %s not found", msg.From), nil
	}

	if !builtin.IsAccountActor(fromActor.Code) {
		// Execution error; sender is not an account.
		return vm.preExecutionFailure(gasTank, msg, exitcode.SysErrSenderInvalid, minerPenaltyAmount,
			"sender %s is not an account actor", msg.From), nil
	}

	// 3. make sure this is the right message order for fromActor
	if msg.Nonce != fromActor.Nonce {
		// Execution error; invalid seq number.
		return vm.preExecutionFailure(gasTank, msg, exitcode.SysErrSenderStateInvalid, minerPenaltyAmount,
			"actor nonce invalid: msg:%d != state:%d", msg.Nonce, fromActor.Nonce), nil
	}

	// 4. Check sender can cover the maximum fee and the value
	gasLimitCost := big.Mul(big.NewIntUnsigned(uint64(msg.GasLimit)), msg.GasFeeCap)
	if fromActor.Balance.LessThan(big.Add(gasLimitCost, msg.Value)) {
		// Execution error; sender does not have sufficient funds To pay for the gas limit.
		return vm.preExecutionFailure(gasTank, msg, exitcode.SysErrInsufficientFunds, minerPenaltyAmount,
			"actor balance less than needed: %s < %s", fromActor.Balance, big.Add(gasLimitCost, msg.Value)), nil
	}

	gasHolder := &types.Actor{Balance: big.NewInt(0)}
	if err := vm.transferToGasHolder(msg.From, gasHolder, gasLimitCost); err != nil {
		return nil, fmt.Errorf("failed To withdraw gas funds: %w", err)
	}

	// 5. increment sender Nonce
	if err = vm.State.MutateActor(msg.From, func(msgFromActor *types.Actor) error {
		msgFromActor.IncrementSeqNum()
		return nil
	}); err != nil {
		return nil, err
	}

	// 7. snapshot stateView
	// Even if the message fails, the following accumulated changes will be applied:
	// - CallSeqNumber increment
	// - sender balance withheld
	if err := vm.snapshot(); err != nil {
		return nil, err
	}

	// send
	// 1. build internal message
	// 2. build invocation context
	// 3. process the msg
	fromID, _ := vm.normalizeAddress(msg.From)
	topLevel := topLevelContext{
		originatorStableAddress: msg.From,
		originatorCallSeq:       msg.Nonce,
		newActorAddressCount:    0,
	}

	// 1. build internal msg
	imsg := VmMessage{
		From:   fromID,
		To:     msg.To,
		Value:  msg.Value,
		Method: msg.Method,
		Params: msg.Params,
	}

	// 2. build invocation context
	ictx := newInvocationContext(vm, &topLevel, imsg, gasTank, vm.gasChargeStore(gasTank), 0)

	// 3. invoke
	ret, code, actorErr, err := vm.invokeTopLevel(ictx)
	if err != nil {
		vm.clearSnapshot()
		return nil, err
	}
	// post-send
	// 1. charge gas for putting the return Value on the chain
	// 2. settle gas money around (unused_gas -> sender)
	// 3. success!

	// 1. charge for the space used by the return Value
	if code == exitcode.Ok {
		ok = gasTank.TryCharge(vm.pricelist.OnChainReturnValue(len(ret)))
		if !ok {
			// Insufficient gas remaining To cover the on-chain return Value; proceed as in the case
			// of Method execution failure.
			code = exitcode.SysErrOutOfGas
			actorErr = xerrors.Errorf("not enough gas to store return value of %d bytes", len(ret))
		}
	}

	// Roll back all stateView if the receipt's exit code is not ok.
	// Nested calls share this single rollback scope.
	if code != exitcode.Ok {
		ret = []byte{}
		if err := vm.revert(); err != nil {
			return nil, err
		}
	}
	vm.clearSnapshot()

	// 2. settle gas money around (unused_gas -> sender)
	gasUsed := gasTank.GasUsed
	if gasUsed < 0 {
		gasUsed = 0
	}

	gasOutputs := gas.ComputeGasOutputs(gasUsed, msg.GasLimit, vm.vmOption.BaseFee, msg.GasFeeCap, msg.GasPremium, true)

	if err := vm.transferFromGasHolder(builtin.BurntFundsActorAddr, gasHolder, gasOutputs.BaseFeeBurn); err != nil {
		return nil, fmt.Errorf("failed To burn base fee: %w", err)
	}

	if err := vm.transferFromGasHolder(builtin.RewardActorAddr, gasHolder, gasOutputs.MinerTip); err != nil {
		return nil, fmt.Errorf("failed To give miner gas reward: %w", err)
	}

	if err := vm.transferFromGasHolder(builtin.BurntFundsActorAddr, gasHolder, gasOutputs.OverEstimationBurn); err != nil {
		return nil, fmt.Errorf("failed To burn overestimation fee: %w", err)
	}

	// refund unused gas
	if err := vm.transferFromGasHolder(msg.From, gasHolder, gasOutputs.Refund); err != nil {
		return nil, fmt.Errorf("failed To refund gas: %w", err)
	}

	if big.Cmp(big.NewInt(0), gasHolder.Balance) != 0 {
		return nil, fmt.Errorf("gas handling math is wrong")
	}

	// 3. Success!
	receipt := types.MessageReceipt{
		ExitCode: code,
		Return:   ret,
		GasUsed:  gasUsed,
	}
	return &Ret{
		GasTracker:     gasTank,
		OutPuts:        gasOutputs,
		Receipt:        receipt,
		ActorErr:       actorErr,
		ExecutionTrace: ictx.rootTrace(msg, &receipt),
	}, nil
}

// invokeTopLevel is the only place actor aborts are recovered. Any other
// panic is a failure of the node, not of the message.
func (vm *VM) invokeTopLevel(ictx *invocationContext) (ret []byte, code exitcode.ExitCode, actorErr error, err error) {
	defer func() {
		if r := recover(); r != nil {
			if p, ok := r.(runtime.ExecutionPanic); ok {
				ret, code, actorErr = nil, p.Code(), p
				return
			}
			vmlog.Errorf("vm execution panicked: %v", r)
			if e, ok := r.(error); ok {
				err = xerrors.Errorf("vm execution failed: %w", e)
			} else {
				err = xerrors.Errorf("vm execution panicked: %v", r)
			}
		}
	}()
	return ictx.invoke(), exitcode.Ok, nil, nil
}

func (vm *VM) gasChargeStore(gasTank *gas.GasTracker) cbor.IpldStore {
	return cbor.NewCborStore(&GasChargeBlockStore{
		Blockstore: vm.bsstore,
		pricelist:  vm.pricelist,
		gasTank:    gasTank,
	})
}

// transfer debits money From one account and credits it To another.
// avoid calling this Method with a zero amount else it will perform unnecessary actor loading.
//
// WARNING: this Method will panic if the the amount is negative, accounts dont exist, or have inssuficient funds.
func (vm *VM) transfer(from address.Address, to address.Address, amount abi.TokenAmount) {
	if amount.LessThan(big.Zero()) {
		runtime.Abortf(exitcode.SysErrForbidden, "attempt To transfer negative Value %s From %s To %s", amount, from, to)
	}

	fromID, err := vm.State.LookupID(from)
	if err != nil {
		panic(fmt.Errorf("transfer failed when resolving sender address: %s", err))
	}

	// retrieve sender account
	fromActor, found, err := vm.State.GetActor(vm.context, fromID)
	if err != nil {
		panic(err)
	}
	if !found {
		panic(fmt.Errorf("unreachable: sender account %s not found", from))
	}

	// check that account has enough balance for transfer
	if fromActor.Balance.LessThan(amount) {
		runtime.Abortf(exitcode.SysErrInsufficientFunds, "sender %s insufficient balance %s To transfer %s To %s", from, fromActor.Balance, amount, to)
	}

	toID, err := vm.State.LookupID(to)
	if err != nil {
		panic(fmt.Errorf("transfer failed when resolving receiver address: %s", err))
	}

	if fromID == toID || amount.IsZero() {
		return
	}

	// retrieve receiver account
	toActor, found, err := vm.State.GetActor(vm.context, toID)
	if err != nil {
		panic(err)
	}
	if !found {
		panic(fmt.Errorf("unreachable: credit account %s not found", to))
	}

	// deduct funds
	fromActor.Balance = big.Sub(fromActor.Balance, amount)
	if err := vm.State.SetActor(vm.context, fromID, fromActor); err != nil {
		panic(err)
	}

	// deposit funds
	toActor.Balance = big.Add(toActor.Balance, amount)
	if err := vm.State.SetActor(vm.context, toID, toActor); err != nil {
		panic(err)
	}
}

func (vm *VM) getActorImpl(code cid.Cid) dispatch.Dispatcher {
	actorImpl, err := vm.actorImpls.GetActorImpl(code)
	if err != nil {
		runtime.Abortf(exitcode.SysErrInvalidReceiver, "no code for actor: %v", err)
	}
	return actorImpl
}

func (vm *VM) transferToGasHolder(addr address.Address, gasHolder *types.Actor, amt abi.TokenAmount) error {
	if amt.LessThan(big.NewInt(0)) {
		return fmt.Errorf("attempted To transfer negative Value To gas holder")
	}
	return vm.State.MutateActor(addr, func(a *types.Actor) error {
		if err := deductFunds(a, amt); err != nil {
			return err
		}
		depositFunds(gasHolder, amt)
		return nil
	})
}

func (vm *VM) transferFromGasHolder(addr address.Address, gasHolder *types.Actor, amt abi.TokenAmount) error {
	if amt.LessThan(big.NewInt(0)) {
		return fmt.Errorf("attempted To transfer negative Value From gas holder")
	}

	if amt.Equals(big.NewInt(0)) {
		return nil
	}

	return vm.State.MutateActor(addr, func(a *types.Actor) error {
		if err := deductFunds(gasHolder, amt); err != nil {
			return err
		}
		depositFunds(a, amt)
		return nil
	})
}

func deductFunds(act *types.Actor, amt abi.TokenAmount) error {
	if act.Balance.LessThan(amt) {
		return fmt.Errorf("not enough funds")
	}

	act.Balance = big.Sub(act.Balance, amt)
	return nil
}

func depositFunds(act *types.Actor, amt abi.TokenAmount) {
	act.Balance = big.Add(act.Balance, amt)
}

type VmMessage struct { //nolint
	From   address.Address
	To     address.Address
	Value  abi.TokenAmount
	Method abi.MethodNum
	Params []byte
}

func (vm *VM) revert() error {
	return vm.State.Revert()
}

func (vm *VM) snapshot() error {
	return vm.State.Snapshot(vm.context)
}

func (vm *VM) clearSnapshot() {
	vm.State.ClearSnapshot()
}

// Flush writes the state tree and returns its root.
func (vm *VM) Flush(ctx context.Context) (tree.Root, error) {
	return vm.State.Flush(ctx)
}
