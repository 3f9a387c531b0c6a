package builtin

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

// AccountActor stands for a key address.
type AccountActor struct{}

func (a AccountActor) Exports() []interface{} {
	return []interface{}{
		MethodConstructor: a.Constructor,
		2:                 a.PubkeyAddress,
	}
}

func (AccountActor) Code() cid.Cid { return AccountActorCodeID }

func (AccountActor) IsSingleton() bool { return false }

func (AccountActor) Constructor(rt runtime.Runtime, addr *address.Address) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)
	switch addr.Protocol() {
	case address.SECP256K1, address.BLS:
	default:
		runtime.Abortf(exitcode.ErrIllegalArgument, "address must use BLS or SECP protocol, got %v", addr.Protocol())
	}
	rt.StateCreate(&AccountState{Address: *addr})
	return nil
}

// PubkeyAddress fetches the key address this account stands for.
func (AccountActor) PubkeyAddress(rt runtime.Runtime, _ *abi.EmptyValue) *address.Address {
	rt.ValidateImmediateCallerAcceptAny()
	var st AccountState
	rt.StateReadonly(&st)
	return &st.Address
}
