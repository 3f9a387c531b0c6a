package vmcontext

import (
	"context"
	"fmt"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/types"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
	"github.com/filecoin-project/venus-core/pkg/vm/dispatch"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
)

// ExecCallBack is invoked after every applied message, implicit ones included.
type ExecCallBack func(cid.Cid, *types.UnsignedMessage, *Ret) error

type VmOption struct { //nolint
	BaseFee         abi.TokenAmount
	ActorCodeLoader *dispatch.CodeLoader
	Epoch           abi.ChainEpoch
	PRoot           cid.Cid
	Bsstore         blockstoreutil.Blockstore
	Tracing         bool
}

type Ret struct {
	GasTracker     *gas.GasTracker
	OutPuts        gas.GasOutputs
	Receipt        types.MessageReceipt
	ActorErr       error
	Duration       time.Duration
	ExecutionTrace types.ExecutionTrace
}

// Failure returns with a non-zero exit code.
func Failure(exitCode exitcode.ExitCode, gasAmount int64) types.MessageReceipt {
	return types.Failure(exitCode, gasAmount)
}

// Interface is the interpreter as seen by the tipset processor.
type Interface interface {
	ApplyMessage(ctx context.Context, cmsg types.ChainMsg) (*Ret, error)
	ApplyImplicitMessage(ctx context.Context, msg types.ChainMsg) (*Ret, error)
	Flush(ctx context.Context) (cid.Cid, error)
	StateTree() tree.Tree
}

// ResolveToKeyAddr returns the key address an account stands for.
func ResolveToKeyAddr(ctx context.Context, state tree.Tree, addr address.Address) (address.Address, error) {
	if addr.Protocol() == address.BLS || addr.Protocol() == address.SECP256K1 {
		return addr, nil
	}

	act, found, err := state.GetActor(ctx, addr)
	if err != nil {
		return address.Undef, errors.Wrapf(err, "failed to find actor: %s", addr)
	}
	if !found {
		return address.Undef, fmt.Errorf("actor not found %s", addr)
	}
	if !builtin.IsAccountActor(act.Code) {
		return address.Undef, fmt.Errorf("actor %s is not an account (code %s)", addr, builtin.ActorNameByCode(act.Code))
	}

	var aast builtin.AccountState
	if err := state.GetStore().Get(ctx, act.Head, &aast); err != nil {
		return address.Undef, fmt.Errorf("failed to get account actor state for %s: %w", addr, err)
	}
	return aast.Address, nil
}
