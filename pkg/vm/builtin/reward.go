package builtin

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/vm/runtime"
)

// RewardActor pays block producers from the balance it was funded with at
// genesis plus the tips collected from messages.
type RewardActor struct{}

func (a RewardActor) Exports() []interface{} {
	return []interface{}{
		MethodConstructor: a.Constructor,
		2:                 a.AwardBlockReward,
		3:                 a.ThisEpochReward,
	}
}

func (RewardActor) Code() cid.Cid { return RewardActorCodeID }

func (RewardActor) IsSingleton() bool { return true }

func (RewardActor) Constructor(rt runtime.Runtime, _ *abi.EmptyValue) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)
	rt.StateCreate(ConstructRewardState())
	return nil
}

// AwardBlockRewardParams describes the payout for one block.
type AwardBlockRewardParams struct {
	Miner     address.Address
	Penalty   abi.TokenAmount // penalty burnt from the payout
	GasReward abi.TokenAmount // tips collected from the block's messages
	WinCount  int64
}

// AwardBlockReward pays the block reward for WinCount wins plus the gas
// reward to the miner. The penalty is burnt out of that payout.
func (RewardActor) AwardBlockReward(rt runtime.Runtime, params *AwardBlockRewardParams) *abi.EmptyValue {
	rt.ValidateImmediateCallerIs(SystemActorAddr)
	priorBalance := rt.CurrentBalance()
	if params.Penalty.LessThan(big.Zero()) {
		runtime.Abortf(exitcode.ErrIllegalArgument, "negative penalty %v", params.Penalty)
	}
	if params.GasReward.LessThan(big.Zero()) {
		runtime.Abortf(exitcode.ErrIllegalArgument, "negative gas reward %v", params.GasReward)
	}
	if priorBalance.LessThan(params.GasReward) {
		runtime.Abortf(exitcode.ErrIllegalState, "actor current balance %v insufficient to pay gas reward %v",
			priorBalance, params.GasReward)
	}
	if params.WinCount <= 0 {
		runtime.Abortf(exitcode.ErrIllegalArgument, "invalid win count %d", params.WinCount)
	}

	minerAddr, ok := rt.ResolveAddress(params.Miner)
	if !ok {
		// the miner may be an unseen key address, the transfer below creates it
		minerAddr = params.Miner
	}

	blockReward := big.Mul(big.NewInt(constants.BlockRewardAttoFIL), big.NewInt(params.WinCount))
	available := big.Sub(priorBalance, params.GasReward)
	blockReward = big.Min(blockReward, available)

	totalReward := big.Add(blockReward, params.GasReward)
	penalty := big.Min(params.Penalty, totalReward)
	payout := big.Sub(totalReward, penalty)

	var st RewardState
	rt.StateTransaction(&st, func() {
		if st.LastPaidEpoch != rt.CurrEpoch() {
			st.EpochReward = big.Zero()
			st.LastPaidEpoch = rt.CurrEpoch()
		}
		st.EpochReward = big.Add(st.EpochReward, blockReward)
		st.TotalMined = big.Add(st.TotalMined, blockReward)
		st.BlocksRewarded++
	})

	if !penalty.IsZero() {
		rt.Send(BurntFundsActorAddr, MethodSend, nil, penalty)
	}
	if payout.GreaterThan(big.Zero()) {
		rt.Send(minerAddr, MethodSend, nil, payout)
	}
	return nil
}

// ThisEpochRewardReturn reports the rewards paid in the last rewarded epoch.
type ThisEpochRewardReturn struct {
	Epoch       abi.ChainEpoch
	EpochReward abi.TokenAmount
	TotalMined  abi.TokenAmount
}

func (RewardActor) ThisEpochReward(rt runtime.Runtime, _ *abi.EmptyValue) *ThisEpochRewardReturn {
	rt.ValidateImmediateCallerAcceptAny()
	var st RewardState
	rt.StateReadonly(&st)
	return &ThisEpochRewardReturn{
		Epoch:       st.LastPaidEpoch,
		EpochReward: st.EpochReward,
		TotalMined:  st.TotalMined,
	}
}
