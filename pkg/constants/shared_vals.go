package constants

import (
	"math/big"

	"github.com/filecoin-project/go-address"
)

// constants for Weight calculation
// The ratio of weight contributed by short-term vs long-term factors in a given round
const (
	WRatioNum = int64(1)
	WRatioDen = uint64(2)
)

// NetworkPowerLog2 stands in for log2 of the total network power in the
// weight function. Storage power accounting is not modelled, so the value is fixed.
const NetworkPowerLog2 = int64(40)

const (
	FilecoinPrecision = uint64(1_000_000_000_000_000_000)
)

// InitialRewardBalance funds the reward actor at genesis.
var InitialRewardBalance = WholeFIL(1_100_000_000)

// TotalFilecoin caps message values.
var TotalFilecoin = WholeFIL(2_000_000_000)

func SetAddressNetwork(n address.Network) {
	address.CurrentNetwork = n
}

// Epochs
const (
	Finality            = 900
	ForkLengthThreshold = Finality
)

func WholeFIL(whole uint64) *big.Int {
	bigWhole := big.NewInt(int64(whole))
	return bigWhole.Mul(bigWhole, big.NewInt(int64(FilecoinPrecision)))
}
