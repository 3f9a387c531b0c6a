package constants

// ExpectedLeadersPerEpoch is the target number of blocks per epoch.
const ExpectedLeadersPerEpoch = 5

var MaxWinCount = 3 * int64(ExpectedLeadersPerEpoch)

// ///////
// Limits

// BlockMessageLimit bounds the messages a single block may include.
const BlockMessageLimit = 10000

// TipSetBlockLimit bounds the blocks a tipset may hold.
const TipSetBlockLimit = 3 * ExpectedLeadersPerEpoch

const BlockGasLimit = 10_000_000_000
const BlockGasTarget = BlockGasLimit / 2
const BaseFeeMaxChangeDenom = 8 // 12.5%
const InitialBaseFee = 100e6
const MinimumBaseFee = 100
const PackingEfficiencyNum = 4
const PackingEfficiencyDenom = 5

// ImplicitMessageGasLimit is the gas budget of reward and cron messages.
const ImplicitMessageGasLimit = BlockGasLimit * 10000

// Time

const BlockDelaySecs = uint64(30)
const AllowableClockDriftSecs = uint64(1)

// Rewards

// BlockRewardAttoFIL is paid per unit of win count to the block's miner.
const BlockRewardAttoFIL = int64(5_000_000_000_000_000_000)
