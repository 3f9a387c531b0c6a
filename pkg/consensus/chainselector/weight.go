package chainselector

// This is to implement Expected Consensus protocol
// See: https://github.com/filecoin-project/specs/blob/master/expected-consensus.md

import (
	"bytes"
	"errors"
	"math/big"

	fbig "github.com/filecoin-project/go-state-types/big"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/types"
)

// ErrUnorderedTipSets is returned when weight and tickets are the same
// between two distinct tipsets.
var ErrUnorderedTipSets = errors.New("trying to order two identical tipsets")

// Weight returns the EC weight of this TipSet as a filecoin big int.
//
//	w = ParentWeight + (P << 8) + (P * WRatioNum * sum(WinCount) << 8) / (ExpectedLeaders * WRatioDen)
//
// where P stands in for log2 of the network power.
func Weight(ts *types.TipSet) fbig.Int {
	log2P := constants.NetworkPowerLog2

	out := new(big.Int)
	if pw := ts.ParentWeight(); pw.Int != nil {
		out.Set(pw.Int)
	}
	out.Add(out, big.NewInt(log2P<<8))

	totalJ := int64(0)
	for _, b := range ts.Blocks() {
		if b.ElectionProof != nil {
			totalJ += b.ElectionProof.WinCount
		}
	}

	eWeight := big.NewInt(log2P * constants.WRatioNum)
	eWeight = eWeight.Lsh(eWeight, 8)
	eWeight = eWeight.Mul(eWeight, new(big.Int).SetInt64(totalJ))
	eWeight = eWeight.Div(eWeight, big.NewInt(int64(uint64(constants.ExpectedLeadersPerEpoch)*constants.WRatioDen)))

	out = out.Add(out, eWeight)
	return fbig.Int{Int: out}
}

// IsHeavier reports whether a should replace b as the head. Equal weights
// go to the tipset with the smaller minimum ticket digest, then to the
// smaller key bytes.
func IsHeavier(a, b *types.TipSet) (bool, error) {
	aw, bw := Weight(a), Weight(b)
	if c := fbig.Cmp(aw, bw); c != 0 {
		return c > 0, nil
	}
	return BreakWeightTie(a, b)
}

// BreakWeightTie orders two tipsets of equal weight.
func BreakWeightTie(a, b *types.TipSet) (bool, error) {
	if c := a.MinTicket().Compare(b.MinTicket()); c != 0 {
		return c < 0, nil
	}
	c := bytes.Compare(a.Key().Bytes(), b.Key().Bytes())
	if c == 0 {
		return false, ErrUnorderedTipSets
	}
	return c < 0, nil
}
