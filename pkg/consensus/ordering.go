package consensus

import (
	"errors"
	"sort"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/types"
)

// ExecMessage is a message of a tipset in execution order.
type ExecMessage struct {
	Msg *types.SignedMessage
	// Block is the index, in canonical block order, of the first block
	// that included the message. Its miner collects the tip.
	Block int
	// Skipped is set on a later inclusion of a message already executed,
	// either the same cid or the same sender and nonce.
	Skipped bool
}

type senderNonce struct {
	from  address.Address
	nonce uint64
}

// SenderResolver maps a sender to its ID address in the parent state.
type SenderResolver func(address.Address) (address.Address, error)

// OrderMessages returns the messages of a tipset in the order they are
// executed. Blocks must be given in canonical order.
//
// The lists are concatenated block by block. Each message gets the lowest
// gas premium of itself and the earlier messages of its sender, and the
// sequence is stably sorted by that priority, highest first. A sender's
// messages therefore keep their included order. Repeats of a cid or of a
// sender and nonce pair are kept in place but marked skipped.
//
// Senders are compared by ID address when resolve is given, so a key
// address and its ID address are one sender. A sender unknown to the
// parent state is compared as written.
func OrderMessages(blockMsgs []types.BlockMessagesInfo, resolve SenderResolver) ([]ExecMessage, error) {
	type prioritized struct {
		ExecMessage
		sender   address.Address
		priority big.Int
	}

	resolved := make(map[address.Address]address.Address)
	senderOf := func(from address.Address) (address.Address, error) {
		if resolve == nil || from.Protocol() == address.ID {
			return from, nil
		}
		if id, ok := resolved[from]; ok {
			return id, nil
		}
		id, err := resolve(from)
		if errors.Is(err, types.ErrActorNotFound) {
			id, err = from, nil
		}
		if err != nil {
			return address.Undef, xerrors.Errorf("resolving sender %s: %w", from, err)
		}
		resolved[from] = id
		return id, nil
	}

	var all []prioritized
	senderMin := make(map[address.Address]big.Int)
	for i, bm := range blockMsgs {
		for _, m := range bm.Messages {
			sender, err := senderOf(m.Message.From)
			if err != nil {
				return nil, err
			}
			p := m.Message.GasPremium
			if cur, ok := senderMin[sender]; ok && big.Cmp(cur, p) < 0 {
				p = cur
			}
			senderMin[sender] = p
			all = append(all, prioritized{
				ExecMessage: ExecMessage{Msg: m, Block: i},
				sender:      sender,
				priority:    p,
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return big.Cmp(all[i].priority, all[j].priority) > 0
	})

	out := make([]ExecMessage, len(all))
	seenCid := make(map[cid.Cid]struct{}, len(all))
	seenNonce := make(map[senderNonce]struct{}, len(all))
	for i, p := range all {
		out[i] = p.ExecMessage

		c := p.Msg.Cid()
		sn := senderNonce{from: p.sender, nonce: p.Msg.Message.Nonce}
		_, dupCid := seenCid[c]
		_, dupNonce := seenNonce[sn]
		if dupCid || dupNonce {
			out[i].Skipped = true
			continue
		}
		seenCid[c] = struct{}{}
		seenNonce[sn] = struct{}{}
	}
	return out, nil
}
