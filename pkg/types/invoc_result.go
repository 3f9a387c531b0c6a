package types

import (
	"time"

	"github.com/ipfs/go-cid"
)

// InvocResult is the outcome of one message of a replayed tipset.
type InvocResult struct {
	MsgCid         cid.Cid
	Msg            *UnsignedMessage
	MsgRct         *MessageReceipt
	ExecutionTrace ExecutionTrace
	Error          string
	Duration       time.Duration
}
