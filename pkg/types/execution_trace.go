package types

import (
	"time"
)

// GasTrace is one gas charge recorded while tracing.
type GasTrace struct {
	Name string

	TotalGas   int64
	ComputeGas int64
	StorageGas int64
}

// ExecutionTrace is the call tree of one message with its gas charges.
type ExecutionTrace struct {
	Msg        *UnsignedMessage
	MsgRct     *MessageReceipt
	Error      string
	Duration   time.Duration
	GasCharges []*GasTrace
	// Skipped marks a message left out as a duplicate of one already
	// executed in the same tipset.
	Skipped bool

	Subcalls []ExecutionTrace
}
