package consensus

import (
	"errors"
)

// Tipset level failures. Callers match them with errors.Is; the wrapped
// message carries the detail.
var (
	// ErrMalformedBlock is returned when a header or its messages fail
	// structural or signature checks.
	ErrMalformedBlock = errors.New("malformed block")
	// ErrUnresolvableParent is returned when an ancestor could not be
	// fetched within the retry budget.
	ErrUnresolvableParent = errors.New("unresolvable parent")
	// ErrStateMismatch is returned when the computed state root or receipts
	// root differs from the one declared by the child blocks.
	ErrStateMismatch = errors.New("blocks state root does not match computed result")
	// ErrInvalidTipSet is returned for protocol level invalidity that is not
	// a message failure, such as a failed reward payout or a wrong weight.
	ErrInvalidTipSet = errors.New("invalid tipset")
	// ErrMessagesMismatch is returned when the messages supplied for a block
	// do not hash to its messages root. The header may still be valid.
	ErrMessagesMismatch = errors.New("messages do not match block")
)
