package models

import "errors"

// Error taxonomy for the conversation pipeline. Contract violations are
// surfaced to the caller as-is; capability and storage errors carry retry
// or degradation semantics decided by the state machine.
var (
	ErrInvalidIdentifier     = errors.New("invalid identifier")
	ErrInvalidState          = errors.New("invalid state")
	ErrNoPendingEscalation   = errors.New("no pending escalation")
	ErrAlreadyResolved       = errors.New("escalation already resolved")
	ErrEscalationInProgress  = errors.New("escalation in progress")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrGenerationTimeout     = errors.New("generation timeout")
	ErrStorageUnavailable    = errors.New("storage unavailable")
)
