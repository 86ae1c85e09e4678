package domain

import (
	"errors"
	"fmt"
)

// RuleCode identifies a lifecycle invariant whose failure is recorded as a
// violation. The set is closed.
type RuleCode string

const (
	RuleTerminalStateMutation     RuleCode = "TERMINAL_STATE_MUTATION"
	RuleInvalidFSMTransition      RuleCode = "INVALID_FSM_TRANSITION"
	RuleProcedureVersionMismatch  RuleCode = "PROCEDURE_VERSION_MISMATCH"
	RuleUnauthorizedApproval      RuleCode = "UNAUTHORIZED_APPROVAL"
	RuleApprovalAfterProgress     RuleCode = "APPROVAL_AFTER_PROGRESS"
	RuleDuplicateApproval         RuleCode = "DUPLICATE_APPROVAL"
	RuleProgressWithoutApproval   RuleCode = "PROGRESS_WITHOUT_APPROVAL"
)

// ErrorCode is the full domain error vocabulary surfaced to callers.
type ErrorCode string

const (
	// Authorization. Raised before any write; never recorded as a violation.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeInvalidRole  ErrorCode = "INVALID_ROLE"
	CodeInvalidEvent ErrorCode = "INVALID_EVENT"

	// Lifecycle / invariant. Always recorded atomically before re-raising.
	CodeTerminalStateMutation    ErrorCode = ErrorCode(RuleTerminalStateMutation)
	CodeInvalidFSMTransition     ErrorCode = ErrorCode(RuleInvalidFSMTransition)
	CodeProcedureVersionMismatch ErrorCode = ErrorCode(RuleProcedureVersionMismatch)
	CodeUnauthorizedApproval     ErrorCode = ErrorCode(RuleUnauthorizedApproval)
	CodeApprovalAfterProgress    ErrorCode = ErrorCode(RuleApprovalAfterProgress)
	CodeDuplicateApproval        ErrorCode = ErrorCode(RuleDuplicateApproval)
	CodeProgressWithoutApproval  ErrorCode = ErrorCode(RuleProgressWithoutApproval)

	// Not found.
	CodeBatchNotFound     ErrorCode = "BATCH_NOT_FOUND"
	CodeProcedureNotFound ErrorCode = "PROCEDURE_NOT_FOUND"

	// Forensic.
	CodeForensicIntegrityCompromised ErrorCode = "FORENSIC_INTEGRITY_COMPROMISED"
	CodeBatchAlreadySealed           ErrorCode = "BATCH_ALREADY_SEALED"

	// Operational. Feeds the availability track of the resilience circuit;
	// never converts into a business violation.
	CodeLedgerUnavailable ErrorCode = "LEDGER_UNAVAILABLE"
	CodeTimeout           ErrorCode = "TIMEOUT"
)

// Kind groups error codes by propagation policy.
type Kind int

const (
	KindAuthorization Kind = iota
	KindInvariant
	KindNotFound
	KindForensic
	KindOperational
)

// Error is a typed domain error whose Code is stable across the API surface.
type Error struct {
	Code    ErrorCode
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError constructs a domain error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a domain error.
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: cause}
}

// ViolationError constructs the error raised after a denial has been
// committed; its code equals the failed rule.
func ViolationError(rule RuleCode) *Error {
	return &Error{Code: ErrorCode(rule)}
}

// CodeOf extracts the domain error code, or "" for non-domain errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// KindOf classifies an error code by propagation policy.
func KindOf(code ErrorCode) Kind {
	switch code {
	case CodeUnauthorized, CodeInvalidRole, CodeInvalidEvent:
		return KindAuthorization
	case CodeTerminalStateMutation, CodeInvalidFSMTransition, CodeProcedureVersionMismatch,
		CodeUnauthorizedApproval, CodeApprovalAfterProgress, CodeDuplicateApproval,
		CodeProgressWithoutApproval:
		return KindInvariant
	case CodeBatchNotFound, CodeProcedureNotFound:
		return KindNotFound
	case CodeForensicIntegrityCompromised, CodeBatchAlreadySealed:
		return KindForensic
	default:
		return KindOperational
	}
}

// IsTerminal reports whether a state admits no outgoing transition.
// Terminal states are absorbing.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateViolated, StateRejected:
		return true
	}
	return false
}
