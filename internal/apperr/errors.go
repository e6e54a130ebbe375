// Package apperr is the error taxonomy shared by the coordinator services and
// mapped onto HTTP statuses by the API layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation    Kind = "ValidationError"
	KindCompliance    Kind = "ComplianceViolation"
	KindLimitExceeded Kind = "LimitExceeded"
	KindNotFound      Kind = "NotFound"
	KindTransaction   Kind = "TransactionFailure"
	KindConnectivity  Kind = "ConnectivityError"
)

// Stable reason codes.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeTooSmall            = "TOO_SMALL"
	CodeSingleLimitExceeded = "SINGLE_LIMIT_EXCEEDED"
	CodeTotalLimitExceeded  = "TOTAL_LIMIT_EXCEEDED"
	CodeTradingLimit        = "TRADING_LIMIT"
	CodeInvalidLimit        = "INVALID_LIMIT"
	CodePDTLimit            = "PDT_LIMIT"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeBrokerNotFound      = "BROKER_NOT_FOUND"
	CodeDepositNotFound     = "DEPOSIT_NOT_FOUND"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeBrokerInactive      = "BROKER_INACTIVE"
	CodeBrokerDisconnected  = "BROKER_DISCONNECTED"
	CodeBrokerRejected      = "BROKER_REJECTED"
	CodeInsufficientShares  = "INSUFFICIENT_POSITION"
	CodeQueueFull           = "QUEUE_FULL"
	CodeNotRunning          = "NOT_RUNNING"
	CodeCommitFailed        = "COMMIT_FAILED"
	CodeProposalInFlight    = "PROPOSAL_IN_FLIGHT"
)

// HTTPStatus maps a kind onto the response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindLimitExceeded:
		return http.StatusBadRequest
	case KindCompliance:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConnectivity:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed later unchanged.
func (k Kind) Retryable() bool {
	return k == KindTransaction || k == KindConnectivity
}

// Title is the generic message shown next to the specific reason.
func (k Kind) Title() string {
	switch k {
	case KindValidation:
		return "Invalid request"
	case KindCompliance:
		return "Compliance violation"
	case KindLimitExceeded:
		return "Limit exceeded"
	case KindNotFound:
		return "Not found"
	case KindTransaction:
		return "Transaction failed"
	case KindConnectivity:
		return "Broker unavailable"
	default:
		return "Internal error"
	}
}

// Error is a classified failure with a human-readable reason.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code, so callers can compare
// against templates like &Error{Kind: KindNotFound}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// New builds a classified error.
func New(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

// Newf builds a classified error with a formatted reason.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code string, err error, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason, Err: err}
}

func Validation(code, reason string) *Error { return New(KindValidation, code, reason) }

func NotFound(code, reason string) *Error { return New(KindNotFound, code, reason) }

// As extracts the classified error from a chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err; unclassified errors are transaction failures.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindTransaction
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsRetryable reports whether err may succeed when retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// Status maps err onto an HTTP status.
func Status(err error) int {
	return KindOf(err).HTTPStatus()
}
