package entitle

import (
	"errors"
	"fmt"

	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("entitle: not found")
	ErrAlreadyExists = errors.New("entitle: already exists")
	ErrInvalidInput  = errors.New("entitle: invalid input")

	// Ingestion errors
	ErrAuthenticationFailed = errors.New("entitle: authentication failed")
	ErrMalformedPayload     = errors.New("entitle: malformed payload")
	ErrDuplicateEvent       = errors.New("entitle: duplicate event")
	ErrLedgerUnavailable    = errors.New("entitle: ledger unavailable")
	ErrQueueFull            = errors.New("entitle: processing queue full")
	ErrEngineStopped        = errors.New("entitle: engine stopped")

	// Processing errors
	ErrStaleEvent               = subscription.ErrStale
	ErrTransitionGuardViolation = subscription.ErrInvalidTransition

	// Downstream errors
	ErrDownstreamDispatchFailure = errors.New("entitle: downstream dispatch failed")
	ErrReconciliationDivergence  = errors.New("entitle: reconciliation divergence")

	// Not found errors
	ErrEventNotFound        = errors.New("entitle: event not found")
	ErrRecordNotFound       = errors.New("entitle: processing record not found")
	ErrSubscriptionNotFound = errors.New("entitle: subscription not found")
	ErrEntitlementsNotFound = errors.New("entitle: entitlements not found")
	ErrNotificationNotFound = errors.New("entitle: notification not found")
	ErrDivergenceNotFound   = reconcile.ErrDivergenceNotFound

	// Store errors
	ErrStoreClosed     = errors.New("entitle: store is closed")
	ErrMigrationFailed = errors.New("entitle: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "entitle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("entitle: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrEntitlementsNotFound) ||
		errors.Is(err, ErrNotificationNotFound) ||
		errors.Is(err, ErrDivergenceNotFound)
}

// IsRejection returns true if the error means an inbound event was refused
// and will not succeed on redelivery.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrMalformedPayload)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrDownstreamDispatchFailure)
}
