package domain

import "fmt"

// ValidationError is a risk policy rejection. Recoverable: the caller may
// adjust the order and resubmit.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "order validation failed: " + e.Reason
}

// NotFoundError reports an unknown order id on cancel or status lookup.
type NotFoundError struct {
	OrderID string
}

func (e *NotFoundError) Error() string {
	return "order not found: " + e.OrderID
}

// BrokerError wraps a failure from an exchange call. Accepted reports
// whether the exchange had already accepted the order when the failure
// occurred; the order is marked Rejected only when it had not.
type BrokerError struct {
	Op       string
	Accepted bool
	Err      error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s failed: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// ReconciliationError is logged and retried on the next sweep, never
// surfaced synchronously to a caller.
type ReconciliationError struct {
	OrderID string
	Err     error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed for order %s: %v", e.OrderID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
