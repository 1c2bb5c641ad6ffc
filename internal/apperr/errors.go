// Package apperr holds the error taxonomy shared by the checkout pipeline.
// Lower layers wrap these sentinels with fmt.Errorf("...: %w") and callers
// classify with errors.Is.
package apperr

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrNothingToRefund     = errors.New("nothing to refund")
	ErrPaymentGateway      = errors.New("payment gateway error")
	ErrValidation          = errors.New("validation failed")

	// ErrInsufficientStock is a Conflict.
	ErrInsufficientStock = &wrapped{msg: "insufficient stock", parent: ErrConflict}

	// ErrReconciliationPending means the gateway refund went through but the
	// local status change did not commit; a reconciliation job owns it now.
	ErrReconciliationPending = errors.New("refund issued, reconciliation pending")
)

type wrapped struct {
	msg    string
	parent error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.parent }

// Permanent reports whether retrying the operation that returned err cannot
// succeed. Webhook deliveries failing permanently are acknowledged so the
// gateway stops redelivering.
func Permanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrPaymentNotCompleted),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNothingToRefund):
		return true
	default:
		return false
	}
}

// Code returns the stable machine-readable code used in HTTP error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPaymentNotCompleted):
		return "payment_not_completed"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrNothingToRefund):
		return "nothing_to_refund"
	case errors.Is(err, ErrPaymentGateway):
		return "payment_gateway_error"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrReconciliationPending):
		return "reconciliation_pending"
	default:
		return "internal_error"
	}
}
