package model

import "fmt"

// TxnStatus is the internal lifecycle status shared by orders and payments.
// Status only ever moves forward; the reconcile package owns the table of
// legal moves.
type TxnStatus string

const (
	StatusVerificationPending TxnStatus = "VERIFICATION_PENDING"
	StatusSubmitted           TxnStatus = "SUBMITTED"
	StatusCompleted           TxnStatus = "COMPLETED"
	StatusFailed              TxnStatus = "FAILED"
	StatusRefunded            TxnStatus = "REFUNDED"
)

// IsTerminal reports whether no forward progress is expected from s.
// COMPLETED counts as terminal for polling and notification even though a
// provider-driven reversal can still move it to REFUNDED.
func (s TxnStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// MandateStatus is the lifecycle status of an auto-debit mandate.
type MandateStatus string

const (
	MandatePending    MandateStatus = "PENDING"
	MandateAuthorized MandateStatus = "AUTHORIZED"
	MandateFailed     MandateStatus = "FAILED"
	MandateExpired    MandateStatus = "EXPIRED"
)

func (s MandateStatus) IsTerminal() bool {
	switch s {
	case MandateAuthorized, MandateFailed, MandateExpired:
		return true
	}
	return false
}

// UnmappedStateError is returned when a provider reports a state the mapping
// does not cover. This is a contract violation, not a transient condition,
// and must surface loudly rather than default to some status.
type UnmappedStateError struct {
	Entity EntityType
	Raw    string
}

func (e *UnmappedStateError) Error() string {
	return fmt.Sprintf("unmapped %s state %q", e.Entity, e.Raw)
}

// MapOrderState maps the order provider's state enum to the internal status.
// Total over the provider enum; anything else is an UnmappedStateError.
func MapOrderState(raw string) (TxnStatus, error) {
	switch raw {
	case "CREATED", "UNDER_REVIEW", "PENDING":
		return StatusVerificationPending, nil
	case "CONFIRMED", "SUBMITTED":
		return StatusSubmitted, nil
	case "SUCCESSFUL":
		return StatusCompleted, nil
	case "FAILED", "CANCELLED":
		return StatusFailed, nil
	case "REVERSED":
		return StatusRefunded, nil
	}
	return "", &UnmappedStateError{Entity: EntityOrder, Raw: raw}
}

// MapPaymentState maps the payment provider's state enum to the internal status.
func MapPaymentState(raw string) (TxnStatus, error) {
	switch raw {
	case "CREATED", "PENDING":
		return StatusVerificationPending, nil
	case "SUBMITTED", "PROCESSING":
		return StatusSubmitted, nil
	case "SUCCESS", "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "REFUNDED":
		return StatusRefunded, nil
	}
	return "", &UnmappedStateError{Entity: EntityPayment, Raw: raw}
}

// MapMandateState maps the mandate provider's state enum to the internal status.
func MapMandateState(raw string) (MandateStatus, error) {
	switch raw {
	case "CREATED", "PENDING":
		return MandatePending, nil
	case "AUTHORIZED", "ACTIVE":
		return MandateAuthorized, nil
	case "FAILED", "REJECTED":
		return MandateFailed, nil
	case "EXPIRED", "CANCELLED":
		return MandateExpired, nil
	}
	return "", &UnmappedStateError{Entity: EntityMandate, Raw: raw}
}
