package reconcile

import "fundflow/internal/model"

// Reachability tables. A transition is applied only when the target status
// is listed for the current one; anything else is dropped without touching
// the entity. Forward jumps are legal (a SUCCESSFUL webhook may overtake the
// SUBMITTED one), regressions never are, which is what makes out-of-order
// delivery safe.

var txnReachable = map[model.TxnStatus][]model.TxnStatus{
	model.StatusVerificationPending: {model.StatusSubmitted, model.StatusCompleted, model.StatusFailed},
	model.StatusSubmitted:           {model.StatusCompleted, model.StatusFailed},
	model.StatusCompleted:           {model.StatusRefunded},
	model.StatusFailed:              {},
	model.StatusRefunded:            {},
}

var mandateReachable = map[model.MandateStatus][]model.MandateStatus{
	model.MandatePending:    {model.MandateAuthorized, model.MandateFailed},
	model.MandateAuthorized: {model.MandateExpired},
	model.MandateFailed:     {},
	model.MandateExpired:    {},
}

// CanTransitionTxn reports whether an order or payment may move from -> to.
func CanTransitionTxn(from, to model.TxnStatus) bool {
	for _, s := range txnReachable[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionMandate reports whether a mandate may move from -> to.
func CanTransitionMandate(from, to model.MandateStatus) bool {
	for _, s := range mandateReachable[from] {
		if s == to {
			return true
		}
	}
	return false
}
