package models

import (
	"context"
	"errors"
)

// Settlement error taxonomy. Callers match with errors.Is.
var (
	ErrInvalidPrice           = errors.New("unit price must be greater than zero")
	ErrNoPendingBalance       = errors.New("no pending balance to settle")
	ErrNegativeBalance        = errors.New("deductions exceed pending gross amount")
	ErrConcurrentModification = errors.New("records modified by a concurrent settlement")
	ErrPersistence            = errors.New("record store unavailable")
	ErrNotFound               = errors.New("not found")
	ErrInvalidPeriod          = errors.New("invalid period")
	ErrInvalidRecord          = errors.New("invalid record")
)

// OutcomeKind classifies what happened to one farmer during a bulk run.
type OutcomeKind string

const (
	OutcomeSettled         OutcomeKind = "settled"
	OutcomeNothingOwed     OutcomeKind = "nothing_owed"
	OutcomeNegativeBalance OutcomeKind = "negative_balance"
	OutcomeConflict        OutcomeKind = "conflict"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeNotFound        OutcomeKind = "not_found"
	OutcomeCancelled       OutcomeKind = "cancelled"
)

// IsRetryable reports whether a failed settlement may be attempted again
// without operator intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistence)
}

// OutcomeFor maps a settlement error to the outcome recorded in a bulk report.
func OutcomeFor(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeSettled
	case errors.Is(err, ErrNoPendingBalance):
		return OutcomeNothingOwed
	case errors.Is(err, ErrNegativeBalance):
		return OutcomeNegativeBalance
	case errors.Is(err, ErrConcurrentModification):
		return OutcomeConflict
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
