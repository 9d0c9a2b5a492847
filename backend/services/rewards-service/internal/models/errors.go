package models

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation marks a broken system invariant. It indicates a bug or corrupted
// state and is always surfaced to the caller.
var ErrInvariantViolation = errors.New("invariant violation")

var (
	ErrNegativeBalance      = fmt.Errorf("%w: balance would become negative", ErrInvariantViolation)
	ErrBalanceDrift         = fmt.Errorf("%w: running balance diverged from ledger scan", ErrInvariantViolation)
	ErrDuplicateFollow      = fmt.Errorf("%w: follow edge already exists", ErrInvariantViolation)
	ErrCounterUnderflow     = fmt.Errorf("%w: follow counter would become negative", ErrInvariantViolation)
	ErrFollowCountMismatch  = fmt.Errorf("%w: cached follow counts differ from edges", ErrInvariantViolation)
	ErrPayoutExceedsPending = fmt.Errorf("%w: payout exceeds pending merchant balance", ErrInvariantViolation)
	ErrConfidenceRegression = fmt.Errorf("%w: session confidence may not decrease", ErrInvariantViolation)
)

// ErrValidation marks rejected input.
var ErrValidation = errors.New("validation failed")

var (
	ErrSelfFollow     = fmt.Errorf("%w: user cannot follow themselves", ErrValidation)
	ErrNonPositiveAmt = fmt.Errorf("%w: amount must be positive", ErrValidation)
)

// ErrNotFound is returned by lookups of unknown entities.
var ErrNotFound = errors.New("not found")
