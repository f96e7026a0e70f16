package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the engine wraps exactly one of these,
// and the transport layer maps them to status codes with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrDataUnavailable = errors.New("data unavailable")
	ErrStateConflict   = errors.New("state conflict")
	ErrBudgetExceeded  = errors.New("budget exceeded")
)

var (
	ErrInvalidToken   = fmt.Errorf("%w: invalid asset token", ErrValidation)
	ErrInvalidDate    = fmt.Errorf("%w: invalid date", ErrValidation)
	ErrInvalidRequest = fmt.Errorf("%w: invalid request", ErrValidation)
	ErrInvalidTarget  = fmt.Errorf("%w: invalid target", ErrValidation)
	ErrUnknownSymbol  = fmt.Errorf("%w: symbol is not in the active universe", ErrValidation)

	ErrSessionNotFound = fmt.Errorf("%w: simulation", ErrNotFound)

	ErrNoMatch       = fmt.Errorf("%w: no matching investment", ErrDataUnavailable)
	ErrNoData        = fmt.Errorf("%w: no price history", ErrDataUnavailable)
	ErrFXUnavailable = fmt.Errorf("%w: fx rate unavailable", ErrDataUnavailable)
	ErrNoPrice       = fmt.Errorf("%w: no price", ErrDataUnavailable)
	ErrUpstream      = fmt.Errorf("%w: market data provider", ErrDataUnavailable)

	ErrAlreadyCompleted  = fmt.Errorf("%w: simulation already completed", ErrStateConflict)
	ErrScheduleExhausted = fmt.Errorf("%w: no remaining rebalance dates", ErrStateConflict)

	ErrExceedsPosition  = fmt.Errorf("%w: sell exceeds position value", ErrBudgetExceeded)
	ErrInsufficientCash = fmt.Errorf("%w: not enough cash after fees", ErrBudgetExceeded)
	ErrTargetsExceedCap = fmt.Errorf("%w: targets exceed portfolio value", ErrBudgetExceeded)
)

// Kind returns the error kind err belongs to, or nil when it carries none.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrDataUnavailable, ErrStateConflict, ErrBudgetExceeded} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
