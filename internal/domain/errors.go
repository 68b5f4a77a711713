package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation               = errors.New("validation failed")
	ErrMatchNotFound            = errors.New("match not found")
	ErrTokenNotFound            = errors.New("token not found")
	ErrTokenInvalid             = errors.New("token is not usable")
	ErrTokenClaimed             = errors.New("token already claimed by another player")
	ErrTokenGenerationExhausted = errors.New("failed to generate unique token")
	ErrActivationRequired       = errors.New("matches enter Waiting only through activation")
	ErrMatchClosed              = errors.New("match has already ended")
	ErrNoSessionFound           = errors.New("no game session found")
	ErrNotEnoughPlayers         = errors.New("not enough players")
	ErrAlreadyStarted           = errors.New("match already started")
)

// InvalidStatusTransitionError is returned for any transition that is not strictly forward
type InvalidStatusTransitionError struct {
	From MatchStatus
	To   MatchStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// Validationf builds an error wrapping ErrValidation
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsStateConflict reports whether err is an illegal transition or a claim race
func IsStateConflict(err error) bool {
	var ite *InvalidStatusTransitionError
	return errors.As(err, &ite) ||
		errors.Is(err, ErrActivationRequired) ||
		errors.Is(err, ErrMatchClosed) ||
		errors.Is(err, ErrTokenClaimed) ||
		errors.Is(err, ErrAlreadyStarted)
}
