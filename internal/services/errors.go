package services

import "errors"

var (
	// ErrInvalidInput marks requests rejected before they reach the engine.
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceUnavailable is returned while the engine is still wiring up.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
)
