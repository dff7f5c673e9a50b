package simulation

import "errors"

var (
	// ErrIllegalState rejects a control operation the current state forbids.
	ErrIllegalState = errors.New("simulation: illegal state")
	ErrInvalidSpeed = errors.New("simulation: speed factor must be a positive finite number")
	// ErrInvalidWindow rejects an end instant at or before the start instant.
	ErrInvalidWindow = errors.New("simulation: end must be after start")
)
