package unit

import "errors"

// Sentinel errors of this package. The engine façade passes them
// through unchanged; internal/operations prefixes most of them with the
// operation and stream name.
var (
	// ErrNaN is returned when a NaN or infinite amount would enter the
	// stream keeper.
	ErrNaN = errors.New("unit: nan-guard: value is not finite")

	// ErrUnknownUnit names a unit token outside the closed vocabulary.
	// No function in this module returns it; IsKnown is the membership
	// check.
	ErrUnknownUnit = errors.New("unit: unrecognized unit")

	// ErrIncompatibleUnits is returned when no conversion path connects
	// the source and target units even with full context.
	ErrIncompatibleUnits = errors.New("unit: incompatible units")
)
