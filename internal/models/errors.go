package models

import "errors"

// ErrInvalidState is returned when a leg is asked to make a lifecycle
// transition its current state does not allow.
var ErrInvalidState = errors.New("invalid leg state")

// ErrInvalidSelector is returned for malformed instrument selectors.
var ErrInvalidSelector = errors.New("invalid instrument selector")

// ErrInvalidConfig is returned for bad clock strings, conflicting thresholds
// and other strategy configuration mistakes.
var ErrInvalidConfig = errors.New("invalid strategy config")
