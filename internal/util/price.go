// Package util provides common utility functions for price calculations.
package util

import "math"

// NSE option premium tick and NIFTY strike spacing.
const (
	OptionTick = 0.05
	StrikeStep = 50.0
)

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.23 becomes 101.25.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// ATMStrike returns the strike nearest to spot on the StrikeStep grid.
func ATMStrike(spot float64) float64 {
	return RoundToTick(spot, StrikeStep)
}
