package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionType is the option class of a leg.
type OptionType string

// ExpiryClass selects the weekly or monthly contract series.
type ExpiryClass string

// Action is the trade direction of a leg.
type Action string

const (
	OptionCE OptionType = "CE"
	OptionPE OptionType = "PE"

	ExpiryWeek  ExpiryClass = "WEEK"
	ExpiryMonth ExpiryClass = "MONTH"

	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// MaxStrikeOffset is the furthest strike tier from ATM that can be selected.
const MaxStrikeOffset = 10

// Instrument identifies a premium series relative to the at-the-money strike.
type Instrument struct {
	Strike     string      `json:"strike"`
	OptionType OptionType  `json:"option_type"`
	Expiry     ExpiryClass `json:"expiry"`
}

// ParseStrikeOffset converts "ATM", "ATM+3" or "ATM-2" into a signed tier offset.
func ParseStrikeOffset(strike string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(strike))
	if s == "ATM" {
		return 0, nil
	}
	if len(s) < 5 || !strings.HasPrefix(s, "ATM") || (s[3] != '+' && s[3] != '-') {
		return 0, fmt.Errorf("%w: strike %q", ErrInvalidSelector, strike)
	}
	n, err := strconv.Atoi(s[4:])
	if err != nil || n < 1 || n > MaxStrikeOffset {
		return 0, fmt.Errorf("%w: strike %q must be ATM or ATM±1..%d", ErrInvalidSelector, strike, MaxStrikeOffset)
	}
	if s[3] == '-' {
		n = -n
	}
	return n, nil
}

// FormatStrikeOffset is the inverse of ParseStrikeOffset.
func FormatStrikeOffset(offset int) string {
	switch {
	case offset == 0:
		return "ATM"
	case offset > 0:
		return fmt.Sprintf("ATM+%d", offset)
	default:
		return fmt.Sprintf("ATM%d", offset)
	}
}

// Validate checks the strike, option class and expiry class.
func (i Instrument) Validate() error {
	if _, err := ParseStrikeOffset(i.Strike); err != nil {
		return err
	}
	if i.OptionType != OptionCE && i.OptionType != OptionPE {
		return fmt.Errorf("%w: option type %q must be CE or PE", ErrInvalidSelector, i.OptionType)
	}
	if i.Expiry != ExpiryWeek && i.Expiry != ExpiryMonth {
		return fmt.Errorf("%w: expiry %q must be WEEK or MONTH", ErrInvalidSelector, i.Expiry)
	}
	return nil
}

// Offset returns the signed strike tier. Invalid selectors return 0.
func (i Instrument) Offset() int {
	n, _ := ParseStrikeOffset(i.Strike)
	return n
}

// Key identifies the series for caching, e.g. "WEEK/ATM+1_CE".
func (i Instrument) Key() string {
	return fmt.Sprintf("%s/%s_%s", i.Expiry, FormatStrikeOffset(i.Offset()), i.OptionType)
}

// Candle is one bar of an option premium series. Spot and StrikePrice are
// zero when the data source does not carry them.
type Candle struct {
	Time        time.Time `json:"time"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume,omitempty"`
	OI          float64   `json:"oi,omitempty"`
	Spot        float64   `json:"spot,omitempty"`
	StrikePrice float64   `json:"strike_price,omitempty"`
}
