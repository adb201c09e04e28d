// Package expiry parses option instrument symbols of the form
// ASSET-DDMONYY-STRIKE-SIDE into an expiry instant and cohort key.
package expiry

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedSymbol is returned for symbols that do not encode a valid expiry date.
var ErrMalformedSymbol = errors.New("malformed instrument symbol")

// SettlementHour is the UTC hour at which every option expires.
const SettlementHour = 8

// CohortLayout formats cohort keys.
const CohortLayout = "2006-01-02"

var dateSegment = regexp.MustCompile(`^(\d{1,2})([A-Za-z]{3})(\d{2})$`)

var months = map[string]time.Month{
	"JAN": time.January,
	"FEB": time.February,
	"MAR": time.March,
	"APR": time.April,
	"MAY": time.May,
	"JUN": time.June,
	"JUL": time.July,
	"AUG": time.August,
	"SEP": time.September,
	"OCT": time.October,
	"NOV": time.November,
	"DEC": time.December,
}

// Expiry is the parsed expiry of one instrument.
type Expiry struct {
	At     time.Time
	Cohort string
}

// Parse extracts the expiry encoded in the second hyphen-delimited segment of symbol.
func Parse(symbol string) (Expiry, error) {
	parts := strings.Split(symbol, "-")
	if len(parts) < 2 {
		return Expiry{}, fmt.Errorf("%w: %q has no date segment", ErrMalformedSymbol, symbol)
	}

	m := dateSegment.FindStringSubmatch(parts[1])
	if m == nil {
		return Expiry{}, fmt.Errorf("%w: %q has bad date segment %q", ErrMalformedSymbol, symbol, parts[1])
	}

	day, _ := strconv.Atoi(m[1])
	month, ok := months[strings.ToUpper(m[2])]
	if !ok {
		return Expiry{}, fmt.Errorf("%w: %q has unknown month %q", ErrMalformedSymbol, symbol, m[2])
	}
	yy, _ := strconv.Atoi(m[3])
	year := 2000 + yy

	at := time.Date(year, month, day, SettlementHour, 0, 0, 0, time.UTC)
	// time.Date normalises 31FEB into March; reject instead.
	if at.Day() != day || at.Month() != month {
		return Expiry{}, fmt.Errorf("%w: %q has impossible date", ErrMalformedSymbol, symbol)
	}

	return Expiry{At: at, Cohort: at.Format(CohortLayout)}, nil
}

// HoursUntil returns the hours from now until at, floored at zero.
func HoursUntil(at, now time.Time) float64 {
	h := at.Sub(now).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// HoursToExpiry returns the hours left until e.At as seen from now.
func (e Expiry) HoursToExpiry(now time.Time) float64 {
	return HoursUntil(e.At, now)
}
