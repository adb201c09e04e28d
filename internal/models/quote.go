// Package models defines the core domain entities: option quotes, market snapshots,
// cohort statistics, anomaly records, and backtest samples.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidSnapshot marks input that structurally violates the snapshot contract.
var ErrInvalidSnapshot = errors.New("invalid market snapshot")

var validate = validator.New(validator.WithRequiredStructEnabled())

// InstrumentQuote is an immutable observation of one option instrument.
type InstrumentQuote struct {
	Symbol       string  `json:"symbol"`
	MarkPrice    float64 `json:"mark_price"`
	Volume       float64 `json:"volume"`
	OpenInterest float64 `json:"open_interest"`
}

// MarketSnapshot is one poll of the market data feed.
// Quotes must be non-nil; an empty but present list is a valid (quiet) market.
type MarketSnapshot struct {
	ID             string            `json:"id,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	ObservedAt     time.Time         `json:"observed_at" validate:"required"`
	ReferencePrice float64           `json:"reference_price" validate:"gte=0"`
	Quotes         []InstrumentQuote `json:"quotes" validate:"required"`
}

// Validate checks the structural contract of a snapshot.
// Malformed symbols and non-positive quote values are not contract violations.
func (s *MarketSnapshot) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

// BacktestSample pairs a historical snapshot with the reference price realised later.
type BacktestSample struct {
	Snapshot                  MarketSnapshot `json:"snapshot"`
	ReferencePriceAtAlertTime float64        `json:"reference_price_at_alert_time" validate:"gt=0"`
	FutureReferencePrice      float64        `json:"future_reference_price" validate:"gte=0"`
}

// Validate checks the sample and its embedded snapshot.
func (b *BacktestSample) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}
