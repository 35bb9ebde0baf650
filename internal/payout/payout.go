// Package payout derives a provider's earnings breakdown from gross price
// and platform fee policy. All amounts are currency minor units.
package payout

import (
	"fmt"
	"math"

	"marketplace-engine/internal/common/errors"
)

// MinimumHours is the billing floor for very short jobs so hourly rates
// stay meaningful.
const MinimumHours = 0.5

// Breakdown is the derived earnings split for one job. It is recomputed on
// demand and only becomes the authoritative settlement record at completion.
type Breakdown struct {
	Hours       float64 `json:"hours"`
	HourlyRate  int64   `json:"hourlyRate"`
	PlatformFee int64   `json:"platformFee"`
	NetPayout   int64   `json:"netPayout"`
}

// Compute derives the breakdown for a gross price, duration, and fee rate.
// Monetary results round half-to-even to the minor unit. NetPayout plus
// PlatformFee always equals the gross price exactly.
func Compute(grossPrice int64, durationMinutes int, feeRate float64) (Breakdown, error) {
	if grossPrice <= 0 {
		return Breakdown{}, errors.NewInvalidInputError(fmt.Sprintf("grossPrice must be positive, got %d", grossPrice))
	}
	if durationMinutes <= 0 {
		return Breakdown{}, errors.NewInvalidInputError(fmt.Sprintf("durationMinutes must be positive, got %d", durationMinutes))
	}
	if feeRate < 0 || feeRate >= 1 {
		return Breakdown{}, errors.NewInvalidInputError(fmt.Sprintf("feeRate must be in [0, 1), got %v", feeRate))
	}

	hours := math.Max(float64(durationMinutes)/60, MinimumHours)
	fee := roundMinor(float64(grossPrice) * feeRate)

	return Breakdown{
		Hours:       hours,
		HourlyRate:  roundMinor(float64(grossPrice) / hours),
		PlatformFee: fee,
		NetPayout:   grossPrice - fee,
	}, nil
}

// GrossFromNet inverts the fee deduction: given a desired take-home amount,
// it returns the gross price to charge. Round-trips with Compute within one
// minor unit.
func GrossFromNet(netPayout int64, feeRate float64) (int64, error) {
	if netPayout <= 0 {
		return 0, errors.NewInvalidInputError(fmt.Sprintf("netPayout must be positive, got %d", netPayout))
	}
	if feeRate < 0 || feeRate >= 1 {
		return 0, errors.NewInvalidInputError(fmt.Sprintf("feeRate must be in [0, 1), got %v", feeRate))
	}
	return roundMinor(float64(netPayout) / (1 - feeRate)), nil
}

// roundMinor rounds to the nearest minor unit, half to even.
func roundMinor(v float64) int64 {
	return int64(math.RoundToEven(v))
}
