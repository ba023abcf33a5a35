// Package staking implements the stake registry and the time-locked reward
// accrual engine for impact certificates.
package staking

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/impactmx/impact-engine/internal/model"
)

// BaseMultiplier is the reward multiplier for unlocked stakes: 1x.
var BaseMultiplier = decimal.NewFromInt(1)

var (
	// ErrEmptyTierTable is returned when a lock is requested but no tiers
	// are configured.
	ErrEmptyTierTable = errors.New("staking: tier table is empty")

	// ErrTierTableNotAscending is returned when the configured tier
	// thresholds are not strictly increasing or a multiplier decreases.
	ErrTierTableNotAscending = errors.New("staking: tier table must be ascending in threshold and non-decreasing in multiplier")
)

// ValidateTiers checks that a tier table is an explicit ordered step
// function: strictly ascending thresholds, non-decreasing multipliers, all
// multipliers >= 1x.
func ValidateTiers(tiers []model.LockTier) error {
	if len(tiers) == 0 {
		return ErrEmptyTierTable
	}
	for i, t := range tiers {
		if t.Threshold <= 0 || t.Multiplier.LessThan(BaseMultiplier) {
			return ErrTierTableNotAscending
		}
		if i > 0 {
			if tiers[i-1].Threshold >= t.Threshold || tiers[i-1].Multiplier.GreaterThan(t.Multiplier) {
				return ErrTierTableNotAscending
			}
		}
	}
	return nil
}

// MultiplierFor returns the reward multiplier for a chosen lock duration:
// the multiplier of the highest tier whose threshold does not exceed the
// duration, or 1x below the first tier. A non-decreasing step function of
// the chosen duration, not of elapsed time.
func MultiplierFor(tiers []model.LockTier, duration time.Duration) decimal.Decimal {
	// Largest i with tiers[i].Threshold <= duration.
	i := sort.Search(len(tiers), func(i int) bool {
		return tiers[i].Threshold > duration
	})
	if i == 0 {
		return BaseMultiplier
	}
	return tiers[i-1].Multiplier
}
