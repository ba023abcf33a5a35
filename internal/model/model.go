// Package model defines the core domain types shared across the impact engine.
// All monetary and reward values use shopspring/decimal — never float64 for
// money. Amounts are integer-valued decimals in the settlement currency's
// smallest denomination.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetKind distinguishes single-unit certificates from semi-fungible
// multi-unit editions.
type AssetKind string

const (
	KindSingle AssetKind = "single"
	KindMulti  AssetKind = "multi"
)

// AssetRef identifies one impact certificate: a collection plus a unit id.
// Custody of the unit is tracked externally by the custody adapter.
type AssetRef struct {
	Collection string    `json:"collection" db:"collection"`
	UnitID     string    `json:"unit_id" db:"unit_id"`
	Kind       AssetKind `json:"kind" db:"kind"`
}

// Key returns the canonical map/index key for the asset unit.
// Kind is not part of identity — the same unit cannot be both kinds.
func (r AssetRef) Key() string {
	return r.Collection + ":" + r.UnitID
}

// Listing is a seller's offer of quantity units at a fixed unit price.
// Seller, Asset, Creator, and RoyaltyBps never change after creation.
// Listings are soft-deactivated, never deleted, so historical lookups stay
// valid.
type Listing struct {
	ID                int64           `json:"id" db:"id"`
	Seller            string          `json:"seller" db:"seller"`
	Asset             AssetRef        `json:"asset" db:"asset"`
	UnitPrice         decimal.Decimal `json:"unit_price" db:"unit_price"`
	QuantityRemaining int64           `json:"quantity_remaining" db:"quantity_remaining"`
	Active            bool            `json:"active" db:"active"`
	ListedAt          time.Time       `json:"listed_at" db:"listed_at"`

	// Creator receives RoyaltyBps of every settlement on this listing.
	// Zero RoyaltyBps means no royalty leg.
	Creator    string `json:"creator,omitempty" db:"creator"`
	RoyaltyBps int64  `json:"royalty_bps,omitempty" db:"royalty_bps"`
}

// Offer is a prospective buyer's bid on a listing, keyed by
// (listing id, offeror). Consumed exactly once by accept, or expires;
// expiry is checked at read time, there is no background sweep.
type Offer struct {
	ListingID    int64           `json:"listing_id" db:"listing_id"`
	Offeror      string          `json:"offeror" db:"offeror"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	ExpiresAt    time.Time       `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the offer has lapsed at the given instant.
func (o *Offer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Lock is the optional time-lock on a stake. Multiplier is snapshotted from
// the tier table when the lock is taken and held for the lock's lifetime,
// even if the table changes mid-lock.
type Lock struct {
	LockedAt   time.Time       `json:"locked_at" db:"locked_at"`
	LockEnd    time.Time       `json:"lock_end" db:"lock_end"`
	Multiplier decimal.Decimal `json:"multiplier" db:"multiplier"`
}

// StakeRecord tracks one staked asset unit. Owner is recorded at stake time —
// custody has moved to the pool, so it cannot be re-derived from the adapter.
// Exactly one record exists per staked unit; removed on full unstake.
type StakeRecord struct {
	ID              int64           `json:"id" db:"id"`
	Owner           string          `json:"owner" db:"owner"`
	Asset           AssetRef        `json:"asset" db:"asset"`
	ImpactValue     decimal.Decimal `json:"impact_value" db:"impact_value"`
	StakedAt        time.Time       `json:"staked_at" db:"staked_at"`
	Lock            *Lock           `json:"lock,omitempty"`
	LastAccrualTime time.Time       `json:"last_accrual_time" db:"last_accrual_time"`
	AccruedRewards  decimal.Decimal `json:"accrued_rewards" db:"accrued_rewards"`
}

// Locked reports whether the record carries a lock.
func (r *StakeRecord) Locked() bool {
	return r.Lock != nil
}

// LockTier maps a chosen lock duration threshold to a fixed reward
// multiplier. Tiers are an explicit ordered table, ascending by threshold.
type LockTier struct {
	Threshold  time.Duration   `json:"threshold"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// SystemConfig is the process-wide reward/fee configuration singleton.
// Initialized once per deployment, mutated only by the current admin.
// Admin handover is two-phase: propose, then claim by the proposed account.
type SystemConfig struct {
	Admin        string `json:"admin"`
	PendingAdmin string `json:"pending_admin,omitempty"`

	// PlatformAccount receives the platform share of every sale.
	// EscrowAccount is the marketplace operator sellers must authorize.
	// PoolAccount holds custody of staked assets.
	PlatformAccount string `json:"platform_account"`
	EscrowAccount   string `json:"escrow_account"`
	PoolAccount     string `json:"pool_account"`

	PlatformFeeBps int64 `json:"platform_fee_bps"`
	BaseRateBps    int64 `json:"base_rate_bps"`

	MinLock time.Duration `json:"min_lock"`
	MaxLock time.Duration `json:"max_lock"`

	Tiers []LockTier `json:"tiers"`

	// RefundExcess selects the documented alternate settlement mode: a buyer
	// may overpay and only the computed total is moved. Off means exact match.
	RefundExcess bool `json:"refund_excess"`

	// MaxRewardPerFold caps a single accrual fold. Zero means uncapped.
	MaxRewardPerFold decimal.Decimal `json:"max_reward_per_fold"`
}
