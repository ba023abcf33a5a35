// Package store defines the persistence interface for the impact engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded
// single-node deployments), Redis (read-through cache), and in-memory
// (for testing and dev mode).
package store

import (
	"context"

	"github.com/impactmx/impact-engine/internal/model"
)

// Store is the persistence interface. Listing and stake ids are assigned by
// the store, strictly increasing and never reused, even after cancellation.
// Absent records are reported by wrapping model.ErrNotFound.
type Store interface {
	// --- Listings ---

	// CreateListing persists a new listing and returns its assigned id.
	CreateListing(ctx context.Context, l *model.Listing) (int64, error)

	// GetListing retrieves a listing by id, active or not.
	GetListing(ctx context.Context, id int64) (*model.Listing, error)

	// ListActiveListings returns all currently active listings.
	ListActiveListings(ctx context.Context) ([]model.Listing, error)

	// ListListingsBySeller returns all of a seller's listings, any state.
	ListListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error)

	// UpdateListing overwrites the mutable fields of an existing listing.
	UpdateListing(ctx context.Context, l *model.Listing) error

	// --- Offers ---

	// PutOffer inserts an offer keyed by (listing id, offeror).
	PutOffer(ctx context.Context, o *model.Offer) error

	// GetOffer retrieves one offer by its composite key.
	GetOffer(ctx context.Context, listingID int64, offeror string) (*model.Offer, error)

	// DeleteOffer removes an offer. Deleting an absent offer is an error.
	DeleteOffer(ctx context.Context, listingID int64, offeror string) error

	// ListOffersByListing returns all offers on a listing.
	ListOffersByListing(ctx context.Context, listingID int64) ([]model.Offer, error)

	// --- Stakes ---

	// CreateStake persists a new stake record and returns its assigned id.
	CreateStake(ctx context.Context, r *model.StakeRecord) (int64, error)

	// GetStake retrieves a stake record by id.
	GetStake(ctx context.Context, id int64) (*model.StakeRecord, error)

	// GetStakeByAsset retrieves the record holding the given asset unit.
	GetStakeByAsset(ctx context.Context, assetRef model.AssetRef) (*model.StakeRecord, error)

	// ListStakesByOwner returns all stake records for an owner.
	ListStakesByOwner(ctx context.Context, owner string) ([]model.StakeRecord, error)

	// UpdateStake overwrites an existing stake record.
	UpdateStake(ctx context.Context, r *model.StakeRecord) error

	// DeleteStake removes a stake record on full unstake.
	DeleteStake(ctx context.Context, id int64) error

	// --- System config singleton ---

	// GetConfig returns the system configuration.
	GetConfig(ctx context.Context) (*model.SystemConfig, error)

	// SaveConfig persists the system configuration.
	SaveConfig(ctx context.Context, cfg *model.SystemConfig) error
}
