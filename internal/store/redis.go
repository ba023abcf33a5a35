package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/impactmx/impact-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) (int64, error) {
	id, err := s.primary.CreateListing(ctx, l)
	if err != nil {
		return 0, err
	}
	s.cacheListing(ctx, l)
	return id, nil
}

func (s *CachedStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.UpdateListing(ctx, l); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, listingKey(l.ID))
	return nil
}

func (s *CachedStore) PutOffer(ctx context.Context, o *model.Offer) error {
	return s.primary.PutOffer(ctx, o)
}

func (s *CachedStore) DeleteOffer(ctx context.Context, listingID int64, offeror string) error {
	return s.primary.DeleteOffer(ctx, listingID, offeror)
}

func (s *CachedStore) CreateStake(ctx context.Context, r *model.StakeRecord) (int64, error) {
	id, err := s.primary.CreateStake(ctx, r)
	if err != nil {
		return 0, err
	}
	s.cacheStake(ctx, r)
	return id, nil
}

func (s *CachedStore) UpdateStake(ctx context.Context, r *model.StakeRecord) error {
	if err := s.primary.UpdateStake(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, stakeKey(r.ID))
	return nil
}

func (s *CachedStore) DeleteStake(ctx context.Context, id int64) error {
	if err := s.primary.DeleteStake(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, stakeKey(id))
	return nil
}

func (s *CachedStore) SaveConfig(ctx context.Context, cfg *model.SystemConfig) error {
	if err := s.primary.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	s.rdb.Del(ctx, configKey())
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheListing(ctx, l)
	return l, nil
}

func (s *CachedStore) GetStake(ctx context.Context, id int64) (*model.StakeRecord, error) {
	data, err := s.rdb.Get(ctx, stakeKey(id)).Bytes()
	if err == nil {
		var r model.StakeRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetStake(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheStake(ctx, r)
	return r, nil
}

func (s *CachedStore) GetConfig(ctx context.Context) (*model.SystemConfig, error) {
	data, err := s.rdb.Get(ctx, configKey()).Bytes()
	if err == nil {
		var cfg model.SystemConfig
		if json.Unmarshal(data, &cfg) == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.primary.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(cfg); err == nil {
		s.rdb.Set(ctx, configKey(), data, s.ttl)
	}
	return cfg, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	return s.primary.ListActiveListings(ctx)
}

func (s *CachedStore) ListListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error) {
	return s.primary.ListListingsBySeller(ctx, seller)
}

func (s *CachedStore) GetOffer(ctx context.Context, listingID int64, offeror string) (*model.Offer, error) {
	return s.primary.GetOffer(ctx, listingID, offeror)
}

func (s *CachedStore) ListOffersByListing(ctx context.Context, listingID int64) ([]model.Offer, error) {
	return s.primary.ListOffersByListing(ctx, listingID)
}

func (s *CachedStore) GetStakeByAsset(ctx context.Context, assetRef model.AssetRef) (*model.StakeRecord, error) {
	return s.primary.GetStakeByAsset(ctx, assetRef)
}

func (s *CachedStore) ListStakesByOwner(ctx context.Context, owner string) ([]model.StakeRecord, error) {
	return s.primary.ListStakesByOwner(ctx, owner)
}

// --- Cache helpers ---

func (s *CachedStore) cacheListing(ctx context.Context, l *model.Listing) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(l.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheStake(ctx context.Context, r *model.StakeRecord) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, stakeKey(r.ID), data, s.ttl)
	}
}

func listingKey(id int64) string { return fmt.Sprintf("listing:%d", id) }
func stakeKey(id int64) string   { return fmt.Sprintf("stake:%d", id) }
func configKey() string          { return "system:config" }
