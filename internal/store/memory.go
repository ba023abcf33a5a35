package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/impactmx/impact-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// dev mode. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	listings      map[int64]*model.Listing
	offers        map[string]*model.Offer // offerKey(listingID, offeror)
	stakes        map[int64]*model.StakeRecord
	stakesByAsset map[string]int64 // asset key → stake id
	config        *model.SystemConfig

	nextListingID int64
	nextStakeID   int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:      make(map[int64]*model.Listing),
		offers:        make(map[string]*model.Offer),
		stakes:        make(map[int64]*model.StakeRecord),
		stakesByAsset: make(map[string]int64),
	}
}

func offerKey(listingID int64, offeror string) string {
	return fmt.Sprintf("%d:%s", listingID, offeror)
}

func copyListing(l *model.Listing) *model.Listing {
	copy := *l
	return &copy
}

func copyStake(r *model.StakeRecord) *model.StakeRecord {
	copy := *r
	if r.Lock != nil {
		lock := *r.Lock
		copy.Lock = &lock
	}
	return &copy
}

// --- Listings ---

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListingID++
	l.ID = s.nextListingID
	s.listings[l.ID] = copyListing(l)
	return l.ID, nil
}

func (s *MemoryStore) GetListing(_ context.Context, id int64) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, model.ErrNotFound)
	}
	return copyListing(l), nil
}

func (s *MemoryStore) ListActiveListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var listings []model.Listing
	for _, l := range s.listings {
		if l.Active {
			listings = append(listings, *l)
		}
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })
	return listings, nil
}

func (s *MemoryStore) ListListingsBySeller(_ context.Context, seller string) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var listings []model.Listing
	for _, l := range s.listings {
		if l.Seller == seller {
			listings = append(listings, *l)
		}
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })
	return listings, nil
}

func (s *MemoryStore) UpdateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; !ok {
		return fmt.Errorf("listing %d: %w", l.ID, model.ErrNotFound)
	}
	s.listings[l.ID] = copyListing(l)
	return nil
}

// --- Offers ---

func (s *MemoryStore) PutOffer(_ context.Context, o *model.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offerKey(o.ListingID, o.Offeror)
	if _, ok := s.offers[key]; ok {
		return fmt.Errorf("offer %s: %w", key, model.ErrAlreadyExists)
	}
	copy := *o
	s.offers[key] = &copy
	return nil
}

func (s *MemoryStore) GetOffer(_ context.Context, listingID int64, offeror string) (*model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[offerKey(listingID, offeror)]
	if !ok {
		return nil, fmt.Errorf("offer on listing %d by %s: %w", listingID, offeror, model.ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) DeleteOffer(_ context.Context, listingID int64, offeror string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offerKey(listingID, offeror)
	if _, ok := s.offers[key]; !ok {
		return fmt.Errorf("offer %s: %w", key, model.ErrNotFound)
	}
	delete(s.offers, key)
	return nil
}

func (s *MemoryStore) ListOffersByListing(_ context.Context, listingID int64) ([]model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var offers []model.Offer
	for _, o := range s.offers {
		if o.ListingID == listingID {
			offers = append(offers, *o)
		}
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].Offeror < offers[j].Offeror })
	return offers, nil
}

// --- Stakes ---

func (s *MemoryStore) CreateStake(_ context.Context, r *model.StakeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Asset.Key()
	if _, ok := s.stakesByAsset[key]; ok {
		return 0, fmt.Errorf("stake for asset %s: %w", key, model.ErrAlreadyStaked)
	}

	s.nextStakeID++
	r.ID = s.nextStakeID
	s.stakes[r.ID] = copyStake(r)
	s.stakesByAsset[key] = r.ID
	return r.ID, nil
}

func (s *MemoryStore) GetStake(_ context.Context, id int64) (*model.StakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.stakes[id]
	if !ok {
		return nil, fmt.Errorf("stake %d: %w", id, model.ErrNotFound)
	}
	return copyStake(r), nil
}

func (s *MemoryStore) GetStakeByAsset(_ context.Context, assetRef model.AssetRef) (*model.StakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.stakesByAsset[assetRef.Key()]
	if !ok {
		return nil, fmt.Errorf("stake for asset %s: %w", assetRef.Key(), model.ErrNotFound)
	}
	return copyStake(s.stakes[id]), nil
}

func (s *MemoryStore) ListStakesByOwner(_ context.Context, owner string) ([]model.StakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []model.StakeRecord
	for _, r := range s.stakes {
		if r.Owner == owner {
			records = append(records, *copyStake(r))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *MemoryStore) UpdateStake(_ context.Context, r *model.StakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stakes[r.ID]; !ok {
		return fmt.Errorf("stake %d: %w", r.ID, model.ErrNotFound)
	}
	s.stakes[r.ID] = copyStake(r)
	return nil
}

func (s *MemoryStore) DeleteStake(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.stakes[id]
	if !ok {
		return fmt.Errorf("stake %d: %w", id, model.ErrNotFound)
	}
	delete(s.stakesByAsset, r.Asset.Key())
	delete(s.stakes, id)
	return nil
}

// --- System config ---

func (s *MemoryStore) GetConfig(_ context.Context) (*model.SystemConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return nil, fmt.Errorf("system config: %w", model.ErrNotFound)
	}
	copy := *s.config
	copy.Tiers = append([]model.LockTier(nil), s.config.Tiers...)
	return &copy, nil
}

func (s *MemoryStore) SaveConfig(_ context.Context, cfg *model.SystemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *cfg
	copy.Tiers = append([]model.LockTier(nil), cfg.Tiers...)
	s.config = &copy
	return nil
}
