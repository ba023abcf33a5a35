package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/impactmx/impact-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Listing and stake ids come from BIGSERIAL sequences, so they are strictly
// increasing and never reused.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id                 BIGSERIAL PRIMARY KEY,
			seller             TEXT NOT NULL,
			collection         TEXT NOT NULL,
			unit_id            TEXT NOT NULL,
			kind               TEXT NOT NULL,
			unit_price         NUMERIC NOT NULL,
			quantity_remaining BIGINT NOT NULL,
			active             BOOLEAN NOT NULL,
			listed_at          TIMESTAMPTZ NOT NULL,
			creator            TEXT NOT NULL DEFAULT '',
			royalty_bps        BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_active ON listings(active)`,
		`CREATE TABLE IF NOT EXISTS offers (
			listing_id     BIGINT NOT NULL,
			offeror        TEXT NOT NULL,
			quantity       BIGINT NOT NULL,
			price_per_unit NUMERIC NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (listing_id, offeror)
		)`,
		`CREATE TABLE IF NOT EXISTS stakes (
			id                BIGSERIAL PRIMARY KEY,
			owner_account     TEXT NOT NULL,
			collection        TEXT NOT NULL,
			unit_id           TEXT NOT NULL,
			kind              TEXT NOT NULL,
			impact_value      NUMERIC NOT NULL,
			staked_at         TIMESTAMPTZ NOT NULL,
			locked_at         TIMESTAMPTZ,
			lock_end          TIMESTAMPTZ,
			multiplier        NUMERIC,
			last_accrual_time TIMESTAMPTZ NOT NULL,
			accrued_rewards   NUMERIC NOT NULL,
			UNIQUE (collection, unit_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stakes_owner ON stakes(owner_account)`,
		`CREATE TABLE IF NOT EXISTS system_config (
			id   SMALLINT PRIMARY KEY CHECK (id = 1),
			data JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- Listings ---

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) (int64, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO listings (seller, collection, unit_id, kind, unit_price, quantity_remaining, active, listed_at, creator, royalty_bps)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)
		 RETURNING id`,
		l.Seller, l.Asset.Collection, l.Asset.UnitID, string(l.Asset.Kind),
		l.UnitPrice.String(), l.QuantityRemaining, l.Active, l.ListedAt,
		l.Creator, l.RoyaltyBps,
	).Scan(&l.ID)
	if err != nil {
		return 0, fmt.Errorf("create listing: %w", err)
	}
	return l.ID, nil
}

const listingCols = `id, seller, collection, unit_id, kind,
	unit_price::TEXT, quantity_remaining, active, listed_at, creator, royalty_bps`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var kind, price string

	err := row.Scan(&l.ID, &l.Seller, &l.Asset.Collection, &l.Asset.UnitID, &kind,
		&price, &l.QuantityRemaining, &l.Active, &l.ListedAt, &l.Creator, &l.RoyaltyBps)
	if err != nil {
		return nil, err
	}
	l.Asset.Kind = model.AssetKind(kind)
	l.UnitPrice, _ = decimal.NewFromString(price)
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) listListings(ctx context.Context, query string, args ...any) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	return s.listListings(ctx,
		`SELECT `+listingCols+` FROM listings WHERE active ORDER BY id`)
}

func (s *PostgresStore) ListListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error) {
	return s.listListings(ctx,
		`SELECT `+listingCols+` FROM listings WHERE seller = $1 ORDER BY id`, seller)
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	// Seller and asset are immutable after creation, so only the mutable
	// columns are written.
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET unit_price = $2::NUMERIC, quantity_remaining = $3, active = $4
		 WHERE id = $1`,
		l.ID, l.UnitPrice.String(), l.QuantityRemaining, l.Active,
	)
	if err != nil {
		return fmt.Errorf("update listing %d: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %d: %w", l.ID, model.ErrNotFound)
	}
	return nil
}

// --- Offers ---

func (s *PostgresStore) PutOffer(ctx context.Context, o *model.Offer) error {
	// ON CONFLICT DO NOTHING instead of mapping the unique-violation error
	// code, so duplicates surface as the same sentinel on every backend.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO offers (listing_id, offeror, quantity, price_per_unit, expires_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (listing_id, offeror) DO NOTHING`,
		o.ListingID, o.Offeror, o.Quantity, o.PricePerUnit.String(), o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer on listing %d by %s: %w", o.ListingID, o.Offeror, model.ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetOffer(ctx context.Context, listingID int64, offeror string) (*model.Offer, error) {
	var o model.Offer
	var price string

	err := s.pool.QueryRow(ctx,
		`SELECT listing_id, offeror, quantity, price_per_unit::TEXT, expires_at
		 FROM offers WHERE listing_id = $1 AND offeror = $2`, listingID, offeror).
		Scan(&o.ListingID, &o.Offeror, &o.Quantity, &price, &o.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("offer on listing %d by %s: %w", listingID, offeror, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	o.PricePerUnit, _ = decimal.NewFromString(price)
	return &o, nil
}

func (s *PostgresStore) DeleteOffer(ctx context.Context, listingID int64, offeror string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM offers WHERE listing_id = $1 AND offeror = $2`, listingID, offeror)
	if err != nil {
		return fmt.Errorf("delete offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer on listing %d by %s: %w", listingID, offeror, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListOffersByListing(ctx context.Context, listingID int64) ([]model.Offer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT listing_id, offeror, quantity, price_per_unit::TEXT, expires_at
		 FROM offers WHERE listing_id = $1 ORDER BY offeror`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		var price string
		if err := rows.Scan(&o.ListingID, &o.Offeror, &o.Quantity, &price, &o.ExpiresAt); err != nil {
			return nil, err
		}
		o.PricePerUnit, _ = decimal.NewFromString(price)
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// --- Stakes ---

func (s *PostgresStore) CreateStake(ctx context.Context, r *model.StakeRecord) (int64, error) {
	var lockedAt, lockEnd *time.Time
	var multiplier *string
	if r.Lock != nil {
		lockedAt, lockEnd = &r.Lock.LockedAt, &r.Lock.LockEnd
		m := r.Lock.Multiplier.String()
		multiplier = &m
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO stakes (owner_account, collection, unit_id, kind, impact_value,
		                     staked_at, locked_at, lock_end, multiplier,
		                     last_accrual_time, accrued_rewards)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10, $11::NUMERIC)
		 RETURNING id`,
		r.Owner, r.Asset.Collection, r.Asset.UnitID, string(r.Asset.Kind),
		r.ImpactValue.String(), r.StakedAt, lockedAt, lockEnd, multiplier,
		r.LastAccrualTime, r.AccruedRewards.String(),
	).Scan(&r.ID)
	if err != nil {
		return 0, fmt.Errorf("create stake: %w", err)
	}
	return r.ID, nil
}

const stakeCols = `id, owner_account, collection, unit_id, kind,
	impact_value::TEXT, staked_at, locked_at, lock_end, multiplier::TEXT,
	last_accrual_time, accrued_rewards::TEXT`

func scanStake(row pgx.Row) (*model.StakeRecord, error) {
	var r model.StakeRecord
	var kind, impact, accrued string
	var lockedAt, lockEnd *time.Time
	var multiplier *string

	err := row.Scan(&r.ID, &r.Owner, &r.Asset.Collection, &r.Asset.UnitID, &kind,
		&impact, &r.StakedAt, &lockedAt, &lockEnd, &multiplier,
		&r.LastAccrualTime, &accrued)
	if err != nil {
		return nil, err
	}
	r.Asset.Kind = model.AssetKind(kind)
	r.ImpactValue, _ = decimal.NewFromString(impact)
	r.AccruedRewards, _ = decimal.NewFromString(accrued)
	if lockedAt != nil && lockEnd != nil && multiplier != nil {
		mult, _ := decimal.NewFromString(*multiplier)
		r.Lock = &model.Lock{LockedAt: *lockedAt, LockEnd: *lockEnd, Multiplier: mult}
	}
	return &r, nil
}

func (s *PostgresStore) GetStake(ctx context.Context, id int64) (*model.StakeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stakeCols+` FROM stakes WHERE id = $1`, id)
	r, err := scanStake(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stake %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stake %d: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) GetStakeByAsset(ctx context.Context, assetRef model.AssetRef) (*model.StakeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stakeCols+` FROM stakes WHERE collection = $1 AND unit_id = $2`,
		assetRef.Collection, assetRef.UnitID)
	r, err := scanStake(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stake for asset %s: %w", assetRef.Key(), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stake by asset %s: %w", assetRef.Key(), err)
	}
	return r, nil
}

func (s *PostgresStore) ListStakesByOwner(ctx context.Context, owner string) ([]model.StakeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stakeCols+` FROM stakes WHERE owner_account = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.StakeRecord
	for rows.Next() {
		r, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) UpdateStake(ctx context.Context, r *model.StakeRecord) error {
	var lockedAt, lockEnd *time.Time
	var multiplier *string
	if r.Lock != nil {
		lockedAt, lockEnd = &r.Lock.LockedAt, &r.Lock.LockEnd
		m := r.Lock.Multiplier.String()
		multiplier = &m
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE stakes
		 SET locked_at = $2, lock_end = $3, multiplier = $4::NUMERIC,
		     last_accrual_time = $5, accrued_rewards = $6::NUMERIC
		 WHERE id = $1`,
		r.ID, lockedAt, lockEnd, multiplier, r.LastAccrualTime, r.AccruedRewards.String(),
	)
	if err != nil {
		return fmt.Errorf("update stake %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stake %d: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteStake(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stakes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stake %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stake %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- System config ---

func (s *PostgresStore) GetConfig(ctx context.Context) (*model.SystemConfig, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM system_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("system config: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}

	var cfg model.SystemConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) SaveConfig(ctx context.Context, cfg *model.SystemConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO system_config (id, data) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
