package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/impactmx/impact-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database for
// single-node deployments that want persistence without PostgreSQL.
// Monetary values are stored as TEXT decimals, timestamps as unix
// nanoseconds. AUTOINCREMENT guarantees ids are never reused.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Serialized settlement upstream means one writer; a single connection
	// avoids SQLITE_BUSY on concurrent reads during writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			seller             TEXT NOT NULL,
			collection         TEXT NOT NULL,
			unit_id            TEXT NOT NULL,
			kind               TEXT NOT NULL,
			unit_price         TEXT NOT NULL,
			quantity_remaining INTEGER NOT NULL,
			active             INTEGER NOT NULL,
			listed_at          INTEGER NOT NULL,
			creator            TEXT NOT NULL DEFAULT '',
			royalty_bps        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller)`,
		`CREATE TABLE IF NOT EXISTS offers (
			listing_id     INTEGER NOT NULL,
			offeror        TEXT NOT NULL,
			quantity       INTEGER NOT NULL,
			price_per_unit TEXT NOT NULL,
			expires_at     INTEGER NOT NULL,
			PRIMARY KEY (listing_id, offeror)
		)`,
		`CREATE TABLE IF NOT EXISTS stakes (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_account     TEXT NOT NULL,
			collection        TEXT NOT NULL,
			unit_id           TEXT NOT NULL,
			kind              TEXT NOT NULL,
			impact_value      TEXT NOT NULL,
			staked_at         INTEGER NOT NULL,
			locked_at         INTEGER,
			lock_end          INTEGER,
			multiplier        TEXT,
			last_accrual_time INTEGER NOT NULL,
			accrued_rewards   TEXT NOT NULL,
			UNIQUE (collection, unit_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stakes_owner ON stakes(owner_account)`,
		`CREATE TABLE IF NOT EXISTS system_config (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// --- Listings ---

func (s *SQLiteStore) CreateListing(ctx context.Context, l *model.Listing) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO listings (seller, collection, unit_id, kind, unit_price, quantity_remaining, active, listed_at, creator, royalty_bps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Seller, l.Asset.Collection, l.Asset.UnitID, string(l.Asset.Kind),
		l.UnitPrice.String(), l.QuantityRemaining, boolToInt(l.Active), nanos(l.ListedAt),
		l.Creator, l.RoyaltyBps,
	)
	if err != nil {
		return 0, fmt.Errorf("create listing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create listing id: %w", err)
	}
	l.ID = id
	return id, nil
}

func (s *SQLiteStore) scanListingRow(row *sql.Row) (*model.Listing, error) {
	var l model.Listing
	var kind, price string
	var active int
	var listedAt int64

	err := row.Scan(&l.ID, &l.Seller, &l.Asset.Collection, &l.Asset.UnitID, &kind,
		&price, &l.QuantityRemaining, &active, &listedAt, &l.Creator, &l.RoyaltyBps)
	if err != nil {
		return nil, err
	}
	l.Asset.Kind = model.AssetKind(kind)
	l.UnitPrice, _ = decimal.NewFromString(price)
	l.Active = active != 0
	l.ListedAt = fromNanos(listedAt)
	return &l, nil
}

func (s *SQLiteStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, seller, collection, unit_id, kind, unit_price, quantity_remaining, active, listed_at, creator, royalty_bps
		 FROM listings WHERE id = ?`, id)
	l, err := s.scanListingRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return l, nil
}

func (s *SQLiteStore) listListings(ctx context.Context, query string, args ...any) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var kind, price string
		var active int
		var listedAt int64
		if err := rows.Scan(&l.ID, &l.Seller, &l.Asset.Collection, &l.Asset.UnitID, &kind,
			&price, &l.QuantityRemaining, &active, &listedAt, &l.Creator, &l.RoyaltyBps); err != nil {
			return nil, err
		}
		l.Asset.Kind = model.AssetKind(kind)
		l.UnitPrice, _ = decimal.NewFromString(price)
		l.Active = active != 0
		l.ListedAt = fromNanos(listedAt)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *SQLiteStore) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	return s.listListings(ctx,
		`SELECT id, seller, collection, unit_id, kind, unit_price, quantity_remaining, active, listed_at, creator, royalty_bps
		 FROM listings WHERE active = 1 ORDER BY id`)
}

func (s *SQLiteStore) ListListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error) {
	return s.listListings(ctx,
		`SELECT id, seller, collection, unit_id, kind, unit_price, quantity_remaining, active, listed_at, creator, royalty_bps
		 FROM listings WHERE seller = ? ORDER BY id`, seller)
}

func (s *SQLiteStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET unit_price = ?, quantity_remaining = ?, active = ? WHERE id = ?`,
		l.UnitPrice.String(), l.QuantityRemaining, boolToInt(l.Active), l.ID)
	if err != nil {
		return fmt.Errorf("update listing %d: %w", l.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("listing %d: %w", l.ID, model.ErrNotFound)
	}
	return nil
}

// --- Offers ---

func (s *SQLiteStore) PutOffer(ctx context.Context, o *model.Offer) error {
	// INSERT OR IGNORE instead of decoding the constraint error, so
	// duplicates surface as the same sentinel on every backend.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO offers (listing_id, offeror, quantity, price_per_unit, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.ListingID, o.Offeror, o.Quantity, o.PricePerUnit.String(), nanos(o.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("offer on listing %d by %s: %w", o.ListingID, o.Offeror, model.ErrAlreadyExists)
	}
	return nil
}

func (s *SQLiteStore) GetOffer(ctx context.Context, listingID int64, offeror string) (*model.Offer, error) {
	var o model.Offer
	var price string
	var expiresAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT listing_id, offeror, quantity, price_per_unit, expires_at
		 FROM offers WHERE listing_id = ? AND offeror = ?`, listingID, offeror).
		Scan(&o.ListingID, &o.Offeror, &o.Quantity, &price, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer on listing %d by %s: %w", listingID, offeror, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	o.PricePerUnit, _ = decimal.NewFromString(price)
	o.ExpiresAt = fromNanos(expiresAt)
	return &o, nil
}

func (s *SQLiteStore) DeleteOffer(ctx context.Context, listingID int64, offeror string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offers WHERE listing_id = ? AND offeror = ?`, listingID, offeror)
	if err != nil {
		return fmt.Errorf("delete offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("offer on listing %d by %s: %w", listingID, offeror, model.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListOffersByListing(ctx context.Context, listingID int64) ([]model.Offer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT listing_id, offeror, quantity, price_per_unit, expires_at
		 FROM offers WHERE listing_id = ? ORDER BY offeror`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		var price string
		var expiresAt int64
		if err := rows.Scan(&o.ListingID, &o.Offeror, &o.Quantity, &price, &expiresAt); err != nil {
			return nil, err
		}
		o.PricePerUnit, _ = decimal.NewFromString(price)
		o.ExpiresAt = fromNanos(expiresAt)
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// --- Stakes ---

func (s *SQLiteStore) CreateStake(ctx context.Context, r *model.StakeRecord) (int64, error) {
	var lockedAt, lockEnd *int64
	var multiplier *string
	if r.Lock != nil {
		la, le := nanos(r.Lock.LockedAt), nanos(r.Lock.LockEnd)
		lockedAt, lockEnd = &la, &le
		m := r.Lock.Multiplier.String()
		multiplier = &m
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stakes (owner_account, collection, unit_id, kind, impact_value,
		                     staked_at, locked_at, lock_end, multiplier,
		                     last_accrual_time, accrued_rewards)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Owner, r.Asset.Collection, r.Asset.UnitID, string(r.Asset.Kind),
		r.ImpactValue.String(), nanos(r.StakedAt), lockedAt, lockEnd, multiplier,
		nanos(r.LastAccrualTime), r.AccruedRewards.String())
	if err != nil {
		return 0, fmt.Errorf("create stake: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create stake id: %w", err)
	}
	r.ID = id
	return id, nil
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteStake(row sqliteRow) (*model.StakeRecord, error) {
	var r model.StakeRecord
	var kind, impact, accrued string
	var stakedAt, lastAccrual int64
	var lockedAt, lockEnd *int64
	var multiplier *string

	err := row.Scan(&r.ID, &r.Owner, &r.Asset.Collection, &r.Asset.UnitID, &kind,
		&impact, &stakedAt, &lockedAt, &lockEnd, &multiplier, &lastAccrual, &accrued)
	if err != nil {
		return nil, err
	}
	r.Asset.Kind = model.AssetKind(kind)
	r.ImpactValue, _ = decimal.NewFromString(impact)
	r.AccruedRewards, _ = decimal.NewFromString(accrued)
	r.StakedAt = fromNanos(stakedAt)
	r.LastAccrualTime = fromNanos(lastAccrual)
	if lockedAt != nil && lockEnd != nil && multiplier != nil {
		mult, _ := decimal.NewFromString(*multiplier)
		r.Lock = &model.Lock{
			LockedAt:   fromNanos(*lockedAt),
			LockEnd:    fromNanos(*lockEnd),
			Multiplier: mult,
		}
	}
	return &r, nil
}

const sqliteStakeCols = `id, owner_account, collection, unit_id, kind, impact_value,
	staked_at, locked_at, lock_end, multiplier, last_accrual_time, accrued_rewards`

func (s *SQLiteStore) GetStake(ctx context.Context, id int64) (*model.StakeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStakeCols+` FROM stakes WHERE id = ?`, id)
	r, err := scanSQLiteStake(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stake %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stake %d: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) GetStakeByAsset(ctx context.Context, assetRef model.AssetRef) (*model.StakeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStakeCols+` FROM stakes WHERE collection = ? AND unit_id = ?`,
		assetRef.Collection, assetRef.UnitID)
	r, err := scanSQLiteStake(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stake for asset %s: %w", assetRef.Key(), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stake by asset %s: %w", assetRef.Key(), err)
	}
	return r, nil
}

func (s *SQLiteStore) ListStakesByOwner(ctx context.Context, owner string) ([]model.StakeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStakeCols+` FROM stakes WHERE owner_account = ? ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.StakeRecord
	for rows.Next() {
		r, err := scanSQLiteStake(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) UpdateStake(ctx context.Context, r *model.StakeRecord) error {
	var lockedAt, lockEnd *int64
	var multiplier *string
	if r.Lock != nil {
		la, le := nanos(r.Lock.LockedAt), nanos(r.Lock.LockEnd)
		lockedAt, lockEnd = &la, &le
		m := r.Lock.Multiplier.String()
		multiplier = &m
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE stakes
		 SET locked_at = ?, lock_end = ?, multiplier = ?, last_accrual_time = ?, accrued_rewards = ?
		 WHERE id = ?`,
		lockedAt, lockEnd, multiplier, nanos(r.LastAccrualTime), r.AccruedRewards.String(), r.ID)
	if err != nil {
		return fmt.Errorf("update stake %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stake %d: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteStake(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stakes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete stake %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stake %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- System config ---

func (s *SQLiteStore) GetConfig(ctx context.Context) (*model.SystemConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM system_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("system config: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}

	var cfg model.SystemConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (s *SQLiteStore) SaveConfig(ctx context.Context, cfg *model.SystemConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO system_config (id, data) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(data))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
