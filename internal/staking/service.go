package staking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/impactmx/impact-engine/internal/asset"
	"github.com/impactmx/impact-engine/internal/custody"
	"github.com/impactmx/impact-engine/internal/events"
	"github.com/impactmx/impact-engine/internal/httperr"
	"github.com/impactmx/impact-engine/internal/metrics"
	"github.com/impactmx/impact-engine/internal/model"
	"github.com/impactmx/impact-engine/internal/store"
)

var secondsPerYear = decimal.NewFromInt(31_536_000)

var bpsDenominator = decimal.NewFromInt(10_000)

// Service handles stake operations. Uses a mutex for serialized execution of
// every state-mutating call (single-instance); each operation runs to
// completion or fails atomically, there is no mid-operation yielding.
type Service struct {
	store    store.Store
	custody  custody.Adapter
	ledger   custody.Ledger
	hub      *events.Hub // optional, nil disables broadcasting
	validate *validator.Validate
	mu       sync.Mutex
	now      func() time.Time
}

// NewService creates a new staking service.
// Pass nil for hub if event broadcasting is not needed.
func NewService(st store.Store, cust custody.Adapter, ledger custody.Ledger, hub *events.Hub) *Service {
	return &Service{
		store:    st,
		custody:  cust,
		ledger:   ledger,
		hub:      hub,
		validate: validator.New(),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook for deterministic accrual.
func (s *Service) SetClock(fn func() time.Time) {
	s.now = fn
}

// --- Reward accrual ---

// fold computes the reward earned since the record's last checkpoint and
// adds it into the accrued balance, advancing the checkpoint to now.
// Invoked before every state-mutating stake operation so that no reward
// window ever straddles two multipliers. A zero elapsed time is a no-op,
// not an error.
//
//	reward = impact_value * rate_bps * multiplier * elapsed_seconds
//	         ---------------------------------------------------    (floor)
//	                       10000 * seconds_per_year
//
// No compounding: accrued rewards do not themselves earn rewards.
func fold(rec *model.StakeRecord, cfg *model.SystemConfig, now time.Time) decimal.Decimal {
	elapsed := now.Unix() - rec.LastAccrualTime.Unix()
	if elapsed <= 0 {
		return decimal.Zero
	}

	multiplier := BaseMultiplier
	if rec.Lock != nil {
		multiplier = rec.Lock.Multiplier
	}

	numerator := rec.ImpactValue.
		Mul(decimal.NewFromInt(cfg.BaseRateBps)).
		Mul(multiplier).
		Mul(decimal.NewFromInt(elapsed))
	reward, _ := numerator.QuoRem(bpsDenominator.Mul(secondsPerYear), 0)

	// Saturate instead of silently folding an implausible amount.
	if cfg.MaxRewardPerFold.IsPositive() && reward.GreaterThan(cfg.MaxRewardPerFold) {
		reward = cfg.MaxRewardPerFold
	}

	rec.AccruedRewards = rec.AccruedRewards.Add(reward)
	rec.LastAccrualTime = now
	return reward
}

// --- Request/Response types ---

// StakeRequest is the JSON body for POST /stakes.
type StakeRequest struct {
	Owner       string          `json:"owner" validate:"required"`
	Asset       string          `json:"asset" validate:"required"` // collection:unit:kind
	ImpactValue decimal.Decimal `json:"impact_value"`
}

// LockRequest is the JSON body for POST /stakes/{stakeID}/lock.
type LockRequest struct {
	Caller          string `json:"caller" validate:"required"`
	DurationSeconds int64  `json:"duration_seconds" validate:"required,gt=0"`
}

// CallerRequest is the JSON body for unlock/claim/unstake.
type CallerRequest struct {
	Caller string `json:"caller" validate:"required"`
}

// ClaimResponse reports a reward payout.
type ClaimResponse struct {
	StakeID int64           `json:"stake_id"`
	Owner   string          `json:"owner"`
	Reward  decimal.Decimal `json:"reward"`
}

// UnstakeResponse reports the final payout and the returned asset.
type UnstakeResponse struct {
	StakeID int64           `json:"stake_id"`
	Owner   string          `json:"owner"`
	Asset   string          `json:"asset"`
	Reward  decimal.Decimal `json:"reward"`
}

// --- HTTP Handlers ---

// Stake handles POST /api/v1/stakes
// Verifies custody-adapter ownership and authorization, moves the unit into
// the pool, and creates the stake record.
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	assetRef, err := asset.ParseRef(req.Asset)
	if err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.ImpactValue.IsPositive() || !req.ImpactValue.IsInteger() {
		httperr.Write(w, fmt.Errorf("impact_value must be a positive integer: %w", model.ErrInvalidArgument))
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	if err := s.verifyCustody(ctx, req.Owner, assetRef, cfg.PoolAccount); err != nil {
		httperr.Write(w, err)
		return
	}

	if _, err := s.store.GetStakeByAsset(ctx, assetRef); err == nil {
		httperr.Write(w, fmt.Errorf("asset %s: %w", assetRef.Key(), model.ErrAlreadyStaked))
		return
	}

	now := s.now().UTC()
	rec := &model.StakeRecord{
		Owner:           req.Owner,
		Asset:           assetRef,
		ImpactValue:     req.ImpactValue,
		StakedAt:        now,
		LastAccrualTime: now,
		AccruedRewards:  decimal.Zero,
	}

	if _, err := s.store.CreateStake(ctx, rec); err != nil {
		httperr.Write(w, err)
		return
	}

	if err := s.custody.Transfer(ctx, req.Owner, cfg.PoolAccount, assetRef, 1); err != nil {
		// Custody refused: the stake must not exist either.
		s.store.DeleteStake(ctx, rec.ID)
		httperr.Write(w, err)
		return
	}

	metrics.Stakes.Inc()
	metrics.StakedAssets.Inc()
	s.emit(events.Event{
		Type:    events.TypeStaked,
		StakeID: rec.ID,
		Actor:   req.Owner,
		Asset:   asset.FormatRef(assetRef),
	})

	slog.Info("asset staked",
		"stake_id", rec.ID,
		"owner", req.Owner,
		"asset", assetRef.Key(),
		"impact_value", req.ImpactValue.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

// GetStake handles GET /api/v1/stakes/{stakeID}
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "stakeID"), 10, 64)
	if err != nil {
		httperr.WriteMessage(w, "invalid stake id", http.StatusBadRequest)
		return
	}

	rec, err := s.store.GetStake(r.Context(), id)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// ListStakes handles GET /api/v1/stakes?owner=<account>
func (s *Service) ListStakes(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		httperr.WriteMessage(w, "owner query parameter is required", http.StatusBadRequest)
		return
	}

	records, err := s.store.ListStakesByOwner(r.Context(), owner)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if records == nil {
		records = []model.StakeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// Lock handles POST /api/v1/stakes/{stakeID}/lock
// Folds pending accrual at the old multiplier first, then snapshots the new
// multiplier from the tier table for the lock's whole lifetime.
func (s *Service) Lock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, cfg, err := s.loadStakeAndConfig(ctx, r)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	if req.Caller != rec.Owner {
		httperr.Write(w, fmt.Errorf("only the stake owner may lock: %w", model.ErrUnauthorized))
		return
	}
	if rec.Lock != nil {
		httperr.Write(w, fmt.Errorf("stake %d: %w", rec.ID, model.ErrAlreadyLocked))
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration < cfg.MinLock || duration > cfg.MaxLock {
		httperr.Write(w, fmt.Errorf("lock duration %s outside [%s, %s]: %w",
			duration, cfg.MinLock, cfg.MaxLock, model.ErrInvalidArgument))
		return
	}
	if err := ValidateTiers(cfg.Tiers); err != nil {
		httperr.Write(w, err)
		return
	}

	now := s.now().UTC()
	fold(rec, cfg, now)

	rec.Lock = &model.Lock{
		LockedAt:   now,
		LockEnd:    now.Add(duration),
		Multiplier: MultiplierFor(cfg.Tiers, duration),
	}

	if err := s.store.UpdateStake(ctx, rec); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{
		Type:    events.TypeLocked,
		StakeID: rec.ID,
		Actor:   req.Caller,
		Asset:   asset.FormatRef(rec.Asset),
	})

	slog.Info("stake locked",
		"stake_id", rec.ID,
		"owner", rec.Owner,
		"duration", duration.String(),
		"multiplier", rec.Lock.Multiplier.String(),
		"lock_end", rec.Lock.LockEnd,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// Unlock handles POST /api/v1/stakes/{stakeID}/unlock
// The owner may unlock once the lock has expired; the admin may force an
// early unlock as an explicit override.
func (s *Service) Unlock(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, cfg, err := s.loadStakeAndConfig(ctx, r)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	isAdmin := req.Caller == cfg.Admin
	if req.Caller != rec.Owner && !isAdmin {
		httperr.Write(w, fmt.Errorf("only the stake owner may unlock: %w", model.ErrUnauthorized))
		return
	}
	if rec.Lock == nil {
		httperr.Write(w, fmt.Errorf("stake %d is not locked: %w", rec.ID, model.ErrStateConflict))
		return
	}

	now := s.now().UTC()
	if now.Before(rec.Lock.LockEnd) && !isAdmin {
		httperr.Write(w, fmt.Errorf("lock expires %s: %w", rec.Lock.LockEnd, model.ErrStateConflict))
		return
	}

	// Fold at the lock's multiplier before clearing it.
	fold(rec, cfg, now)
	rec.Lock = nil

	if err := s.store.UpdateStake(ctx, rec); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{
		Type:    events.TypeUnlocked,
		StakeID: rec.ID,
		Actor:   req.Caller,
		Asset:   asset.FormatRef(rec.Asset),
	})

	slog.Info("stake unlocked", "stake_id", rec.ID, "owner", rec.Owner, "by_admin", isAdmin)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// Claim handles POST /api/v1/stakes/{stakeID}/claim
// Folds accrual, mints the full accrued balance to the owner, and zeroes it
// without unstaking. An immediate second claim pays exactly zero.
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, cfg, err := s.loadStakeAndConfig(ctx, r)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	if req.Caller != rec.Owner {
		httperr.Write(w, fmt.Errorf("only the stake owner may claim: %w", model.ErrUnauthorized))
		return
	}

	now := s.now().UTC()
	fold(rec, cfg, now)

	payout := rec.AccruedRewards
	rec.AccruedRewards = decimal.Zero

	if err := s.store.UpdateStake(ctx, rec); err != nil {
		httperr.Write(w, err)
		return
	}

	if payout.IsPositive() {
		if err := s.ledger.Mint(ctx, rec.Owner, payout); err != nil {
			// Restore the balance so the reward is not lost.
			rec.AccruedRewards = payout
			s.store.UpdateStake(ctx, rec)
			httperr.Write(w, err)
			return
		}
		metrics.RewardsClaimed.Add(payout.InexactFloat64())
	}

	s.emit(events.Event{
		Type:    events.TypeRewardsClaimed,
		StakeID: rec.ID,
		Actor:   rec.Owner,
		Asset:   asset.FormatRef(rec.Asset),
		Reward:  payout.String(),
	})

	slog.Info("rewards claimed",
		"stake_id", rec.ID,
		"owner", rec.Owner,
		"reward", payout.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ClaimResponse{
		StakeID: rec.ID,
		Owner:   rec.Owner,
		Reward:  payout,
	})
}

// Unstake handles POST /api/v1/stakes/{stakeID}/unstake
// Final fold, reward payout, custody back to the owner, record removed.
// The owner cannot unstake before the lock expires; the admin can, as the
// explicit recovery/override path.
func (s *Service) Unstake(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, cfg, err := s.loadStakeAndConfig(ctx, r)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	isAdmin := req.Caller == cfg.Admin
	if req.Caller != rec.Owner && !isAdmin {
		httperr.Write(w, fmt.Errorf("only the stake owner may unstake: %w", model.ErrUnauthorized))
		return
	}

	now := s.now().UTC()
	if rec.Lock != nil && now.Before(rec.Lock.LockEnd) && !isAdmin {
		httperr.Write(w, fmt.Errorf("lock expires %s: %w", rec.Lock.LockEnd, model.ErrStateConflict))
		return
	}

	fold(rec, cfg, now)
	payout := rec.AccruedRewards
	rec.AccruedRewards = decimal.Zero

	// Persist the zeroed balance before any external move. If the delete at
	// the end fails, the surviving record owes nothing, so a retry can never
	// pay the same rewards twice.
	if err := s.store.UpdateStake(ctx, rec); err != nil {
		httperr.Write(w, err)
		return
	}
	restoreAccrued := func() {
		rec.AccruedRewards = payout
		if err := s.store.UpdateStake(ctx, rec); err != nil {
			slog.Error("stake restore failed", "stake_id", rec.ID, "err", err)
		}
	}

	if err := s.custody.Transfer(ctx, cfg.PoolAccount, rec.Owner, rec.Asset, 1); err != nil {
		restoreAccrued()
		httperr.Write(w, err)
		return
	}

	if payout.IsPositive() {
		if err := s.ledger.Mint(ctx, rec.Owner, payout); err != nil {
			// Return the asset to the pool; the stake stays open.
			s.custody.Transfer(ctx, rec.Owner, cfg.PoolAccount, rec.Asset, 1)
			restoreAccrued()
			httperr.Write(w, err)
			return
		}
		metrics.RewardsClaimed.Add(payout.InexactFloat64())
	}

	if err := s.store.DeleteStake(ctx, rec.ID); err != nil {
		httperr.Write(w, err)
		return
	}

	metrics.StakedAssets.Dec()
	s.emit(events.Event{
		Type:    events.TypeUnstaked,
		StakeID: rec.ID,
		Actor:   req.Caller,
		Asset:   asset.FormatRef(rec.Asset),
		Reward:  payout.String(),
	})

	slog.Info("asset unstaked",
		"stake_id", rec.ID,
		"owner", rec.Owner,
		"reward", payout.String(),
		"by_admin", isAdmin,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(UnstakeResponse{
		StakeID: rec.ID,
		Owner:   rec.Owner,
		Asset:   asset.FormatRef(rec.Asset),
		Reward:  payout,
	})
}

// --- Helpers ---

func (s *Service) loadStakeAndConfig(ctx context.Context, r *http.Request) (*model.StakeRecord, *model.SystemConfig, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "stakeID"), 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid stake id: %w", model.ErrInvalidArgument)
	}
	rec, err := s.store.GetStake(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rec, cfg, nil
}

// verifyCustody checks the owner holds the unit and has authorized the pool
// operator to move it.
func (s *Service) verifyCustody(ctx context.Context, owner string, assetRef model.AssetRef, operator string) error {
	balance, err := s.custody.BalanceOf(ctx, owner, assetRef)
	if err != nil {
		return err
	}
	if balance < 1 {
		return fmt.Errorf("%s does not hold %s: %w", owner, assetRef.Key(), model.ErrUnauthorized)
	}
	authorized, err := s.custody.IsAuthorized(ctx, owner, operator)
	if err != nil {
		return err
	}
	if !authorized {
		return fmt.Errorf("%s has not authorized %s: %w", owner, operator, model.ErrUnauthorized)
	}
	return nil
}

func (s *Service) emit(ev events.Event) {
	if s.hub == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.Timestamp = s.now().UTC()
	s.hub.Emit(ev)
}
