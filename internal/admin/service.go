// Package admin exposes the system configuration surface: reading the
// active config, updating fee and reward parameters, and the two-phase
// admin handover (propose, then claim by the proposed account).
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/impactmx/impact-engine/internal/events"
	"github.com/impactmx/impact-engine/internal/httperr"
	"github.com/impactmx/impact-engine/internal/model"
	"github.com/impactmx/impact-engine/internal/staking"
	"github.com/impactmx/impact-engine/internal/store"
)

// Service handles configuration and admin-handover operations.
type Service struct {
	store    store.Store
	hub      *events.Hub // optional, nil disables broadcasting
	validate *validator.Validate
	mu       sync.Mutex
	now      func() time.Time
}

// NewService creates a new admin service.
func NewService(st store.Store, hub *events.Hub) *Service {
	return &Service{
		store:    st,
		hub:      hub,
		validate: validator.New(),
		now:      time.Now,
	}
}

// ProposeAdminRequest is the JSON body for POST /admin/propose.
type ProposeAdminRequest struct {
	Caller   string `json:"caller" validate:"required"`
	NewAdmin string `json:"new_admin" validate:"required"`
}

// ClaimAdminRequest is the JSON body for POST /admin/claim.
type ClaimAdminRequest struct {
	Caller string `json:"caller" validate:"required"`
}

// UpdateConfigRequest is the JSON body for POST /admin/config.
// Nil fields are left unchanged.
type UpdateConfigRequest struct {
	Caller           string           `json:"caller" validate:"required"`
	PlatformFeeBps   *int64           `json:"platform_fee_bps,omitempty"`
	BaseRateBps      *int64           `json:"base_rate_bps,omitempty"`
	MinLockSeconds   *int64           `json:"min_lock_seconds,omitempty"`
	MaxLockSeconds   *int64           `json:"max_lock_seconds,omitempty"`
	Tiers            []model.LockTier `json:"tiers,omitempty"`
	RefundExcess     *bool            `json:"refund_excess,omitempty"`
	MaxRewardPerFold *decimal.Decimal `json:"max_reward_per_fold,omitempty"`
}

// GetConfig handles GET /api/v1/config
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context())
	if err != nil {
		httperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// ProposeAdmin handles POST /api/v1/admin/propose
// Only the current admin may nominate a successor; the nomination takes no
// effect until the successor claims it. A second propose overwrites the
// first.
func (s *Service) ProposeAdmin(w http.ResponseWriter, r *http.Request) {
	var req ProposeAdminRequest
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

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Caller != cfg.Admin {
		httperr.Write(w, fmt.Errorf("only the admin may propose a successor: %w", model.ErrUnauthorized))
		return
	}
	if req.NewAdmin == cfg.Admin {
		httperr.Write(w, fmt.Errorf("proposed admin already is the admin: %w", model.ErrInvalidArgument))
		return
	}

	cfg.PendingAdmin = req.NewAdmin
	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{Type: events.TypeAdminProposed, Actor: req.Caller})
	slog.Info("admin handover proposed", "current", cfg.Admin, "proposed", req.NewAdmin)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// ClaimAdmin handles POST /api/v1/admin/claim
// Only the proposed account may claim; the previous admin keeps authority
// until this call succeeds.
func (s *Service) ClaimAdmin(w http.ResponseWriter, r *http.Request) {
	var req ClaimAdminRequest
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

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if cfg.PendingAdmin == "" {
		httperr.Write(w, fmt.Errorf("no handover pending: %w", model.ErrStateConflict))
		return
	}
	if req.Caller != cfg.PendingAdmin {
		httperr.Write(w, fmt.Errorf("only the proposed admin may claim: %w", model.ErrUnauthorized))
		return
	}

	previous := cfg.Admin
	cfg.Admin = cfg.PendingAdmin
	cfg.PendingAdmin = ""
	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{Type: events.TypeAdminClaimed, Actor: req.Caller})
	slog.Info("admin handover claimed", "previous", previous, "admin", cfg.Admin)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// UpdateConfig handles POST /api/v1/admin/config
// Admin-only. Rate changes apply to accrual windows that start after the
// update; callers fold stakes through their own operations.
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
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

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Caller != cfg.Admin {
		httperr.Write(w, fmt.Errorf("only the admin may update config: %w", model.ErrUnauthorized))
		return
	}

	if req.PlatformFeeBps != nil {
		if *req.PlatformFeeBps < 0 || *req.PlatformFeeBps > 10_000 {
			httperr.Write(w, fmt.Errorf("platform_fee_bps %d outside [0, 10000]: %w",
				*req.PlatformFeeBps, model.ErrInvalidArgument))
			return
		}
		cfg.PlatformFeeBps = *req.PlatformFeeBps
	}
	if req.BaseRateBps != nil {
		if *req.BaseRateBps < 0 {
			httperr.Write(w, fmt.Errorf("base_rate_bps %d negative: %w",
				*req.BaseRateBps, model.ErrInvalidArgument))
			return
		}
		cfg.BaseRateBps = *req.BaseRateBps
	}
	if req.MinLockSeconds != nil {
		cfg.MinLock = time.Duration(*req.MinLockSeconds) * time.Second
	}
	if req.MaxLockSeconds != nil {
		cfg.MaxLock = time.Duration(*req.MaxLockSeconds) * time.Second
	}
	if cfg.MinLock <= 0 || cfg.MaxLock < cfg.MinLock {
		httperr.Write(w, fmt.Errorf("lock bounds [%s, %s] invalid: %w",
			cfg.MinLock, cfg.MaxLock, model.ErrInvalidArgument))
		return
	}
	if req.Tiers != nil {
		if err := staking.ValidateTiers(req.Tiers); err != nil {
			httperr.Write(w, fmt.Errorf("%s: %w", err, model.ErrInvalidArgument))
			return
		}
		cfg.Tiers = req.Tiers
	}
	if req.RefundExcess != nil {
		cfg.RefundExcess = *req.RefundExcess
	}
	if req.MaxRewardPerFold != nil {
		if req.MaxRewardPerFold.IsNegative() {
			httperr.Write(w, fmt.Errorf("max_reward_per_fold negative: %w", model.ErrInvalidArgument))
			return
		}
		cfg.MaxRewardPerFold = *req.MaxRewardPerFold
	}

	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{Type: events.TypeConfigUpdated, Actor: req.Caller})
	slog.Info("config updated",
		"by", req.Caller,
		"platform_fee_bps", cfg.PlatformFeeBps,
		"base_rate_bps", cfg.BaseRateBps,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (s *Service) emit(ev events.Event) {
	if s.hub == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.Timestamp = s.now().UTC()
	s.hub.Emit(ev)
}
