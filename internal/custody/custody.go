// Package custody defines the external collaborator interfaces the engine
// settles against: the asset custody adapter (who holds which certificate
// unit) and the fungible payment/reward ledger. The engine consumes these and
// never assumes custody without an explicit adapter call.
//
// The in-memory implementations back dev mode and tests, in the same role the
// in-memory store plays for persistence. A production deployment plugs in a
// real custody substrate behind the same interfaces.
package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/impactmx/impact-engine/internal/model"
)

// Adapter is the sole source of truth for asset custody.
// Transfer failing must fail the whole calling operation.
type Adapter interface {
	// OwnerOf returns the current holder of a single-unit asset.
	OwnerOf(ctx context.Context, asset model.AssetRef) (string, error)

	// BalanceOf returns how many units of the asset an account holds.
	// For single-unit kinds the result is 0 or 1.
	BalanceOf(ctx context.Context, owner string, asset model.AssetRef) (int64, error)

	// IsAuthorized reports whether owner has pre-authorized operator to
	// move its units.
	IsAuthorized(ctx context.Context, owner, operator string) (bool, error)

	// Transfer moves quantity units of the asset between accounts.
	Transfer(ctx context.Context, from, to string, asset model.AssetRef, quantity int64) error
}

// Ledger is the fungible payment/reward token ledger.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error

	// Mint creates new reward tokens. Only the reward engine calls this.
	Mint(ctx context.Context, to string, amount decimal.Decimal) error

	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
}

// MemoryCustody implements Adapter with in-memory maps.
type MemoryCustody struct {
	mu        sync.RWMutex
	holdings  map[string]map[string]int64 // asset key → owner → units
	approvals map[string]map[string]bool  // owner → operator → approved
}

// NewMemoryCustody creates an empty in-memory custody adapter.
func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{
		holdings:  make(map[string]map[string]int64),
		approvals: make(map[string]map[string]bool),
	}
}

// Issue credits units of the asset to an owner. Seeding helper for dev/tests;
// a real custody substrate mints through its own channel.
func (c *MemoryCustody) Issue(owner string, asset model.AssetRef, quantity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := asset.Key()
	if c.holdings[key] == nil {
		c.holdings[key] = make(map[string]int64)
	}
	c.holdings[key][owner] += quantity
}

// Approve records owner's authorization for operator to move its units.
func (c *MemoryCustody) Approve(owner, operator string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approvals[owner] == nil {
		c.approvals[owner] = make(map[string]bool)
	}
	c.approvals[owner][operator] = true
}

// Revoke withdraws a previously granted authorization.
func (c *MemoryCustody) Revoke(owner, operator string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approvals[owner] != nil {
		delete(c.approvals[owner], operator)
	}
}

func (c *MemoryCustody) OwnerOf(_ context.Context, asset model.AssetRef) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for owner, units := range c.holdings[asset.Key()] {
		if units > 0 {
			return owner, nil
		}
	}
	return "", fmt.Errorf("custody: asset %s: %w", asset.Key(), model.ErrNotFound)
}

func (c *MemoryCustody) BalanceOf(_ context.Context, owner string, asset model.AssetRef) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.holdings[asset.Key()][owner], nil
}

func (c *MemoryCustody) IsAuthorized(_ context.Context, owner, operator string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.approvals[owner][operator], nil
}

func (c *MemoryCustody) Transfer(_ context.Context, from, to string, asset model.AssetRef, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("custody: transfer quantity %d: %w", quantity, model.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := asset.Key()
	if c.holdings[key][from] < quantity {
		return fmt.Errorf("custody: %s holds %d of %s, need %d: %w",
			from, c.holdings[key][from], key, quantity, model.ErrInsufficientBalance)
	}
	c.holdings[key][from] -= quantity
	c.holdings[key][to] += quantity
	return nil
}

// MemoryLedger implements Ledger with an in-memory balance map.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]decimal.Decimal)}
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger: negative transfer amount %s: %w", amount, model.ErrInvalidArgument)
	}
	if amount.IsZero() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("ledger: %s has %s, need %s: %w",
			from, l.balances[from], amount, model.ErrInsufficientBalance)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryLedger) Mint(_ context.Context, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger: negative mint amount %s: %w", amount, model.ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.balances[account], nil
}
