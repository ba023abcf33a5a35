package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/impactmx/impact-engine/internal/asset"
	"github.com/impactmx/impact-engine/internal/custody"
	"github.com/impactmx/impact-engine/internal/market"
	"github.com/impactmx/impact-engine/internal/model"
	"github.com/impactmx/impact-engine/internal/store"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

type testEnv struct {
	svc     *market.Service
	store   *store.MemoryStore
	custody *custody.MemoryCustody
	ledger  *custody.MemoryLedger
	router  chi.Router
}

// newTestEnv wires a Service against in-memory store, custody, and ledger,
// with a seeded system config: 10% platform fee, exact-payment mode.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	cfg := &model.SystemConfig{
		Admin:           "admin",
		PlatformAccount: "platform",
		EscrowAccount:   "escrow",
		PoolAccount:     "pool",
		PlatformFeeBps:  1000,
		BaseRateBps:     500,
		MinLock:         24 * time.Hour,
		MaxLock:         4 * 365 * 24 * time.Hour,
	}
	if err := ms.SaveConfig(context.Background(), cfg); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}

	cust := custody.NewMemoryCustody()
	ledger := custody.NewMemoryLedger()
	svc := market.NewService(ms, cust, ledger, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/listings", svc.CreateListing)
	r.Get("/api/v1/listings", svc.ListListings)
	r.Get("/api/v1/listings/{listingID}", svc.GetListing)
	r.Post("/api/v1/listings/{listingID}/update", svc.UpdateListing)
	r.Post("/api/v1/listings/{listingID}/cancel", svc.CancelListing)
	r.Get("/api/v1/listings/{listingID}/offers", svc.ListOffers)
	r.Post("/api/v1/purchase", svc.Purchase)
	r.Post("/api/v1/purchase/batch", svc.PurchaseBatch)
	r.Post("/api/v1/offers", svc.MakeOffer)
	r.Post("/api/v1/offers/accept", svc.AcceptOffer)
	r.Post("/api/v1/offers/cancel", svc.CancelOffer)

	return &testEnv{svc: svc, store: ms, custody: cust, ledger: ledger, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// createListing issues units to the seller, approves the escrow operator,
// and lists through the API.
func (e *testEnv) createListing(t *testing.T, seller, assetRef string, price, quantity int64) model.Listing {
	t.Helper()

	ref := mustRef(t, assetRef)
	e.custody.Issue(seller, ref, quantity)
	e.custody.Approve(seller, "escrow")

	w := e.do(t, "POST", "/api/v1/listings", market.CreateListingRequest{
		Seller:    seller,
		Asset:     assetRef,
		UnitPrice: d(price),
		Quantity:  quantity,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var listing model.Listing
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	return listing
}

func mustRef(t *testing.T, s string) model.AssetRef {
	t.Helper()
	ref, err := asset.ParseRef(s)
	if err != nil {
		t.Fatalf("bad ref %q: %v", s, err)
	}
	return ref
}

func (e *testEnv) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.BalanceOf(context.Background(), account)
	if err != nil {
		t.Fatalf("balance of %s: %v", account, err)
	}
	return b
}

func (e *testEnv) holdings(t *testing.T, owner, assetRef string) int64 {
	t.Helper()
	b, err := e.custody.BalanceOf(context.Background(), owner, mustRef(t, assetRef))
	if err != nil {
		t.Fatalf("holdings of %s: %v", owner, err)
	}
	return b
}

// --- Listing tests ---

func TestCreateListing_AssignsMonotonicIDs(t *testing.T) {
	env := newTestEnv(t)

	first := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	second := env.createListing(t, "alice", "solar:cert-002:multi", 50, 5)

	if first.ID != 1 {
		t.Errorf("expected first listing id 1, got %d", first.ID)
	}
	if second.ID != 2 {
		t.Errorf("expected second listing id 2, got %d", second.ID)
	}
	if !first.Active {
		t.Error("expected new listing to be active")
	}
}

func TestCreateListing_RequiresAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.custody.Issue("alice", mustRef(t, "reforest:cert-001:multi"), 10)
	// No Approve call: alice never authorized the escrow operator.

	w := env.do(t, "POST", "/api/v1/listings", market.CreateListingRequest{
		Seller:    "alice",
		Asset:     "reforest:cert-001:multi",
		UnitPrice: d(100),
		Quantity:  10,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateListing_RequiresHoldings(t *testing.T) {
	env := newTestEnv(t)
	env.custody.Issue("alice", mustRef(t, "reforest:cert-001:multi"), 3)
	env.custody.Approve("alice", "escrow")

	w := env.do(t, "POST", "/api/v1/listings", market.CreateListingRequest{
		Seller:    "alice",
		Asset:     "reforest:cert-001:multi",
		UnitPrice: d(100),
		Quantity:  10,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateListing_SingleKindMustBeOne(t *testing.T) {
	env := newTestEnv(t)
	env.custody.Issue("alice", mustRef(t, "reforest:cert-001:single"), 2)
	env.custody.Approve("alice", "escrow")

	w := env.do(t, "POST", "/api/v1/listings", market.CreateListingRequest{
		Seller:    "alice",
		Asset:     "reforest:cert-001:single",
		UnitPrice: d(100),
		Quantity:  2,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUpdateListing_SellerOnly(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)

	newPrice := d(150)
	w := env.do(t, "POST", fmt.Sprintf("/api/v1/listings/%d/update", listing.ID), market.UpdateListingRequest{
		Caller:   "mallory",
		NewPrice: &newPrice,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", fmt.Sprintf("/api/v1/listings/%d/update", listing.ID), market.UpdateListingRequest{
		Caller:   "alice",
		NewPrice: &newPrice,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var updated model.Listing
	json.Unmarshal(w.Body.Bytes(), &updated)
	if !updated.UnitPrice.Equal(d(150)) {
		t.Errorf("expected unit price 150, got %s", updated.UnitPrice)
	}
}

func TestCancelListing(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)

	w := env.do(t, "POST", fmt.Sprintf("/api/v1/listings/%d/cancel", listing.ID), market.CancelRequest{Caller: "mallory"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger cancel: expected 403, got %d", w.Code)
	}

	w = env.do(t, "POST", fmt.Sprintf("/api/v1/listings/%d/cancel", listing.ID), market.CancelRequest{Caller: "admin"})
	if w.Code != http.StatusOK {
		t.Fatalf("admin cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Canceling again reports not found, the listing is already inactive.
	w = env.do(t, "POST", fmt.Sprintf("/api/v1/listings/%d/cancel", listing.ID), market.CancelRequest{Caller: "alice"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("double cancel: expected 404, got %d", w.Code)
	}
}

func TestListListings_FiltersActive(t *testing.T) {
	env := newTestEnv(t)
	env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	canceled := env.createListing(t, "alice", "solar:cert-002:multi", 50, 5)
	env.do(t, "POST", fmt.Sprintf("/api/v1/listings/%d/cancel", canceled.ID), market.CancelRequest{Caller: "alice"})

	w := env.do(t, "GET", "/api/v1/listings", nil)
	var active []model.Listing
	json.Unmarshal(w.Body.Bytes(), &active)
	if len(active) != 1 {
		t.Fatalf("expected 1 active listing, got %d", len(active))
	}

	w = env.do(t, "GET", "/api/v1/listings?seller=alice", nil)
	var all []model.Listing
	json.Unmarshal(w.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 seller listings, got %d", len(all))
	}
}

// --- Purchase tests ---

// A 2-unit purchase at price 100 with a 10% platform fee splits 200 into
// 20 platform / 180 seller, and moves custody to the buyer.
func TestPurchase_FeeSplitAndCustody(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	w := env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  2,
		Payment:   d(200),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rc market.Receipt
	json.Unmarshal(w.Body.Bytes(), &rc)
	if !rc.Total.Equal(d(200)) {
		t.Errorf("expected total 200, got %s", rc.Total)
	}
	if !rc.PlatformShare.Equal(d(20)) {
		t.Errorf("expected platform share 20, got %s", rc.PlatformShare)
	}
	if !rc.SellerShare.Equal(d(180)) {
		t.Errorf("expected seller share 180, got %s", rc.SellerShare)
	}

	if got := env.balance(t, "alice"); !got.Equal(d(180)) {
		t.Errorf("seller balance: expected 180, got %s", got)
	}
	if got := env.balance(t, "platform"); !got.Equal(d(20)) {
		t.Errorf("platform balance: expected 20, got %s", got)
	}
	if got := env.balance(t, "bob"); !got.Equal(d(800)) {
		t.Errorf("buyer balance: expected 800, got %s", got)
	}
	if got := env.holdings(t, "bob", "reforest:cert-001:multi"); got != 2 {
		t.Errorf("buyer holdings: expected 2, got %d", got)
	}
	if got := env.holdings(t, "alice", "reforest:cert-001:multi"); got != 8 {
		t.Errorf("seller holdings: expected 8, got %d", got)
	}
}

// Fee rounding always floors the platform share so shares conserve the total.
func TestPurchase_ConservesTotalOnOddSplit(t *testing.T) {
	env := newTestEnv(t)
	cfg, _ := env.store.GetConfig(context.Background())
	cfg.PlatformFeeBps = 250 // 2.5%
	env.store.SaveConfig(context.Background(), cfg)

	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 999, 1)
	env.ledger.Mint(context.Background(), "bob", d(999))

	w := env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  1,
		Payment:   d(999),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rc market.Receipt
	json.Unmarshal(w.Body.Bytes(), &rc)
	// 999 * 250 / 10000 = 24.975, floored to 24.
	if !rc.PlatformShare.Equal(d(24)) {
		t.Errorf("expected platform share 24, got %s", rc.PlatformShare)
	}
	if !rc.SellerShare.Equal(d(975)) {
		t.Errorf("expected seller share 975, got %s", rc.SellerShare)
	}
	if !rc.PlatformShare.Add(rc.SellerShare).Equal(rc.Total) {
		t.Errorf("shares %s+%s do not conserve total %s", rc.PlatformShare, rc.SellerShare, rc.Total)
	}
}

func TestPurchase_ExactPaymentRequired(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	for _, payment := range []int64{199, 201} {
		w := env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
			Buyer:     "bob",
			ListingID: listing.ID,
			Quantity:  2,
			Payment:   d(payment),
		})
		if w.Code != http.StatusConflict {
			t.Errorf("payment %d: expected 409, got %d: %s", payment, w.Code, w.Body.String())
		}
	}
	if got := env.balance(t, "bob"); !got.Equal(d(1000)) {
		t.Errorf("rejected payments must not move funds, buyer has %s", got)
	}
}

// In refund mode an overpayment is accepted but only the computed total is
// pulled from the buyer.
func TestPurchase_RefundExcessMode(t *testing.T) {
	env := newTestEnv(t)
	cfg, _ := env.store.GetConfig(context.Background())
	cfg.RefundExcess = true
	env.store.SaveConfig(context.Background(), cfg)

	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	w := env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  2,
		Payment:   d(500),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rc market.Receipt
	json.Unmarshal(w.Body.Bytes(), &rc)
	if !rc.Refund.Equal(d(300)) {
		t.Errorf("expected refund 300, got %s", rc.Refund)
	}
	if got := env.balance(t, "bob"); !got.Equal(d(800)) {
		t.Errorf("buyer should only pay the total, has %s", got)
	}

	// Underpaying still fails.
	w = env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  1,
		Payment:   d(99),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("underpayment: expected 409, got %d", w.Code)
	}
}

func TestPurchase_InsufficientSupply(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 3)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	w := env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  5,
		Payment:   d(500),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPurchase_SellOutDeactivates(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 2)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	w := env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  2,
		Payment:   d(200),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The emptied listing no longer settles.
	w = env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  1,
		Payment:   d(100),
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on sold-out listing, got %d", w.Code)
	}
}

// failingCustody wraps the memory adapter and fails Transfer after a set
// number of successes, to drive settlement down its compensation path.
type failingCustody struct {
	*custody.MemoryCustody
	allow int
}

func (f *failingCustody) Transfer(ctx context.Context, from, to string, asset model.AssetRef, quantity int64) error {
	if f.allow <= 0 {
		return fmt.Errorf("custody substrate unavailable")
	}
	f.allow--
	return f.MemoryCustody.Transfer(ctx, from, to, asset, quantity)
}

// When the custody leg fails after payments have moved, both payments must
// be refunded and the listing supply restored.
func TestPurchase_RollsBackOnCustodyFailure(t *testing.T) {
	env := newTestEnv(t)

	fc := &failingCustody{MemoryCustody: env.custody, allow: 0}
	svc := market.NewService(env.store, fc, env.ledger, nil)
	r := chi.NewRouter()
	r.Post("/api/v1/purchase", svc.Purchase)

	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	body, _ := json.Marshal(market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  2,
		Payment:   d(200),
	})
	req := httptest.NewRequest("POST", "/api/v1/purchase", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	if got := env.balance(t, "bob"); !got.Equal(d(1000)) {
		t.Errorf("buyer should be fully refunded, has %s", got)
	}
	if got := env.balance(t, "alice"); !got.IsZero() {
		t.Errorf("seller should hold nothing, has %s", got)
	}
	if got := env.balance(t, "platform"); !got.IsZero() {
		t.Errorf("platform should hold nothing, has %s", got)
	}

	restored, err := env.store.GetListing(context.Background(), listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if restored.QuantityRemaining != 10 {
		t.Errorf("expected supply restored to 10, got %d", restored.QuantityRemaining)
	}
	if !restored.Active {
		t.Error("expected listing to stay active after rollback")
	}
}

// --- Batch purchase tests ---

func TestPurchaseBatch_AggregateSettlement(t *testing.T) {
	env := newTestEnv(t)
	l1 := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	l2 := env.createListing(t, "carol", "solar:cert-002:multi", 50, 4)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	// 2*100 + 4*50 = 400 aggregate.
	w := env.do(t, "POST", "/api/v1/purchase/batch", market.BatchPurchaseRequest{
		Buyer: "bob",
		Items: []market.BatchItem{
			{ListingID: l1.ID, Quantity: 2},
			{ListingID: l2.ID, Quantity: 4},
		},
		Payment: d(400),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rc market.BatchReceipt
	json.Unmarshal(w.Body.Bytes(), &rc)
	if !rc.Total.Equal(d(400)) {
		t.Errorf("expected total 400, got %s", rc.Total)
	}
	if len(rc.Items) != 2 {
		t.Fatalf("expected 2 item receipts, got %d", len(rc.Items))
	}

	if got := env.balance(t, "bob"); !got.Equal(d(600)) {
		t.Errorf("buyer balance: expected 600, got %s", got)
	}
	if got := env.holdings(t, "bob", "solar:cert-002:multi"); got != 4 {
		t.Errorf("buyer holdings of second asset: expected 4, got %d", got)
	}

	// Second listing sold out entirely.
	sold, _ := env.store.GetListing(context.Background(), l2.ID)
	if sold.Active {
		t.Error("expected emptied listing to deactivate")
	}
}

func TestPurchaseBatch_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	l1 := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	l2 := env.createListing(t, "carol", "solar:cert-002:multi", 50, 4)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	// Allow exactly one custody transfer: the first item settles, the
	// second fails, and the whole batch must unwind.
	fc := &failingCustody{MemoryCustody: env.custody, allow: 1}
	svc := market.NewService(env.store, fc, env.ledger, nil)
	r := chi.NewRouter()
	r.Post("/api/v1/purchase/batch", svc.PurchaseBatch)

	body, _ := json.Marshal(market.BatchPurchaseRequest{
		Buyer: "bob",
		Items: []market.BatchItem{
			{ListingID: l1.ID, Quantity: 2},
			{ListingID: l2.ID, Quantity: 4},
		},
		Payment: d(400),
	})
	req := httptest.NewRequest("POST", "/api/v1/purchase/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	if got := env.balance(t, "bob"); !got.Equal(d(1000)) {
		t.Errorf("buyer should be whole after unwind, has %s", got)
	}
	if got := env.holdings(t, "bob", "reforest:cert-001:multi"); got != 0 {
		t.Errorf("buyer should hold nothing after unwind, has %d", got)
	}
	if got := env.holdings(t, "alice", "reforest:cert-001:multi"); got != 10 {
		t.Errorf("seller custody should be restored, has %d", got)
	}

	restored, _ := env.store.GetListing(context.Background(), l1.ID)
	if restored.QuantityRemaining != 10 {
		t.Errorf("first listing supply should be restored to 10, got %d", restored.QuantityRemaining)
	}
}

func TestPurchaseBatch_PaymentCoversAggregate(t *testing.T) {
	env := newTestEnv(t)
	l1 := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	w := env.do(t, "POST", "/api/v1/purchase/batch", market.BatchPurchaseRequest{
		Buyer:   "bob",
		Items:   []market.BatchItem{{ListingID: l1.ID, Quantity: 2}},
		Payment: d(150),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Offer tests ---

func TestOffer_AcceptSettlesAtOfferedPrice(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	w := env.do(t, "POST", "/api/v1/offers", market.MakeOfferRequest{
		Offeror:        "bob",
		ListingID:      listing.ID,
		Quantity:       2,
		PricePerUnit:   d(80),
		ExpiresSeconds: 3600,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("make offer: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/offers/accept", market.AcceptOfferRequest{
		Caller:       "alice",
		ListingID:    listing.ID,
		Offeror:      "bob",
		PricePerUnit: d(80),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("accept offer: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rc market.Receipt
	json.Unmarshal(w.Body.Bytes(), &rc)
	// 160 total at 10% fee: 16 platform, 144 seller.
	if !rc.Total.Equal(d(160)) {
		t.Errorf("expected total 160, got %s", rc.Total)
	}
	if !rc.PlatformShare.Equal(d(16)) || !rc.SellerShare.Equal(d(144)) {
		t.Errorf("expected 16/144 split, got %s/%s", rc.PlatformShare, rc.SellerShare)
	}

	// The offer is consumed; accepting again finds nothing.
	w = env.do(t, "POST", "/api/v1/offers/accept", market.AcceptOfferRequest{
		Caller:       "alice",
		ListingID:    listing.ID,
		Offeror:      "bob",
		PricePerUnit: d(80),
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("double accept: expected 404, got %d", w.Code)
	}

	// The listed price is untouched by offer settlement.
	after, _ := env.store.GetListing(context.Background(), listing.ID)
	if !after.UnitPrice.Equal(d(100)) {
		t.Errorf("listed price changed to %s", after.UnitPrice)
	}
}

func TestOffer_AcceptRevalidatesPrice(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	env.do(t, "POST", "/api/v1/offers", market.MakeOfferRequest{
		Offeror:        "bob",
		ListingID:      listing.ID,
		Quantity:       2,
		PricePerUnit:   d(80),
		ExpiresSeconds: 3600,
	})

	w := env.do(t, "POST", "/api/v1/offers/accept", market.AcceptOfferRequest{
		Caller:       "alice",
		ListingID:    listing.ID,
		Offeror:      "bob",
		PricePerUnit: d(90),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on stale price, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "bob"); !got.Equal(d(1000)) {
		t.Errorf("rejected accept must not move funds, buyer has %s", got)
	}
}

func TestOffer_ExpiredIsNotAcceptable(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	now := time.Now().UTC()
	env.svc.SetClock(func() time.Time { return now })

	env.do(t, "POST", "/api/v1/offers", market.MakeOfferRequest{
		Offeror:        "bob",
		ListingID:      listing.ID,
		Quantity:       1,
		PricePerUnit:   d(80),
		ExpiresSeconds: 60,
	})

	env.svc.SetClock(func() time.Time { return now.Add(61 * time.Second) })

	w := env.do(t, "POST", "/api/v1/offers/accept", market.AcceptOfferRequest{
		Caller:       "alice",
		ListingID:    listing.ID,
		Offeror:      "bob",
		PricePerUnit: d(80),
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on expired offer, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOffer_OnlySellerAccepts(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)

	env.do(t, "POST", "/api/v1/offers", market.MakeOfferRequest{
		Offeror:        "bob",
		ListingID:      listing.ID,
		Quantity:       1,
		PricePerUnit:   d(80),
		ExpiresSeconds: 3600,
	})

	w := env.do(t, "POST", "/api/v1/offers/accept", market.AcceptOfferRequest{
		Caller:       "mallory",
		ListingID:    listing.ID,
		Offeror:      "bob",
		PricePerUnit: d(80),
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOffer_CancelByOfferor(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)

	env.do(t, "POST", "/api/v1/offers", market.MakeOfferRequest{
		Offeror:        "bob",
		ListingID:      listing.ID,
		Quantity:       1,
		PricePerUnit:   d(80),
		ExpiresSeconds: 3600,
	})

	w := env.do(t, "POST", "/api/v1/offers/cancel", market.CancelOfferRequest{
		Caller:    "bob",
		ListingID: listing.ID,
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", fmt.Sprintf("/api/v1/listings/%d/offers", listing.ID), nil)
	var offers []model.Offer
	json.Unmarshal(w.Body.Bytes(), &offers)
	if len(offers) != 0 {
		t.Fatalf("expected no offers after cancel, got %d", len(offers))
	}
}

// A listing named by several items of one batch shares a single supply pool:
// the validation must see the summed demand, not each line in isolation.
func TestPurchaseBatch_DuplicateListingChecksAggregateSupply(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 5)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	// 3+3 exceeds the 5 remaining even though each line alone fits.
	w := env.do(t, "POST", "/api/v1/purchase/batch", market.BatchPurchaseRequest{
		Buyer: "bob",
		Items: []market.BatchItem{
			{ListingID: listing.ID, Quantity: 3},
			{ListingID: listing.ID, Quantity: 3},
		},
		Payment: d(600),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	if got := env.balance(t, "bob"); !got.Equal(d(1000)) {
		t.Errorf("buyer balance: expected 1000 untouched, got %s", got)
	}
	if got := env.holdings(t, "bob", "reforest:cert-001:multi"); got != 0 {
		t.Errorf("buyer should hold nothing, has %d", got)
	}
	unchanged, _ := env.store.GetListing(context.Background(), listing.ID)
	if unchanged.QuantityRemaining != 5 {
		t.Errorf("expected supply 5 untouched, got %d", unchanged.QuantityRemaining)
	}
	if !unchanged.Active {
		t.Error("expected listing to stay active")
	}
}

func TestPurchaseBatch_DuplicateListingWithinSupply(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 5)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	// 3+2 exactly drains the listing.
	w := env.do(t, "POST", "/api/v1/purchase/batch", market.BatchPurchaseRequest{
		Buyer: "bob",
		Items: []market.BatchItem{
			{ListingID: listing.ID, Quantity: 3},
			{ListingID: listing.ID, Quantity: 2},
		},
		Payment: d(500),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := env.holdings(t, "bob", "reforest:cert-001:multi"); got != 5 {
		t.Errorf("buyer holdings: expected 5, got %d", got)
	}
	sold, _ := env.store.GetListing(context.Background(), listing.ID)
	if sold.QuantityRemaining != 0 {
		t.Errorf("expected supply 0, got %d", sold.QuantityRemaining)
	}
	if sold.Active {
		t.Error("expected drained listing to deactivate")
	}
}

func TestOffer_DuplicatePerOfferorRejected(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)

	offer := market.MakeOfferRequest{
		Offeror:        "bob",
		ListingID:      listing.ID,
		Quantity:       2,
		PricePerUnit:   d(80),
		ExpiresSeconds: 3600,
	}
	if w := env.do(t, "POST", "/api/v1/offers", offer); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/offers", offer); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate offer, got %d: %s", w.Code, w.Body.String())
	}
}

// A settlement failure during accept must leave the offer in place so it can
// be accepted again once the substrate recovers.
func TestOffer_SurvivesFailedSettlement(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "alice", "reforest:cert-001:multi", 100, 10)
	env.ledger.Mint(context.Background(), "bob", d(1000))

	if w := env.do(t, "POST", "/api/v1/offers", market.MakeOfferRequest{
		Offeror:        "bob",
		ListingID:      listing.ID,
		Quantity:       2,
		PricePerUnit:   d(80),
		ExpiresSeconds: 3600,
	}); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	fc := &failingCustody{MemoryCustody: env.custody, allow: 0}
	broken := market.NewService(env.store, fc, env.ledger, nil)
	r := chi.NewRouter()
	r.Post("/api/v1/offers/accept", broken.AcceptOffer)

	accept := market.AcceptOfferRequest{
		Caller:       "alice",
		ListingID:    listing.ID,
		Offeror:      "bob",
		PricePerUnit: d(80),
	}
	body, _ := json.Marshal(accept)
	req := httptest.NewRequest("POST", "/api/v1/offers/accept", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	if got := env.balance(t, "bob"); !got.Equal(d(1000)) {
		t.Errorf("offeror should be whole after rollback, has %s", got)
	}
	if _, err := env.store.GetOffer(context.Background(), listing.ID, "bob"); err != nil {
		t.Fatalf("offer should survive the failed settlement: %v", err)
	}

	// With custody working again, the same offer settles.
	if w := env.do(t, "POST", "/api/v1/offers/accept", accept); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.holdings(t, "bob", "reforest:cert-001:multi"); got != 2 {
		t.Errorf("offeror holdings: expected 2, got %d", got)
	}
}

// --- Royalty tests ---

func TestPurchase_RoyaltySplit(t *testing.T) {
	env := newTestEnv(t)

	ref := mustRef(t, "reforest:cert-001:multi")
	env.custody.Issue("alice", ref, 10)
	env.custody.Approve("alice", "escrow")

	w := env.do(t, "POST", "/api/v1/listings", market.CreateListingRequest{
		Seller:     "alice",
		Asset:      "reforest:cert-001:multi",
		UnitPrice:  d(100),
		Quantity:   10,
		Creator:    "creator",
		RoyaltyBps: 500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)

	env.ledger.Mint(context.Background(), "bob", d(1000))

	// 200 total: 10% platform = 20, 5% royalty = 10, seller keeps 170.
	w = env.do(t, "POST", "/api/v1/purchase", market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  2,
		Payment:   d(200),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rc market.Receipt
	json.Unmarshal(w.Body.Bytes(), &rc)
	if !rc.PlatformShare.Equal(d(20)) {
		t.Errorf("expected platform share 20, got %s", rc.PlatformShare)
	}
	if !rc.RoyaltyShare.Equal(d(10)) {
		t.Errorf("expected royalty share 10, got %s", rc.RoyaltyShare)
	}
	if !rc.SellerShare.Equal(d(170)) {
		t.Errorf("expected seller share 170, got %s", rc.SellerShare)
	}
	if !rc.PlatformShare.Add(rc.RoyaltyShare).Add(rc.SellerShare).Equal(rc.Total) {
		t.Errorf("shares do not conserve total %s", rc.Total)
	}

	if got := env.balance(t, "creator"); !got.Equal(d(10)) {
		t.Errorf("creator balance: expected 10, got %s", got)
	}
	if got := env.balance(t, "alice"); !got.Equal(d(170)) {
		t.Errorf("seller balance: expected 170, got %s", got)
	}
	if got := env.balance(t, "platform"); !got.Equal(d(20)) {
		t.Errorf("platform balance: expected 20, got %s", got)
	}
	if got := env.balance(t, "bob"); !got.Equal(d(800)) {
		t.Errorf("buyer balance: expected 800, got %s", got)
	}
}

func TestCreateListing_RoyaltyRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	ref := mustRef(t, "reforest:cert-001:multi")
	env.custody.Issue("alice", ref, 10)
	env.custody.Approve("alice", "escrow")

	w := env.do(t, "POST", "/api/v1/listings", market.CreateListingRequest{
		Seller:     "alice",
		Asset:      "reforest:cert-001:multi",
		UnitPrice:  d(100),
		Quantity:   10,
		RoyaltyBps: 500,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// A failed custody leg on a royalty listing must refund the creator's share
// along with the rest.
func TestPurchase_RoyaltyRefundedOnRollback(t *testing.T) {
	env := newTestEnv(t)

	ref := mustRef(t, "reforest:cert-001:multi")
	env.custody.Issue("alice", ref, 10)
	env.custody.Approve("alice", "escrow")
	w := env.do(t, "POST", "/api/v1/listings", market.CreateListingRequest{
		Seller:     "alice",
		Asset:      "reforest:cert-001:multi",
		UnitPrice:  d(100),
		Quantity:   10,
		Creator:    "creator",
		RoyaltyBps: 500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)

	env.ledger.Mint(context.Background(), "bob", d(1000))

	fc := &failingCustody{MemoryCustody: env.custody, allow: 0}
	broken := market.NewService(env.store, fc, env.ledger, nil)
	r := chi.NewRouter()
	r.Post("/api/v1/purchase", broken.Purchase)

	body, _ := json.Marshal(market.PurchaseRequest{
		Buyer:     "bob",
		ListingID: listing.ID,
		Quantity:  2,
		Payment:   d(200),
	})
	req := httptest.NewRequest("POST", "/api/v1/purchase", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}

	if got := env.balance(t, "bob"); !got.Equal(d(1000)) {
		t.Errorf("buyer should be whole, has %s", got)
	}
	if got := env.balance(t, "creator"); !got.IsZero() {
		t.Errorf("creator should hold nothing after rollback, has %s", got)
	}
}
