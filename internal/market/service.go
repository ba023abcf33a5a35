// Package market provides the HTTP handlers and business logic for the
// listing registry and the escrowed purchase engine: creating, updating,
// and canceling listings, direct and batched purchases, and offers.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

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
	"github.com/impactmx/impact-engine/internal/fee"
	"github.com/impactmx/impact-engine/internal/httperr"
	"github.com/impactmx/impact-engine/internal/metrics"
	"github.com/impactmx/impact-engine/internal/model"
	"github.com/impactmx/impact-engine/internal/store"
)

// Service handles marketplace operations. Uses a mutex for serialized
// settlement execution (single-instance): every purchase's check+mutate runs
// as one indivisible step, and the listing decrement always precedes the
// external transfers it pays for.
type Service struct {
	store    store.Store
	custody  custody.Adapter
	ledger   custody.Ledger
	hub      *events.Hub // optional, nil disables broadcasting
	validate *validator.Validate
	mu       sync.Mutex
	now      func() time.Time
}

// NewService creates a new marketplace service.
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

// SetClock overrides the time source. Test hook for offer expiry.
func (s *Service) SetClock(fn func() time.Time) {
	s.now = fn
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /listings. Creator and
// RoyaltyBps are optional; when set, the creator receives that share of
// every settlement on the listing, fixed for its lifetime.
type CreateListingRequest struct {
	Seller     string          `json:"seller" validate:"required"`
	Asset      string          `json:"asset" validate:"required"` // collection:unit:kind
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int64           `json:"quantity" validate:"required,gt=0"`
	Creator    string          `json:"creator,omitempty"`
	RoyaltyBps int64           `json:"royalty_bps,omitempty" validate:"gte=0,lte=10000"`
}

// UpdateListingRequest is the JSON body for POST /listings/{listingID}/update.
// Nil fields are left unchanged.
type UpdateListingRequest struct {
	Caller      string           `json:"caller" validate:"required"`
	NewPrice    *decimal.Decimal `json:"new_price,omitempty"`
	NewQuantity *int64           `json:"new_quantity,omitempty"`
}

// CancelRequest is the JSON body for POST /listings/{listingID}/cancel.
type CancelRequest struct {
	Caller string `json:"caller" validate:"required"`
}

// PurchaseRequest is the JSON body for POST /purchase.
type PurchaseRequest struct {
	Buyer     string          `json:"buyer" validate:"required"`
	ListingID int64           `json:"listing_id" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"required,gt=0"`
	Payment   decimal.Decimal `json:"payment"`
}

// BatchItem is one line of a batched purchase.
type BatchItem struct {
	ListingID int64 `json:"listing_id" validate:"required"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

// BatchPurchaseRequest is the JSON body for POST /purchase/batch.
// One aggregate payment covers all items; settlement is all-or-nothing.
type BatchPurchaseRequest struct {
	Buyer   string          `json:"buyer" validate:"required"`
	Items   []BatchItem     `json:"items" validate:"required,min=1,dive"`
	Payment decimal.Decimal `json:"payment"`
}

// MakeOfferRequest is the JSON body for POST /offers.
type MakeOfferRequest struct {
	Offeror        string          `json:"offeror" validate:"required"`
	ListingID      int64           `json:"listing_id" validate:"required"`
	Quantity       int64           `json:"quantity" validate:"required,gt=0"`
	PricePerUnit   decimal.Decimal `json:"price_per_unit"`
	ExpiresSeconds int64           `json:"expires_seconds" validate:"required,gt=0"`
}

// AcceptOfferRequest is the JSON body for POST /offers/accept. The caller
// re-presents the price it believes it accepted; settlement re-validates it
// against the stored offer before any funds move.
type AcceptOfferRequest struct {
	Caller       string          `json:"caller" validate:"required"`
	ListingID    int64           `json:"listing_id" validate:"required"`
	Offeror      string          `json:"offeror" validate:"required"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

// CancelOfferRequest is the JSON body for POST /offers/cancel.
type CancelOfferRequest struct {
	Caller    string `json:"caller" validate:"required"`
	ListingID int64  `json:"listing_id" validate:"required"`
}

// Receipt is returned from every settlement path.
type Receipt struct {
	ReceiptID     string          `json:"receipt_id"`
	ListingID     int64           `json:"listing_id"`
	Buyer         string          `json:"buyer"`
	Seller        string          `json:"seller"`
	Quantity      int64           `json:"quantity"`
	Total         decimal.Decimal `json:"total"`
	SellerShare   decimal.Decimal `json:"seller_share"`
	PlatformShare decimal.Decimal `json:"platform_share"`
	RoyaltyShare  decimal.Decimal `json:"royalty_share"`
	Refund        decimal.Decimal `json:"refund"`
}

// BatchReceipt aggregates per-listing receipts for a batched purchase.
type BatchReceipt struct {
	ReceiptID string          `json:"receipt_id"`
	Buyer     string          `json:"buyer"`
	Total     decimal.Decimal `json:"total"`
	Refund    decimal.Decimal `json:"refund"`
	Items     []Receipt       `json:"items"`
}

// --- Listing handlers ---

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
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
	if !req.UnitPrice.IsPositive() || !req.UnitPrice.IsInteger() {
		httperr.Write(w, fmt.Errorf("unit_price must be a positive integer: %w", model.ErrInvalidArgument))
		return
	}
	if assetRef.Kind == model.KindSingle && req.Quantity != 1 {
		httperr.Write(w, fmt.Errorf("single-unit asset must list quantity 1: %w", model.ErrInvalidArgument))
		return
	}
	if req.RoyaltyBps > 0 && req.Creator == "" {
		httperr.Write(w, fmt.Errorf("royalty_bps requires a creator: %w", model.ErrInvalidArgument))
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

	if err := s.verifySellerCustody(ctx, req.Seller, assetRef, req.Quantity, cfg.EscrowAccount); err != nil {
		httperr.Write(w, err)
		return
	}

	listing := &model.Listing{
		Seller:            req.Seller,
		Asset:             assetRef,
		UnitPrice:         req.UnitPrice,
		QuantityRemaining: req.Quantity,
		Active:            true,
		ListedAt:          s.now().UTC(),
		Creator:           req.Creator,
		RoyaltyBps:        req.RoyaltyBps,
	}

	if _, err := s.store.CreateListing(ctx, listing); err != nil {
		httperr.Write(w, err)
		return
	}

	metrics.ListingsCreated.WithLabelValues(string(assetRef.Kind)).Inc()
	metrics.ActiveListings.Inc()
	s.emit(events.Event{
		Type:      events.TypeProductListed,
		ListingID: listing.ID,
		Actor:     req.Seller,
		Asset:     asset.FormatRef(assetRef),
		Quantity:  req.Quantity,
	})

	slog.Info("listing created",
		"listing_id", listing.ID,
		"seller", req.Seller,
		"asset", assetRef.Key(),
		"unit_price", req.UnitPrice.String(),
		"quantity", req.Quantity,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(listing)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := parseListingID(r)
	if err != nil {
		httperr.WriteMessage(w, "invalid listing id", http.StatusBadRequest)
		return
	}

	listing, err := s.store.GetListing(r.Context(), id)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// ListListings handles GET /api/v1/listings
// Returns active listings, or all of one seller's listings with ?seller=.
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	var listings []model.Listing
	var err error

	if seller := r.URL.Query().Get("seller"); seller != "" {
		listings, err = s.store.ListListingsBySeller(r.Context(), seller)
	} else {
		listings, err = s.store.ListActiveListings(r.Context())
	}
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listings)
}

// UpdateListing handles POST /api/v1/listings/{listingID}/update
// Only the seller may update; a quantity increase re-validates custody.
func (s *Service) UpdateListing(w http.ResponseWriter, r *http.Request) {
	var req UpdateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := parseListingID(r)
	if err != nil {
		httperr.WriteMessage(w, "invalid listing id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	listing, err := s.store.GetListing(ctx, id)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if !listing.Active {
		httperr.Write(w, fmt.Errorf("listing %d is inactive: %w", id, model.ErrNotFound))
		return
	}
	if req.Caller != listing.Seller {
		httperr.Write(w, fmt.Errorf("only the seller may update: %w", model.ErrUnauthorized))
		return
	}

	if req.NewPrice != nil {
		if !req.NewPrice.IsPositive() || !req.NewPrice.IsInteger() {
			httperr.Write(w, fmt.Errorf("new_price must be a positive integer: %w", model.ErrInvalidArgument))
			return
		}
		listing.UnitPrice = *req.NewPrice
	}

	if req.NewQuantity != nil {
		q := *req.NewQuantity
		if q <= 0 {
			httperr.Write(w, fmt.Errorf("new_quantity must be positive: %w", model.ErrInvalidArgument))
			return
		}
		if listing.Asset.Kind == model.KindSingle && q != 1 {
			httperr.Write(w, fmt.Errorf("single-unit asset must list quantity 1: %w", model.ErrInvalidArgument))
			return
		}
		if q != listing.QuantityRemaining {
			cfg, err := s.store.GetConfig(ctx)
			if err != nil {
				httperr.Write(w, err)
				return
			}
			if err := s.verifySellerCustody(ctx, listing.Seller, listing.Asset, q, cfg.EscrowAccount); err != nil {
				httperr.Write(w, err)
				return
			}
		}
		listing.QuantityRemaining = q
	}

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{
		Type:      events.TypeProductUpdated,
		ListingID: listing.ID,
		Actor:     req.Caller,
		Asset:     asset.FormatRef(listing.Asset),
		Quantity:  listing.QuantityRemaining,
	})

	slog.Info("listing updated", "listing_id", listing.ID, "seller", listing.Seller)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// CancelListing handles POST /api/v1/listings/{listingID}/cancel
// Callable by the seller or the admin. Canceling an already-inactive listing
// is a NotFound error, not a crash.
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := parseListingID(r)
	if err != nil {
		httperr.WriteMessage(w, "invalid listing id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	listing, err := s.store.GetListing(ctx, id)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if !listing.Active {
		httperr.Write(w, fmt.Errorf("listing %d is inactive: %w", id, model.ErrNotFound))
		return
	}

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Caller != listing.Seller && req.Caller != cfg.Admin {
		httperr.Write(w, fmt.Errorf("only the seller or admin may cancel: %w", model.ErrUnauthorized))
		return
	}

	// Soft-deactivate so historical lookups remain valid.
	listing.Active = false
	if err := s.store.UpdateListing(ctx, listing); err != nil {
		httperr.Write(w, err)
		return
	}

	metrics.ActiveListings.Dec()
	s.emit(events.Event{
		Type:      events.TypeProductCanceled,
		ListingID: listing.ID,
		Actor:     req.Caller,
		Asset:     asset.FormatRef(listing.Asset),
	})

	slog.Info("listing canceled", "listing_id", listing.ID, "by", req.Caller)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// --- Purchase handlers ---

// Purchase handles POST /api/v1/purchase
// Executes the escrowed settlement: supply decremented before any external
// transfer, payment split between seller and platform, custody moved last,
// and every partial effect compensated if a later step fails.
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
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

	listing, err := s.loadActiveListing(ctx, req.ListingID)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	if req.Quantity > listing.QuantityRemaining {
		httperr.Write(w, fmt.Errorf("want %d of %d remaining: %w",
			req.Quantity, listing.QuantityRemaining, model.ErrInsufficientSupply))
		return
	}

	total := listing.UnitPrice.Mul(decimal.NewFromInt(req.Quantity))
	if err := checkPayment(cfg, req.Payment, total); err != nil {
		httperr.Write(w, err)
		return
	}

	receipt, err := s.settleOne(ctx, cfg, req.Buyer, listing, req.Quantity, listing.UnitPrice)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	receipt.Refund = req.Payment.Sub(total)

	metrics.Purchases.WithLabelValues("direct").Inc()
	metrics.PurchaseVolume.Add(total.InexactFloat64())

	slog.Info("purchase settled",
		"listing_id", listing.ID,
		"buyer", req.Buyer,
		"quantity", req.Quantity,
		"total", total.String(),
		"seller_share", receipt.SellerShare.String(),
		"platform_share", receipt.PlatformShare.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipt)
}

// PurchaseBatch handles POST /api/v1/purchase/batch
// One aggregate total across all listings; a failure on any item aborts the
// whole batch, with every already-settled item reverted.
func (s *Service) PurchaseBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPurchaseRequest
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

	// Validate every item and compute the aggregate total before anything
	// moves. A listing appearing in several items is loaded once and its
	// requested quantities summed, so the supply check sees the whole
	// batch's demand, not each line in isolation.
	listings := make([]*model.Listing, len(req.Items))
	byID := make(map[int64]*model.Listing)
	needed := make(map[int64]int64)
	total := decimal.Zero
	for i, item := range req.Items {
		listing, ok := byID[item.ListingID]
		if !ok {
			var err error
			listing, err = s.loadActiveListing(ctx, item.ListingID)
			if err != nil {
				httperr.Write(w, err)
				return
			}
			byID[item.ListingID] = listing
		}
		needed[item.ListingID] += item.Quantity
		if needed[item.ListingID] > listing.QuantityRemaining {
			httperr.Write(w, fmt.Errorf("listing %d: want %d of %d remaining: %w",
				listing.ID, needed[item.ListingID], listing.QuantityRemaining, model.ErrInsufficientSupply))
			return
		}
		listings[i] = listing
		total = total.Add(listing.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)))
	}

	if err := checkPayment(cfg, req.Payment, total); err != nil {
		httperr.Write(w, err)
		return
	}

	var settled []*Receipt
	for i, item := range req.Items {
		receipt, err := s.settleOne(ctx, cfg, req.Buyer, listings[i], item.Quantity, listings[i].UnitPrice)
		if err != nil {
			// All-or-nothing: revert every item settled so far.
			for j := len(settled) - 1; j >= 0; j-- {
				s.revertSettlement(ctx, cfg, listings[j], settled[j])
			}
			httperr.Write(w, fmt.Errorf("listing %d: %w", item.ListingID, err))
			return
		}
		settled = append(settled, receipt)
	}

	items := make([]Receipt, len(settled))
	for i, rc := range settled {
		items[i] = *rc
	}

	metrics.Purchases.WithLabelValues("batch").Inc()
	metrics.PurchaseVolume.Add(total.InexactFloat64())

	slog.Info("batch purchase settled",
		"buyer", req.Buyer,
		"items", len(items),
		"total", total.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BatchReceipt{
		ReceiptID: uuid.New().String(),
		Buyer:     req.Buyer,
		Total:     total,
		Refund:    req.Payment.Sub(total),
		Items:     items,
	})
}

// --- Offer handlers ---

// MakeOffer handles POST /api/v1/offers
func (s *Service) MakeOffer(w http.ResponseWriter, r *http.Request) {
	var req MakeOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httperr.WriteMessage(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.PricePerUnit.IsPositive() || !req.PricePerUnit.IsInteger() {
		httperr.Write(w, fmt.Errorf("price_per_unit must be a positive integer: %w", model.ErrInvalidArgument))
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	listing, err := s.loadActiveListing(ctx, req.ListingID)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Offeror == listing.Seller {
		httperr.Write(w, fmt.Errorf("seller cannot offer on own listing: %w", model.ErrInvalidArgument))
		return
	}

	offer := &model.Offer{
		ListingID:    req.ListingID,
		Offeror:      req.Offeror,
		Quantity:     req.Quantity,
		PricePerUnit: req.PricePerUnit,
		ExpiresAt:    s.now().UTC().Add(time.Duration(req.ExpiresSeconds) * time.Second),
	}

	if err := s.store.PutOffer(ctx, offer); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{
		Type:      events.TypeOfferMade,
		ListingID: req.ListingID,
		Actor:     req.Offeror,
		Quantity:  req.Quantity,
	})

	slog.Info("offer made",
		"listing_id", req.ListingID,
		"offeror", req.Offeror,
		"quantity", req.Quantity,
		"price_per_unit", req.PricePerUnit.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(offer)
}

// ListOffers handles GET /api/v1/listings/{listingID}/offers
func (s *Service) ListOffers(w http.ResponseWriter, r *http.Request) {
	id, err := parseListingID(r)
	if err != nil {
		httperr.WriteMessage(w, "invalid listing id", http.StatusBadRequest)
		return
	}

	offers, err := s.store.ListOffersByListing(r.Context(), id)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if offers == nil {
		offers = []model.Offer{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offers)
}

// AcceptOffer handles POST /api/v1/offers/accept
// Re-validates the caller-presented price against the stored offer, checks
// expiry at read time, settles through the same path as a direct purchase,
// and consumes the offer exactly once.
func (s *Service) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req AcceptOfferRequest
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

	listing, err := s.loadActiveListing(ctx, req.ListingID)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Caller != listing.Seller {
		httperr.Write(w, fmt.Errorf("only the seller may accept an offer: %w", model.ErrUnauthorized))
		return
	}

	offer, err := s.store.GetOffer(ctx, req.ListingID, req.Offeror)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if offer.Expired(s.now().UTC()) {
		httperr.Write(w, fmt.Errorf("offer expired %s: %w", offer.ExpiresAt, model.ErrNotFound))
		return
	}
	if !req.PricePerUnit.Equal(offer.PricePerUnit) {
		httperr.Write(w, fmt.Errorf("presented %s, offered %s: %w",
			req.PricePerUnit, offer.PricePerUnit, model.ErrPriceMismatch))
		return
	}
	if offer.Quantity > listing.QuantityRemaining {
		httperr.Write(w, fmt.Errorf("offer wants %d of %d remaining: %w",
			offer.Quantity, listing.QuantityRemaining, model.ErrInsufficientSupply))
		return
	}

	// Consume the offer before any funds move. If the delete fails nothing
	// has been settled, and if settlement fails the offer is re-inserted —
	// either way the offer is never acceptable twice.
	if err := s.store.DeleteOffer(ctx, req.ListingID, req.Offeror); err != nil {
		httperr.Write(w, err)
		return
	}

	// Settle at the offered price, not the listed price.
	receipt, err := s.settleOne(ctx, cfg, offer.Offeror, listing, offer.Quantity, offer.PricePerUnit)
	if err != nil {
		if putErr := s.store.PutOffer(ctx, offer); putErr != nil {
			slog.Error("offer restore failed", "listing_id", req.ListingID, "offeror", req.Offeror, "err", putErr)
		}
		httperr.Write(w, err)
		return
	}

	metrics.Purchases.WithLabelValues("offer").Inc()
	metrics.PurchaseVolume.Add(receipt.Total.InexactFloat64())

	s.emit(events.Event{
		Type:      events.TypeOfferAccepted,
		ListingID: req.ListingID,
		Actor:     req.Caller,
		Quantity:  offer.Quantity,
		Total:     receipt.Total.String(),
	})

	slog.Info("offer accepted",
		"listing_id", req.ListingID,
		"offeror", req.Offeror,
		"quantity", offer.Quantity,
		"total", receipt.Total.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipt)
}

// CancelOffer handles POST /api/v1/offers/cancel
func (s *Service) CancelOffer(w http.ResponseWriter, r *http.Request) {
	var req CancelOfferRequest
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

	if _, err := s.store.GetOffer(ctx, req.ListingID, req.Caller); err != nil {
		httperr.Write(w, err)
		return
	}
	if err := s.store.DeleteOffer(ctx, req.ListingID, req.Caller); err != nil {
		httperr.Write(w, err)
		return
	}

	s.emit(events.Event{
		Type:      events.TypeOfferCanceled,
		ListingID: req.ListingID,
		Actor:     req.Caller,
	})

	w.WriteHeader(http.StatusNoContent)
}

// --- Settlement core ---

// settleOne executes steps 4–6 of the purchase protocol for one listing:
// decrement supply first (closing the reentrancy window — every external
// call below observes the already-updated listing), then move the payment
// split, then custody. Any later failure reverts every earlier effect, so
// payment and asset either both move or neither does.
func (s *Service) settleOne(ctx context.Context, cfg *model.SystemConfig, buyer string, listing *model.Listing, quantity int64, unitPrice decimal.Decimal) (*Receipt, error) {
	total := unitPrice.Mul(decimal.NewFromInt(quantity))
	var platformShare, royaltyShare, sellerShare decimal.Decimal
	var err error
	if listing.RoyaltyBps > 0 {
		platformShare, royaltyShare, sellerShare, err = fee.SplitWithRoyalty(total, cfg.PlatformFeeBps, listing.RoyaltyBps)
	} else {
		royaltyShare = decimal.Zero
		platformShare, sellerShare, err = fee.Split(total, cfg.PlatformFeeBps)
	}
	if err != nil {
		return nil, fmt.Errorf("fee split: %w", err)
	}

	prevRemaining := listing.QuantityRemaining
	prevActive := listing.Active

	listing.QuantityRemaining -= quantity
	if listing.QuantityRemaining == 0 {
		listing.Active = false
	}
	if err := s.store.UpdateListing(ctx, listing); err != nil {
		listing.QuantityRemaining = prevRemaining
		listing.Active = prevActive
		return nil, err
	}

	restoreListing := func() {
		listing.QuantityRemaining = prevRemaining
		listing.Active = prevActive
		if err := s.store.UpdateListing(ctx, listing); err != nil {
			slog.Error("listing restore failed", "listing_id", listing.ID, "err", err)
		}
		metrics.SettlementRollbacks.Inc()
	}

	if err := s.ledger.Transfer(ctx, buyer, cfg.PlatformAccount, platformShare); err != nil {
		restoreListing()
		return nil, err
	}
	if royaltyShare.IsPositive() {
		if err := s.ledger.Transfer(ctx, buyer, listing.Creator, royaltyShare); err != nil {
			s.refund(ctx, cfg.PlatformAccount, buyer, platformShare)
			restoreListing()
			return nil, err
		}
	}
	if err := s.ledger.Transfer(ctx, buyer, listing.Seller, sellerShare); err != nil {
		if royaltyShare.IsPositive() {
			s.refund(ctx, listing.Creator, buyer, royaltyShare)
		}
		s.refund(ctx, cfg.PlatformAccount, buyer, platformShare)
		restoreListing()
		return nil, err
	}
	if err := s.custody.Transfer(ctx, listing.Seller, buyer, listing.Asset, quantity); err != nil {
		s.refund(ctx, listing.Seller, buyer, sellerShare)
		if royaltyShare.IsPositive() {
			s.refund(ctx, listing.Creator, buyer, royaltyShare)
		}
		s.refund(ctx, cfg.PlatformAccount, buyer, platformShare)
		restoreListing()
		return nil, err
	}

	if !listing.Active {
		metrics.ActiveListings.Dec()
	}

	s.emit(events.Event{
		Type:          events.TypeProductPurchased,
		ListingID:     listing.ID,
		Actor:         buyer,
		Asset:         asset.FormatRef(listing.Asset),
		Quantity:      quantity,
		Total:         total.String(),
		SellerShare:   sellerShare.String(),
		PlatformShare: platformShare.String(),
	})

	return &Receipt{
		ReceiptID:     uuid.New().String(),
		ListingID:     listing.ID,
		Buyer:         buyer,
		Seller:        listing.Seller,
		Quantity:      quantity,
		Total:         total,
		SellerShare:   sellerShare,
		PlatformShare: platformShare,
		RoyaltyShare:  royaltyShare,
		Refund:        decimal.Zero,
	}, nil
}

// revertSettlement undoes one fully settled batch item: custody back to the
// seller, payments back to the buyer, supply restored.
func (s *Service) revertSettlement(ctx context.Context, cfg *model.SystemConfig, listing *model.Listing, rc *Receipt) {
	if err := s.custody.Transfer(ctx, rc.Buyer, listing.Seller, listing.Asset, rc.Quantity); err != nil {
		slog.Error("batch revert: custody return failed", "listing_id", listing.ID, "err", err)
	}
	s.refund(ctx, listing.Seller, rc.Buyer, rc.SellerShare)
	if rc.RoyaltyShare.IsPositive() {
		s.refund(ctx, listing.Creator, rc.Buyer, rc.RoyaltyShare)
	}
	s.refund(ctx, cfg.PlatformAccount, rc.Buyer, rc.PlatformShare)

	wasActive := listing.Active
	listing.QuantityRemaining += rc.Quantity
	listing.Active = true
	if err := s.store.UpdateListing(ctx, listing); err != nil {
		slog.Error("batch revert: listing restore failed", "listing_id", listing.ID, "err", err)
	}
	if !wasActive {
		metrics.ActiveListings.Inc()
	}
	metrics.SettlementRollbacks.Inc()
}

func (s *Service) refund(ctx context.Context, from, to string, amount decimal.Decimal) {
	if err := s.ledger.Transfer(ctx, from, to, amount); err != nil {
		slog.Error("compensating refund failed", "from", from, "to", to, "amount", amount.String(), "err", err)
	}
}

// --- Helpers ---

// checkPayment enforces the exact-match rule: the presented payment must
// equal the computed total. With refund mode configured, overpaying is
// allowed and only the total is pulled; the excess never leaves the buyer.
func checkPayment(cfg *model.SystemConfig, payment, total decimal.Decimal) error {
	if cfg.RefundExcess {
		if payment.LessThan(total) {
			return fmt.Errorf("payment %s below total %s: %w", payment, total, model.ErrPriceMismatch)
		}
		return nil
	}
	if !payment.Equal(total) {
		return fmt.Errorf("payment %s, total %s: %w", payment, total, model.ErrPriceMismatch)
	}
	return nil
}

func (s *Service) loadActiveListing(ctx context.Context, id int64) (*model.Listing, error) {
	listing, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !listing.Active {
		return nil, fmt.Errorf("listing %d is inactive: %w", id, model.ErrNotFound)
	}
	return listing, nil
}

// verifySellerCustody checks the seller holds at least quantity units and
// has pre-authorized the marketplace operator to move them.
func (s *Service) verifySellerCustody(ctx context.Context, seller string, assetRef model.AssetRef, quantity int64, operator string) error {
	balance, err := s.custody.BalanceOf(ctx, seller, assetRef)
	if err != nil {
		return err
	}
	if balance < quantity {
		return fmt.Errorf("%s holds %d of %s, need %d: %w",
			seller, balance, assetRef.Key(), quantity, model.ErrUnauthorized)
	}
	authorized, err := s.custody.IsAuthorized(ctx, seller, operator)
	if err != nil {
		return err
	}
	if !authorized {
		return fmt.Errorf("%s has not authorized %s: %w", seller, operator, model.ErrUnauthorized)
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

func parseListingID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "listingID"), 10, 64)
}
