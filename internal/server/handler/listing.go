package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// ListingService is the slice of the service layer behind the listing routes.
type ListingService interface {
	CreateListing(ctx context.Context, req domain.Request, contract common.Address, tokenID, price *uint256.Int) (uint64, error)
	Purchase(ctx context.Context, req domain.Request, listingID uint64) (domain.Sale, error)
	EditPrice(ctx context.Context, req domain.Request, listingID uint64, price *uint256.Int) error
	Cancel(ctx context.Context, req domain.Request, listingID uint64) error
	EmergencyCancel(ctx context.Context, req domain.Request, listingID uint64) error
	Listing(id uint64) domain.Listing
	ActiveListings(after uint64, limit int) []domain.Listing
	TotalListings() uint64
}

// ListingHandler serves the listing lifecycle routes.
type ListingHandler struct {
	svc    ListingService
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler over svc. Mutating routes
// expect the request context to carry the verified caller; logger receives
// internal errors only.
func NewListingHandler(svc ListingService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{svc: svc, logger: logger.With(slog.String("handler", "listing"))}
}

type createListingRequest struct {
	Contract string `json:"contract"`
	TokenID  amount `json:"token_id"`
	Price    amount `json:"price"`
}

type createListingResponse struct {
	ListingID uint64         `json:"listing_id"`
	Listing   domain.Listing `json:"listing"`
}

// Create opens a listing owned by the caller.
// POST /api/listings
func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body createListingRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	contract, err := parseAddress(body.Contract, "contract")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	tokenID, err := body.TokenID.parse(badRequest("token_id must be a non-negative integer"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	price, err := body.Price.parse(domain.ErrInvalidPrice)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := h.svc.CreateListing(r.Context(), req, contract, tokenID, price)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, createListingResponse{ListingID: id, Listing: h.svc.Listing(id)})
}

// Get returns a listing; an id that was never created yields the zero
// record.
// GET /api/listings/{id}
func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := lookupID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Listing(id))
}

type activeResponse struct {
	IDs       []uint64         `json:"ids"`
	Listings  []domain.Listing `json:"listings"`
	NextAfter uint64           `json:"next_after,omitempty"`
}

// Active lists active listings in ascending id order. Without ?limit the
// whole set is returned.
// GET /api/listings/active?after=&limit=
func (h *ListingHandler) Active(w http.ResponseWriter, r *http.Request) {
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if r.URL.Query().Get("limit") == "" {
		limit = 0
	}

	listings := h.svc.ActiveListings(after, limit)
	resp := activeResponse{IDs: make([]uint64, len(listings)), Listings: listings}
	for i, l := range listings {
		resp.IDs[i] = l.ID
	}
	if limit > 0 && len(listings) == limit {
		resp.NextAfter = listings[len(listings)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Count returns how many listings were ever created.
// GET /api/listings/count
func (h *ListingHandler) Count(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"total_listings": h.svc.TotalListings()})
}

// Purchase buys a listing; the attached value must equal its price.
// POST /api/listings/{id}/purchase
func (h *ListingHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	req, id, ok := h.target(w, r)
	if !ok {
		return
	}
	sale, err := h.svc.Purchase(r.Context(), req, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

type priceRequest struct {
	Price amount `json:"price"`
}

// EditPrice changes the price of the caller's active listing.
// PUT /api/listings/{id}/price
func (h *ListingHandler) EditPrice(w http.ResponseWriter, r *http.Request) {
	req, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var body priceRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	price, err := body.Price.parse(domain.ErrInvalidPrice)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.svc.EditPrice(r.Context(), req, id, price); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Listing(id))
}

// Cancel withdraws the caller's listing.
// POST /api/listings/{id}/cancel
func (h *ListingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, h.svc.Cancel)
}

// EmergencyCancel lets the admin withdraw any active listing.
// POST /api/listings/{id}/emergency-cancel
func (h *ListingHandler) EmergencyCancel(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, h.svc.EmergencyCancel)
}

func (h *ListingHandler) finalize(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Request, uint64) error) {
	req, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), req, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Listing(id))
}

// target resolves the caller and the {id} path value, writing the error
// response itself when either is missing.
func (h *ListingHandler) target(w http.ResponseWriter, r *http.Request) (domain.Request, uint64, bool) {
	req, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return req, 0, false
	}
	id, err := listingID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return req, 0, false
	}
	return req, id, true
}
