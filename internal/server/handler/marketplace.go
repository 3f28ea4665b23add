package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/fee"
)

// MarketplaceService is the slice of the service layer behind the
// marketplace routes.
type MarketplaceService interface {
	Initialize(ctx context.Context, req domain.Request, feeBps uint64) error
	UpdateFee(ctx context.Context, req domain.Request, feeBps uint64) error
	SetPaused(ctx context.Context, req domain.Request, paused bool) error
	TransferOwnership(ctx context.Context, req domain.Request, newAdmin common.Address) error
	Marketplace() domain.Marketplace
	FeeBps() uint64
	TotalListings() uint64
}

// MarketplaceHandler serves the administrative and marketplace-wide routes.
type MarketplaceHandler struct {
	svc    MarketplaceService
	logger *slog.Logger
}

// NewMarketplaceHandler creates a MarketplaceHandler over svc. The admin
// routes are signed; the service decides whether the caller is the admin.
func NewMarketplaceHandler(svc MarketplaceService, logger *slog.Logger) *MarketplaceHandler {
	return &MarketplaceHandler{svc: svc, logger: logger.With(slog.String("handler", "marketplace"))}
}

type marketplaceResponse struct {
	domain.Marketplace
	FeePercent string `json:"fee_percent"`
}

type feeResponse struct {
	FeeBps     uint64 `json:"fee_bps"`
	FeePercent string `json:"fee_percent"`
}

type feeRequest struct {
	FeeBps *uint64 `json:"fee_bps"`
}

func (b feeRequest) value() (uint64, error) {
	if b.FeeBps == nil {
		return 0, badRequest("fee_bps is required")
	}
	return *b.FeeBps, nil
}

// Get returns the marketplace record.
// GET /api/marketplace
func (h *MarketplaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	m := h.svc.Marketplace()
	writeJSON(w, http.StatusOK, marketplaceResponse{Marketplace: m, FeePercent: fee.Percent(m.FeeBps)})
}

// Fee returns the platform fee.
// GET /api/marketplace/fee
func (h *MarketplaceHandler) Fee(w http.ResponseWriter, r *http.Request) {
	bps := h.svc.FeeBps()
	writeJSON(w, http.StatusOK, feeResponse{FeeBps: bps, FeePercent: fee.Percent(bps)})
}

// Initialize makes the caller admin with the given fee.
// POST /api/marketplace/initialize
func (h *MarketplaceHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	h.withFee(w, r, h.svc.Initialize, http.StatusCreated)
}

// UpdateFee changes the platform fee.
// PUT /api/marketplace/fee
func (h *MarketplaceHandler) UpdateFee(w http.ResponseWriter, r *http.Request) {
	h.withFee(w, r, h.svc.UpdateFee, http.StatusOK)
}

func (h *MarketplaceHandler) withFee(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Request, uint64) error, status int) {
	req, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body feeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bps, err := body.value()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := op(r.Context(), req, bps); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, status, feeResponse{FeeBps: bps, FeePercent: fee.Percent(bps)})
}

type pausedRequest struct {
	Paused *bool `json:"paused"`
}

// SetPaused toggles the pause switch.
// PUT /api/marketplace/paused
func (h *MarketplaceHandler) SetPaused(w http.ResponseWriter, r *http.Request) {
	req, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body pausedRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if body.Paused == nil {
		writeError(w, r, h.logger, badRequest("paused is required"))
		return
	}
	if err := h.svc.SetPaused(r.Context(), req, *body.Paused); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *body.Paused})
}

type adminRequest struct {
	NewAdmin string `json:"new_admin"`
}

// TransferOwnership hands the admin role to another address.
// PUT /api/marketplace/admin
func (h *MarketplaceHandler) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	req, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body adminRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	newAdmin, err := parseAddress(body.NewAdmin, "new_admin")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.svc.TransferOwnership(r.Context(), req, newAdmin); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]common.Address{"admin": newAdmin})
}
