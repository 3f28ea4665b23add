package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbazaar/internal/crypto"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/metrics"
	"github.com/alanyoungcy/nftbazaar/internal/server"
	"github.com/alanyoungcy/nftbazaar/internal/server/handler"
	"github.com/alanyoungcy/nftbazaar/internal/service"
	"github.com/alanyoungcy/nftbazaar/internal/store/memory"
)

// Throwaway development keys.
const (
	adminKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	sellerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	buyerKey  = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

var nft = common.HexToAddress("0x00000000000000000000000000000000000000d4")

type api struct {
	t *testing.T
	h http.Handler
}

func newAPI(t *testing.T) api {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.NewStore()
	m := metrics.New()
	svc := service.NewBazaarService(st, st, memory.NewAuditStore(), logger).WithMetrics(m)
	require.NoError(t, svc.Load(context.Background()))

	srv := server.NewServer(server.Config{Port: 0, MaxClockSkew: time.Minute}, server.Handlers{
		Health:      handler.NewHealthHandler(nil, logger),
		Marketplace: handler.NewMarketplaceHandler(svc, logger),
		Listings:    handler.NewListingHandler(svc, logger),
		Events:      handler.NewEventHandler(svc, logger),
		Metrics:     m.Handler(),
	}, server.Deps{Observer: m}, logger)
	return api{t: t, h: srv.Handler()}
}

func signer(t *testing.T, key string) *crypto.Signer {
	t.Helper()
	s, err := crypto.NewSigner(key)
	require.NoError(t, err)
	return s
}

// call sends body (nil for none) signed by s when s is non-nil.
func (a api) call(s *crypto.Signer, method, path string, body any, value *uint256.Int) *httptest.ResponseRecorder {
	a.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(a.t, err)
	}
	r := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if s != nil {
		h, err := s.SignRequest(method, path, time.Now(), value, raw)
		require.NoError(a.t, err)
		for k, v := range h {
			r.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func code(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["code"]
}

func TestMarketplaceFlow(t *testing.T) {
	a := newAPI(t)
	admin, seller, buyer := signer(t, adminKey), signer(t, sellerKey), signer(t, buyerKey)

	rec := a.call(nil, http.MethodGet, "/api/marketplace", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Marketplace](t, rec).Initialized)

	rec = a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex(), "token_id": "1", "price": "5"}, nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "not_initialized", code(t, rec))

	rec = a.call(admin, http.MethodPost, "/api/marketplace/initialize", map[string]any{"fee_bps": 250}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2.5", decode[map[string]any](t, rec)["fee_percent"])

	rec = a.call(admin, http.MethodPost, "/api/marketplace/initialize", map[string]any{"fee_bps": 250}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_initialized", code(t, rec))

	rec = a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex(), "token_id": "42", "price": "10000"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		ListingID uint64         `json:"listing_id"`
		Listing   domain.Listing `json:"listing"`
	}](t, rec)
	assert.Equal(t, uint64(1), created.ListingID)
	assert.Equal(t, seller.Address(), created.Listing.Lister)
	assert.Equal(t, domain.ListingStatusActive, created.Listing.Status)

	for _, bad := range []string{"-5", "0", "ten", "1.5"} {
		rec = a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex(), "token_id": "1", "price": bad}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
		assert.Equal(t, "invalid_price", code(t, rec), bad)
	}

	rec = a.call(nil, http.MethodGet, "/api/listings/active", nil, nil)
	assert.Equal(t, []any{float64(1)}, decode[map[string]any](t, rec)["ids"])

	rec = a.call(buyer, http.MethodPost, "/api/listings/1/purchase", nil, uint256.NewInt(9999))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "wrong_payment", code(t, rec))

	rec = a.call(buyer, http.MethodPost, "/api/listings/1/purchase", nil, uint256.NewInt(10000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sale := decode[domain.Sale](t, rec)
	assert.Equal(t, uint64(250), sale.Fee.Uint64())
	assert.Equal(t, uint64(9750), sale.SellerRevenue.Uint64())
	assert.Equal(t, buyer.Address(), sale.Buyer)

	rec = a.call(buyer, http.MethodPost, "/api/listings/1/purchase", nil, uint256.NewInt(10000))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_sold", code(t, rec))

	rec = a.call(nil, http.MethodGet, "/api/listings/1", nil, nil)
	got := decode[domain.Listing](t, rec)
	assert.Equal(t, domain.ListingStatusSold, got.Status)
	assert.Equal(t, buyer.Address(), got.Buyer)

	rec = a.call(nil, http.MethodGet, "/api/listings/99", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Listing](t, rec).Exists())

	rec = a.call(seller, http.MethodPost, "/api/listings/99/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.call(seller, http.MethodPut, "/api/marketplace/fee", map[string]any{"fee_bps": 100}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_admin", code(t, rec))

	rec = a.call(admin, http.MethodPut, "/api/marketplace/fee", map[string]any{"fee_bps": 1001}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "fee_too_high", code(t, rec))

	rec = a.call(admin, http.MethodPut, "/api/marketplace/paused", map[string]any{"paused": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex(), "token_id": "7", "price": "1"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "paused", code(t, rec))

	rec = a.call(nil, http.MethodGet, "/api/events?after=1&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[struct {
		Events  []domain.Event `json:"events"`
		LastSeq uint64         `json:"last_seq"`
	}](t, rec)
	require.Len(t, evs.Events, 3)
	assert.Equal(t, domain.EventListingCreated, evs.Events[0].Kind)
	assert.Equal(t, domain.EventListingSold, evs.Events[1].Kind)
	assert.Equal(t, domain.EventPauseToggled, evs.Events[2].Kind)
	assert.Equal(t, uint64(4), evs.LastSeq)

	rec = a.call(nil, http.MethodGet, "/api/listings/count", nil, nil)
	assert.Equal(t, float64(1), decode[map[string]any](t, rec)["total_listings"])
}

func TestEditCancelAndTransfer(t *testing.T) {
	a := newAPI(t)
	admin, seller, buyer := signer(t, adminKey), signer(t, sellerKey), signer(t, buyerKey)
	require.Equal(t, http.StatusCreated, a.call(admin, http.MethodPost, "/api/marketplace/initialize", map[string]any{"fee_bps": 0}, nil).Code)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex(), "token_id": i, "price": 100}, nil).Code)
	}

	rec := a.call(buyer, http.MethodPut, "/api/listings/1/price", map[string]any{"price": "50"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_owner", code(t, rec))

	rec = a.call(seller, http.MethodPut, "/api/listings/1/price", map[string]any{"price": "50"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(50), decode[domain.Listing](t, rec).Price.Uint64())

	rec = a.call(seller, http.MethodPost, "/api/listings/1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ListingStatusCancelled, decode[domain.Listing](t, rec).Status)

	rec = a.call(seller, http.MethodPost, "/api/listings/2/emergency-cancel", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.call(admin, http.MethodPost, "/api/listings/2/emergency-cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.call(admin, http.MethodPut, "/api/marketplace/admin", map[string]any{"new_admin": "0x0000000000000000000000000000000000000000"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_address", code(t, rec))

	rec = a.call(admin, http.MethodPut, "/api/marketplace/admin", map[string]any{"new_admin": buyer.Address().Hex()}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.call(nil, http.MethodGet, "/api/marketplace", nil, nil)
	assert.Equal(t, buyer.Address(), decode[domain.Marketplace](t, rec).Admin)

	rec = a.call(admin, http.MethodPut, "/api/marketplace/paused", map[string]any{"paused": true}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetListingZeroID(t *testing.T) {
	a := newAPI(t)

	rec := a.call(nil, http.MethodGet, "/api/listings/0", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["listing_id"])
	assert.False(t, decode[domain.Listing](t, rec).Exists())
}

func TestRequestValidation(t *testing.T) {
	a := newAPI(t)
	seller := signer(t, sellerKey)

	rec := a.call(nil, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex()}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", code(t, rec))

	rec = a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": "nope", "token_id": "1", "price": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_address", code(t, rec))

	rec = a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex(), "price": "1"}, nil)
	assert.Equal(t, "invalid_request", code(t, rec))

	rec = a.call(seller, http.MethodPost, "/api/listings", map[string]any{"contract": nft.Hex(), "token_id": "1", "price": "1", "extra": true}, nil)
	assert.Equal(t, "invalid_request", code(t, rec))

	rec = a.call(seller, http.MethodPut, "/api/marketplace/paused", map[string]any{}, nil)
	assert.Equal(t, "invalid_request", code(t, rec))

	rec = a.call(nil, http.MethodGet, "/api/listings/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.call(seller, http.MethodPost, "/api/listings/0/cancel", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.call(nil, http.MethodGet, "/api/events?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.call(nil, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.call(nil, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bazaar_http_request_duration_seconds")
}
