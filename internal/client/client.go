// Package client is the REST client for the bazaar API. Mutating calls are
// signed with the caller's key; reads are anonymous and retried on transient
// failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/nftbazaar/internal/crypto"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// Client talks to one bazaar server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	now        func() time.Time
	maxElapsed time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryWindow bounds how long reads are retried. Zero disables retries.
func WithRetryWindow(d time.Duration) Option {
	return func(c *Client) { c.maxElapsed = d }
}

// New creates a client for baseURL, e.g. "http://localhost:8080". signer may
// be nil for a read-only client.
func New(baseURL string, signer *crypto.Signer, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		now:        time.Now,
		maxElapsed: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Address returns the signing address, or the zero address for a read-only
// client.
func (c *Client) Address() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// APIError is a non-2xx response. It unwraps to the matching domain sentinel
// when the server reported a known code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error formats the status, code and server message.
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the code back to its domain sentinel so callers can use
// errors.Is(err, domain.ErrNotAdmin) and friends.
func (e *APIError) Unwrap() error {
	return domain.ErrorForCode(e.Code)
}

// ---- reads ----

// MarketplaceView is the marketplace state plus the formatted fee.
type MarketplaceView struct {
	domain.Marketplace
	FeePercent string `json:"fee_percent"`
}

// Marketplace returns the marketplace state.
func (c *Client) Marketplace(ctx context.Context) (MarketplaceView, error) {
	var v MarketplaceView
	err := c.get(ctx, "/api/marketplace", nil, &v)
	return v, err
}

// Fee returns the current fee in basis points.
func (c *Client) Fee(ctx context.Context) (uint64, string, error) {
	var v struct {
		FeeBps     uint64 `json:"fee_bps"`
		FeePercent string `json:"fee_percent"`
	}
	err := c.get(ctx, "/api/marketplace/fee", nil, &v)
	return v.FeeBps, v.FeePercent, err
}

// Listing returns a listing record. Unknown ids yield the zero record.
func (c *Client) Listing(ctx context.Context, id uint64) (domain.Listing, error) {
	var l domain.Listing
	err := c.get(ctx, "/api/listings/"+strconv.FormatUint(id, 10), nil, &l)
	return l, err
}

// ActivePage is one page of active listings.
type ActivePage struct {
	IDs       []uint64         `json:"ids"`
	Listings  []domain.Listing `json:"listings"`
	NextAfter uint64           `json:"next_after"`
}

// Active returns active listings with id > after. limit <= 0 asks for all.
func (c *Client) Active(ctx context.Context, after uint64, limit int) (ActivePage, error) {
	var p ActivePage
	err := c.get(ctx, "/api/listings/active", pageQuery(after, limit), &p)
	return p, err
}

// Count returns the number of listings ever created.
func (c *Client) Count(ctx context.Context) (uint64, error) {
	var v struct {
		Total uint64 `json:"total_listings"`
	}
	err := c.get(ctx, "/api/listings/count", nil, &v)
	return v.Total, err
}

// Events returns committed events with seq > after.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	var v struct {
		Events []domain.Event `json:"events"`
	}
	err := c.get(ctx, "/api/events", pageQuery(after, limit), &v)
	return v.Events, err
}

// ---- signed writes ----

// Initialize makes the signer the admin and sets the opening fee.
func (c *Client) Initialize(ctx context.Context, feeBps uint64) error {
	return c.send(ctx, http.MethodPost, "/api/marketplace/initialize", map[string]any{"fee_bps": feeBps}, nil, nil)
}

// CreateListing lists tokenID of contract at price and returns the new id.
func (c *Client) CreateListing(ctx context.Context, contract common.Address, tokenID, price *uint256.Int) (uint64, error) {
	var v struct {
		ListingID uint64 `json:"listing_id"`
	}
	body := map[string]any{
		"contract": contract.Hex(),
		"token_id": tokenID.Dec(),
		"price":    price.Dec(),
	}
	if err := c.send(ctx, http.MethodPost, "/api/listings", body, nil, &v); err != nil {
		return 0, err
	}
	return v.ListingID, nil
}

// Purchase buys listing id attaching value.
func (c *Client) Purchase(ctx context.Context, id uint64, value *uint256.Int) (domain.Sale, error) {
	var s domain.Sale
	err := c.send(ctx, http.MethodPost, listingPath(id, "purchase"), nil, value, &s)
	return s, err
}

// EditPrice reprices an active listing owned by the signer.
func (c *Client) EditPrice(ctx context.Context, id uint64, price *uint256.Int) (domain.Listing, error) {
	var l domain.Listing
	err := c.send(ctx, http.MethodPut, listingPath(id, "price"), map[string]any{"price": price.Dec()}, nil, &l)
	return l, err
}

// Cancel withdraws an active listing owned by the signer.
func (c *Client) Cancel(ctx context.Context, id uint64) (domain.Listing, error) {
	var l domain.Listing
	err := c.send(ctx, http.MethodPost, listingPath(id, "cancel"), nil, nil, &l)
	return l, err
}

// EmergencyCancel withdraws any active listing. Admin only.
func (c *Client) EmergencyCancel(ctx context.Context, id uint64) (domain.Listing, error) {
	var l domain.Listing
	err := c.send(ctx, http.MethodPost, listingPath(id, "emergency-cancel"), nil, nil, &l)
	return l, err
}

// UpdateFee sets the platform fee in basis points. Admin only.
func (c *Client) UpdateFee(ctx context.Context, feeBps uint64) error {
	return c.send(ctx, http.MethodPut, "/api/marketplace/fee", map[string]any{"fee_bps": feeBps}, nil, nil)
}

// SetPaused stops or resumes new listings and purchases. Admin only.
func (c *Client) SetPaused(ctx context.Context, paused bool) error {
	return c.send(ctx, http.MethodPut, "/api/marketplace/paused", map[string]any{"paused": paused}, nil, nil)
}

// TransferOwnership hands the admin role to newAdmin. Admin only.
func (c *Client) TransferOwnership(ctx context.Context, newAdmin common.Address) error {
	return c.send(ctx, http.MethodPut, "/api/marketplace/admin", map[string]any{"new_admin": newAdmin.Hex()}, nil, nil)
}

// ---- plumbing ----

func listingPath(id uint64, action string) string {
	return "/api/listings/" + strconv.FormatUint(id, 10) + "/" + action
}

func pageQuery(after uint64, limit int) url.Values {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// get performs an anonymous read, retrying network errors and 5xx
// responses with exponential backoff.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		err = c.do(req, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}
	if c.maxElapsed <= 0 {
		return unwrapPermanent(op())
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	return nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// send signs and performs a mutating request. Writes are never retried
// because the server rejects a replayed signature.
func (c *Client) send(ctx context.Context, method, path string, body any, value *uint256.Int, out any) error {
	if c.signer == nil {
		return fmt.Errorf("client: %s %s: %w: no signing key", method, path, domain.ErrUnauthorized)
	}
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("client: marshal request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	headers, err := c.signer.SignRequest(method, path, c.now(), value, raw)
	if err != nil {
		return fmt.Errorf("client: sign request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := c.do(req, out); err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus turns a non-2xx response into an *APIError.
func checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	apiErr := &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	var eb struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &eb) == nil && eb.Code != "" {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Error
	}
	return apiErr
}
