// Package handler serves the marketplace HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/server/middleware"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

// errorResponse is the body of every failed call.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotAdmin), errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadySold), errors.Is(err, domain.ErrAlreadyInitialized),
		errors.Is(err, domain.ErrPaused), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrWrongPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInvalidPrice), errors.Is(err, domain.ErrInvalidFee),
		errors.Is(err, domain.ErrFeeTooHigh), errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotInitialized):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrReplayed):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its kind. Internal failures are logged and
// their detail is hidden from the caller.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: domain.Code(err)})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// decodeBody reads a JSON object into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// caller returns the authenticated request context.
func caller(r *http.Request) (domain.Request, error) {
	req, ok := middleware.RequestFrom(r.Context())
	if !ok {
		return domain.Request{}, domain.ErrUnauthorized
	}
	return req, nil
}

// lookupID parses the listing id of a read route. Zero is a valid query and
// resolves to the zero record like any other unknown id.
func lookupID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, badRequest("listing id must be a non-negative integer")
	}
	return id, nil
}

// listingID parses the listing id of a mutating route; ids start at 1.
func listingID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("listing id must be a positive integer")
	}
	return id, nil
}

// amount is a 256-bit quantity accepted as a JSON string or number.
type amount string

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	*a = amount(s)
	return nil
}

// parse returns the value, or errInvalid when the text is empty, negative
// or not a base-10 integer.
func (a amount) parse(errInvalid error) (*uint256.Int, error) {
	s := strings.TrimSpace(string(a))
	if s == "" || strings.HasPrefix(s, "+") {
		return nil, errInvalid
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errInvalid
	}
	return v, nil
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s", domain.ErrInvalidAddress, field)
	}
	return common.HexToAddress(s), nil
}

// pageParams reads ?after= and ?limit=.
func pageParams(r *http.Request) (after uint64, limit int, err error) {
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, badRequest("after must be a non-negative integer")
		}
	}
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, badRequest("limit must be a positive integer")
		}
		limit = min(n, maxLimit)
	}
	return after, limit, nil
}
