package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/nftbazaar/internal/crypto"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

const defaultMaxBody int64 = 1 << 20

// SignatureConfig configures signed-request verification.
type SignatureConfig struct {
	MaxSkew time.Duration
	// Replay rejects a signature seen within the skew window. Nil disables
	// replay protection.
	Replay  domain.ReplayGuard
	MaxBody int64
	Now     func() time.Time
	Logger  *slog.Logger
}

// Signature authenticates the caller from the X-Bazaar-* headers and stores
// the resulting domain.Request in the request context.
func Signature(cfg SignatureConfig) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	unauthorized := func(w http.ResponseWriter, msg string) {
		writeError(w, http.StatusUnauthorized, domain.Code(domain.ErrUnauthorized), msg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.Header.Get(crypto.HeaderAddress)
			sig := r.Header.Get(crypto.HeaderSignature)
			if !common.IsHexAddress(addr) || sig == "" {
				unauthorized(w, "missing signature headers")
				return
			}

			ts, err := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
			if err != nil {
				unauthorized(w, "invalid timestamp")
				return
			}
			if skew := cfg.Now().Sub(time.Unix(ts, 0)); skew > cfg.MaxSkew || skew < -cfg.MaxSkew {
				unauthorized(w, "timestamp outside allowed clock skew")
				return
			}

			var value *uint256.Int
			if raw := strings.TrimSpace(r.Header.Get(crypto.HeaderValue)); raw != "" {
				if value, err = uint256.FromDecimal(raw); err != nil {
					writeError(w, http.StatusBadRequest, domain.Code(domain.ErrInvalidRequest), "invalid payment value")
					return
				}
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, domain.Code(domain.ErrInvalidRequest), "request body too large")
					return
				}
				writeError(w, http.StatusBadRequest, domain.Code(domain.ErrInvalidRequest), "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := common.HexToAddress(addr)
			digest := crypto.RequestDigest(r.Method, r.URL.Path, ts, value, body)
			if err := crypto.Verify(digest, sig, caller); err != nil {
				unauthorized(w, "signature does not match address")
				return
			}

			if cfg.Replay != nil {
				fresh, err := cfg.Replay.Remember(r.Context(), "sig:"+strings.ToLower(sig), 2*cfg.MaxSkew)
				if err != nil {
					cfg.Logger.ErrorContext(r.Context(), "middleware: replay guard failed", slog.String("error", err.Error()))
					writeError(w, http.StatusServiceUnavailable, "internal", "replay guard unavailable")
					return
				}
				if !fresh {
					unauthorized(w, domain.ErrReplayed.Error())
					return
				}
			}

			req := domain.NewRequest(caller).WithValue(value)
			next.ServeHTTP(w, r.WithContext(WithRequest(r.Context(), req)))
		})
	}
}
