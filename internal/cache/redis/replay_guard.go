package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// ReplayGuard remembers request signatures with SET NX so each signed
// request is accepted once.
type ReplayGuard struct {
	c *Client
}

// NewReplayGuard creates a ReplayGuard backed by c.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

// Remember stores key for ttl and reports whether it was new.
func (g *ReplayGuard) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.key("replay:", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: replay guard: %w", err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.ReplayGuard = (*ReplayGuard)(nil)
