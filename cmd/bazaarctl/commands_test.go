package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbazaar/internal/crypto"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/server"
	"github.com/alanyoungcy/nftbazaar/internal/server/handler"
	"github.com/alanyoungcy/nftbazaar/internal/service"
	"github.com/alanyoungcy/nftbazaar/internal/store/memory"
)

const (
	adminKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	buyerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func startServer(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.NewStore()
	svc := service.NewBazaarService(st, st, memory.NewAuditStore(), logger)
	require.NoError(t, svc.Load(context.Background()))
	srv := server.NewServer(server.Config{MaxClockSkew: time.Minute}, server.Handlers{
		Health:      handler.NewHealthHandler(nil, logger),
		Marketplace: handler.NewMarketplaceHandler(svc, logger),
		Listings:    handler.NewListingHandler(svc, logger),
		Events:      handler.NewEventHandler(svc, logger),
	}, server.Deps{}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func ctl(t *testing.T, getenv func(string) string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out, getenv)
	return out.String(), err
}

func TestMarketplaceCommands(t *testing.T) {
	url := startServer(t)
	admin := env(map[string]string{"BAZAAR_SERVER": url, "BAZAAR_PRIVATE_KEY": adminKey})
	buyer := env(map[string]string{"BAZAAR_SERVER": url, "BAZAAR_PRIVATE_KEY": buyerKey})

	out, err := ctl(t, admin, "init", "250")
	require.NoError(t, err)
	assert.Contains(t, out, "fee 2.5%")

	out, err = ctl(t, admin, "list", "0x00000000000000000000000000000000000000aa", "7", "4000")
	require.NoError(t, err)
	assert.Equal(t, "listing 1 created\n", out)

	_, err = ctl(t, buyer, "buy", "1", "--value", "1")
	assert.ErrorIs(t, err, domain.ErrWrongPayment)

	out, err = ctl(t, buyer, "buy", "1")
	require.NoError(t, err)
	var sale domain.Sale
	require.NoError(t, json.Unmarshal([]byte(out), &sale))
	assert.Equal(t, uint64(100), sale.Fee.Uint64())
	assert.Equal(t, uint64(3900), sale.SellerRevenue.Uint64())

	out, err = ctl(t, buyer, "listing", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "sold"`)

	_, err = ctl(t, buyer, "fee", "10")
	assert.ErrorIs(t, err, domain.ErrNotAdmin)

	out, err = ctl(t, admin, "pause", "true")
	require.NoError(t, err)
	assert.Equal(t, "paused: true\n", out)

	out, err = ctl(t, buyer, "events", "--after", "2")
	require.NoError(t, err)
	var evs []domain.Event
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventListingSold, evs[0].Kind)
	assert.Equal(t, domain.EventPauseToggled, evs[1].Kind)
}

func TestKeygenAndAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	getenv := env(map[string]string{"BAZAAR_KEY_PASSWORD": "hunter2"})

	out, err := ctl(t, getenv, "keygen", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	addr, err := ctl(t, getenv, "--key-file", path, "address")
	require.NoError(t, err)
	assert.Contains(t, out, strings.TrimSpace(addr))

	_, err = ctl(t, env(map[string]string{"BAZAAR_KEY_PASSWORD": "wrong"}), "--key-file", path, "address")
	assert.Error(t, err)
}

func TestAddressFromRawKey(t *testing.T) {
	out, err := ctl(t, env(map[string]string{"BAZAAR_PRIVATE_KEY": adminKey}), "address")
	require.NoError(t, err)
	s, err := crypto.NewSigner(adminKey)
	require.NoError(t, err)
	assert.Equal(t, s.Address().Hex()+"\n", out)
}

func TestArgumentErrors(t *testing.T) {
	none := env(nil)
	cases := [][]string{
		{},
		{"bogus"},
		{"listing"},
		{"listing", "0"},
		{"address"},
		{"keygen"},
		{"pause", "maybe"},
	}
	for _, args := range cases {
		_, err := ctl(t, none, args...)
		assert.Error(t, err, args)
	}

	_, err := ctl(t, none, "--help")
	assert.NoError(t, err)
}
