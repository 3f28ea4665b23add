package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "wrong_payment", Code(fmt.Errorf("ledger: purchase: %w", ErrWrongPayment)))
	assert.Equal(t, "not_admin", Code(ErrNotAdmin))
	assert.Equal(t, "unauthorized", Code(ErrReplayed))
	assert.Equal(t, "internal", Code(errors.New("boom")))

	assert.Equal(t, ErrFeeTooHigh, ErrorForCode("fee_too_high"))
	assert.Nil(t, ErrorForCode("nope"))
}

func TestListingJSON(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := Listing{
		ID:        3,
		Contract:  common.HexToAddress("0x00000000000000000000000000000000000000d4"),
		TokenID:   uint256.MustFromDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935"),
		Lister:    common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Price:     uint256.NewInt(1000),
		Status:    ListingStatusCancelled,
		CreatedAt: at,
		UpdatedAt: at,
	}

	data, err := json.Marshal(l)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "1000", raw["price"])
	assert.Equal(t, true, raw["sold"])
	assert.Equal(t, true, raw["finalized"])
	assert.Equal(t, "cancelled", raw["status"])

	var back Listing
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, l, back)
}

func TestZeroListingJSON(t *testing.T) {
	data, err := json.Marshal(ZeroListing())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"price":"0"`)
	assert.Contains(t, string(data), `"sold":false`)
}

func TestEventJSON(t *testing.T) {
	ev := NewEvent(4, 2, PriceUpdated{ListingID: 2, OldPrice: uint256.NewInt(5), NewPrice: uint256.NewInt(9)},
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"PriceUpdated"`)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev, back)
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	_, err := DecodePayload("Nope", []byte(`{}`))
	require.Error(t, err)
}

func TestRequestValueIsCopied(t *testing.T) {
	v := uint256.NewInt(10)
	r := NewRequest(common.Address{}).WithValue(v)
	v.SetUint64(11)
	assert.Equal(t, uint64(10), r.Paid().Uint64())
	assert.True(t, Request{}.Paid().IsZero())
}
