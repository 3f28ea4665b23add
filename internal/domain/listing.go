package domain

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	// ListingStatusNone is the status of a listing id that was never created.
	ListingStatusNone      ListingStatus = ""
	ListingStatusActive    ListingStatus = "active"
	ListingStatusSold      ListingStatus = "sold"
	ListingStatusCancelled ListingStatus = "cancelled"
)

// Valid reports whether s is one of the persisted statuses.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingStatusActive, ListingStatusSold, ListingStatusCancelled:
		return true
	}
	return false
}

// Listing is a permanent ledger record for one asset offered for sale.
// TokenID and Price are never nil on records returned by the ledger.
type Listing struct {
	ID        uint64
	Contract  common.Address
	TokenID   *uint256.Int
	Lister    common.Address
	Buyer     common.Address
	Price     *uint256.Int
	Status    ListingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ZeroListing is the record returned for ids that were never created.
func ZeroListing() Listing {
	return Listing{TokenID: new(uint256.Int), Price: new(uint256.Int)}
}

// Exists reports whether the record was produced by a create.
func (l Listing) Exists() bool { return l.ID != 0 }

// Active reports whether the listing can still be bought, edited or cancelled.
func (l Listing) Active() bool { return l.Status == ListingStatusActive }

// Sold reports whether the listing has reached a terminal state. Cancelled
// listings count as sold, matching the legacy single-flag view.
func (l Listing) Sold() bool {
	return l.Status == ListingStatusSold || l.Status == ListingStatusCancelled
}

// Finalized is derived from status and is true for every terminal listing.
func (l Listing) Finalized() bool { return l.Sold() }

// HasBuyer reports whether a buyer was recorded.
func (l Listing) HasBuyer() bool { return l.Buyer != (common.Address{}) }

// Clone returns a copy that shares no mutable state with l.
func (l Listing) Clone() Listing {
	c := l
	if l.TokenID != nil {
		c.TokenID = l.TokenID.Clone()
	}
	if l.Price != nil {
		c.Price = l.Price.Clone()
	}
	return c
}

type listingJSON struct {
	ID        uint64         `json:"listing_id"`
	Contract  common.Address `json:"nft_contract"`
	TokenID   *uint256.Int   `json:"token_id"`
	Lister    common.Address `json:"lister"`
	Buyer     common.Address `json:"buyer"`
	Price     *uint256.Int   `json:"price"`
	Status    ListingStatus  `json:"status"`
	Sold      bool           `json:"sold"`
	Finalized bool           `json:"finalized"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MarshalJSON encodes the listing with the derived sold/finalized flags.
func (l Listing) MarshalJSON() ([]byte, error) {
	return json.Marshal(listingJSON{
		ID:        l.ID,
		Contract:  l.Contract,
		TokenID:   orZero(l.TokenID),
		Lister:    l.Lister,
		Buyer:     l.Buyer,
		Price:     orZero(l.Price),
		Status:    l.Status,
		Sold:      l.Sold(),
		Finalized: l.Finalized(),
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	})
}

// UnmarshalJSON decodes a listing; the derived flags are ignored.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var v listingJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = Listing{
		ID:        v.ID,
		Contract:  v.Contract,
		TokenID:   orZero(v.TokenID),
		Lister:    v.Lister,
		Buyer:     v.Buyer,
		Price:     orZero(v.Price),
		Status:    v.Status,
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}
	return nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
