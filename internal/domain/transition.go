package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Sale is the bookkeeping record of a completed purchase.
type Sale struct {
	ListingID     uint64         `json:"listing_id"`
	Buyer         common.Address `json:"buyer"`
	Lister        common.Address `json:"lister"`
	Price         *uint256.Int   `json:"price"`
	Fee           *uint256.Int   `json:"fee"`
	SellerRevenue *uint256.Int   `json:"seller_revenue"`
}

// Transition is the complete result of one accepted operation: the next
// marketplace state, the listing it touched (if any), its single event and,
// for purchases, the sale split. It is computed before anything is written so
// that a rejected operation leaves no trace.
type Transition struct {
	Market  Marketplace
	Listing *Listing
	Event   Event
	Sale    *Sale
}

// ListingID returns the id of the touched listing or zero.
func (t Transition) ListingID() uint64 {
	if t.Listing == nil {
		return 0
	}
	return t.Listing.ID
}
