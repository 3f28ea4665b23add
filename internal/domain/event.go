package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventListingCreated         EventKind = "ListingCreated"
	EventListingSold            EventKind = "ListingSold"
	EventPriceUpdated           EventKind = "PriceUpdated"
	EventListingCancelled       EventKind = "ListingCancelled"
	EventEmergencyDelisting     EventKind = "EmergencyDelisting"
	EventFeeUpdated             EventKind = "FeeUpdated"
	EventPauseToggled           EventKind = "PauseToggled"
	EventOwnershipTransferred   EventKind = "OwnershipTransferred"
	EventMarketplaceInitialized EventKind = "MarketplaceInitialized"
)

// EventPayload is the kind-specific body of an Event.
type EventPayload interface {
	Kind() EventKind
}

type ListingCreated struct {
	ListingID uint64         `json:"listing_id"`
	Contract  common.Address `json:"nft_contract"`
	TokenID   *uint256.Int   `json:"token_id"`
	Lister    common.Address `json:"lister"`
	Price     *uint256.Int   `json:"price"`
}

type ListingSold struct {
	ListingID     uint64         `json:"listing_id"`
	Contract      common.Address `json:"nft_contract"`
	TokenID       *uint256.Int   `json:"token_id"`
	Lister        common.Address `json:"lister"`
	Buyer         common.Address `json:"buyer"`
	Price         *uint256.Int   `json:"price"`
	Fee           *uint256.Int   `json:"fee"`
	SellerRevenue *uint256.Int   `json:"seller_revenue"`
}

type PriceUpdated struct {
	ListingID uint64       `json:"listing_id"`
	OldPrice  *uint256.Int `json:"old_price"`
	NewPrice  *uint256.Int `json:"new_price"`
}

type ListingCancelled struct {
	ListingID uint64         `json:"listing_id"`
	Lister    common.Address `json:"lister"`
}

type EmergencyDelisting struct {
	ListingID uint64         `json:"listing_id"`
	Admin     common.Address `json:"admin"`
}

type FeeUpdated struct {
	OldFee uint64 `json:"old_fee"`
	NewFee uint64 `json:"new_fee"`
}

type PauseToggled struct {
	Paused bool `json:"paused"`
}

type OwnershipTransferred struct {
	OldAdmin common.Address `json:"old_admin"`
	NewAdmin common.Address `json:"new_admin"`
}

type MarketplaceInitialized struct {
	Admin  common.Address `json:"admin"`
	FeeBps uint64         `json:"fee_bps"`
}

func (ListingCreated) Kind() EventKind         { return EventListingCreated }
func (ListingSold) Kind() EventKind            { return EventListingSold }
func (PriceUpdated) Kind() EventKind           { return EventPriceUpdated }
func (ListingCancelled) Kind() EventKind       { return EventListingCancelled }
func (EmergencyDelisting) Kind() EventKind     { return EventEmergencyDelisting }
func (FeeUpdated) Kind() EventKind             { return EventFeeUpdated }
func (PauseToggled) Kind() EventKind           { return EventPauseToggled }
func (OwnershipTransferred) Kind() EventKind   { return EventOwnershipTransferred }
func (MarketplaceInitialized) Kind() EventKind { return EventMarketplaceInitialized }

// Event is one entry of the append-only ledger event log. Seq is assigned
// by the ledger and is gapless starting at 1.
type Event struct {
	ID          uuid.UUID
	Seq         uint64
	Kind        EventKind
	ListingID   uint64
	Payload     EventPayload
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewEvent builds an event for payload. listingID is zero for marketplace
// level events.
func NewEvent(seq, listingID uint64, payload EventPayload, at time.Time) Event {
	return Event{
		ID:        uuid.New(),
		Seq:       seq,
		Kind:      payload.Kind(),
		ListingID: listingID,
		Payload:   payload,
		CreatedAt: at,
	}
}

type eventJSON struct {
	ID          uuid.UUID       `json:"id"`
	Seq         uint64          `json:"seq"`
	Kind        EventKind       `json:"kind"`
	ListingID   uint64          `json:"listing_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	return json.Marshal(eventJSON{
		ID:          e.ID,
		Seq:         e.Seq,
		Kind:        e.Kind,
		ListingID:   e.ListingID,
		Payload:     payload,
		CreatedAt:   e.CreatedAt,
		PublishedAt: e.PublishedAt,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var v eventJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	payload, err := DecodePayload(v.Kind, v.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:          v.ID,
		Seq:         v.Seq,
		Kind:        v.Kind,
		ListingID:   v.ListingID,
		Payload:     payload,
		CreatedAt:   v.CreatedAt,
		PublishedAt: v.PublishedAt,
	}
	return nil
}

// DecodePayload decodes the JSON body of an event of the given kind.
func DecodePayload(kind EventKind, raw []byte) (EventPayload, error) {
	var p EventPayload
	switch kind {
	case EventListingCreated:
		p = &ListingCreated{}
	case EventListingSold:
		p = &ListingSold{}
	case EventPriceUpdated:
		p = &PriceUpdated{}
	case EventListingCancelled:
		p = &ListingCancelled{}
	case EventEmergencyDelisting:
		p = &EmergencyDelisting{}
	case EventFeeUpdated:
		p = &FeeUpdated{}
	case EventPauseToggled:
		p = &PauseToggled{}
	case EventOwnershipTransferred:
		p = &OwnershipTransferred{}
	case EventMarketplaceInitialized:
		p = &MarketplaceInitialized{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return deref(p), nil
}

func deref(p EventPayload) EventPayload {
	switch v := p.(type) {
	case *ListingCreated:
		return *v
	case *ListingSold:
		return *v
	case *PriceUpdated:
		return *v
	case *ListingCancelled:
		return *v
	case *EmergencyDelisting:
		return *v
	case *FeeUpdated:
		return *v
	case *PauseToggled:
		return *v
	case *OwnershipTransferred:
		return *v
	case *MarketplaceInitialized:
		return *v
	}
	return p
}
