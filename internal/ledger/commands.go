package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/nftbazaar/internal/access"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/fee"
)

// Command is one ledger operation. Every check runs inside plan, before
// anything is written.
type Command interface {
	// Op is the operation name used in logs and metrics.
	Op() string
	plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error)
}

type Initialize struct {
	FeeBps uint64
}

type CreateListing struct {
	Contract common.Address
	TokenID  *uint256.Int
	Price    *uint256.Int
}

type Purchase struct {
	ListingID uint64
}

type EditPrice struct {
	ListingID uint64
	NewPrice  *uint256.Int
}

type Cancel struct {
	ListingID uint64
}

type EmergencyCancel struct {
	ListingID uint64
}

type UpdateFee struct {
	FeeBps uint64
}

type SetPaused struct {
	Paused bool
}

type TransferOwnership struct {
	NewAdmin common.Address
}

func (Initialize) Op() string        { return "initialize" }
func (CreateListing) Op() string     { return "create" }
func (Purchase) Op() string          { return "purchase" }
func (EditPrice) Op() string         { return "edit_price" }
func (Cancel) Op() string            { return "cancel" }
func (EmergencyCancel) Op() string   { return "emergency_cancel" }
func (UpdateFee) Op() string         { return "update_platform_fee" }
func (SetPaused) Op() string         { return "set_paused" }
func (TransferOwnership) Op() string { return "transfer_ownership" }

func (c Initialize) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if l.market.Initialized {
		return domain.Transition{}, domain.ErrAlreadyInitialized
	}
	if err := fee.ValidateInitial(c.FeeBps); err != nil {
		return domain.Transition{}, err
	}
	next.Admin = req.Caller
	next.FeeBps = c.FeeBps
	next.Counter = 0
	next.Paused = false
	next.Initialized = true
	ev := l.nextEvent(0, domain.MarketplaceInitialized{Admin: req.Caller, FeeBps: c.FeeBps}, now)
	return domain.Transition{Market: next, Event: ev}, nil
}

func (c CreateListing) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireOpen(l.market); err != nil {
		return domain.Transition{}, err
	}
	if err := validPrice(c.Price); err != nil {
		return domain.Transition{}, err
	}
	if c.Contract == (common.Address{}) {
		return domain.Transition{}, fmt.Errorf("%w: zero contract", domain.ErrInvalidAddress)
	}
	tokenID := new(uint256.Int)
	if c.TokenID != nil {
		tokenID.Set(c.TokenID)
	}

	next.Counter = l.market.Counter + 1
	rec := domain.Listing{
		ID:        next.Counter,
		Contract:  c.Contract,
		TokenID:   tokenID,
		Lister:    req.Caller,
		Price:     c.Price.Clone(),
		Status:    domain.ListingStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev := l.nextEvent(rec.ID, domain.ListingCreated{
		ListingID: rec.ID,
		Contract:  rec.Contract,
		TokenID:   rec.TokenID.Clone(),
		Lister:    rec.Lister,
		Price:     rec.Price.Clone(),
	}, now)
	return domain.Transition{Market: next, Listing: &rec, Event: ev}, nil
}

func (c Purchase) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireOpen(l.market); err != nil {
		return domain.Transition{}, err
	}
	rec, err := l.existing(c.ListingID)
	if err != nil {
		return domain.Transition{}, err
	}
	if !rec.Active() {
		return domain.Transition{}, fmt.Errorf("%w: listing %d is %s", domain.ErrAlreadySold, rec.ID, rec.Status)
	}
	paid := req.Paid()
	if !paid.Eq(rec.Price) {
		return domain.Transition{}, fmt.Errorf("%w: paid %s, price %s", domain.ErrWrongPayment, paid.Dec(), rec.Price.Dec())
	}

	split := fee.Calculate(rec.Price, l.market.FeeBps)
	rec.Buyer = req.Caller
	rec.Status = domain.ListingStatusSold
	rec.UpdatedAt = now
	next.Volume = new(uint256.Int).Add(next.Volume, split.Price)
	next.FeesCollected = new(uint256.Int).Add(next.FeesCollected, split.Fee)

	sale := &domain.Sale{
		ListingID:     rec.ID,
		Buyer:         rec.Buyer,
		Lister:        rec.Lister,
		Price:         split.Price,
		Fee:           split.Fee,
		SellerRevenue: split.SellerRevenue,
	}
	ev := l.nextEvent(rec.ID, domain.ListingSold{
		ListingID:     rec.ID,
		Contract:      rec.Contract,
		TokenID:       rec.TokenID.Clone(),
		Lister:        rec.Lister,
		Buyer:         rec.Buyer,
		Price:         split.Price.Clone(),
		Fee:           split.Fee.Clone(),
		SellerRevenue: split.SellerRevenue.Clone(),
	}, now)
	return domain.Transition{Market: next, Listing: &rec, Event: ev, Sale: sale}, nil
}

func (c EditPrice) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireInitialized(l.market); err != nil {
		return domain.Transition{}, err
	}
	rec, err := l.existing(c.ListingID)
	if err != nil {
		return domain.Transition{}, err
	}
	if err := access.RequireLister(rec, req.Caller); err != nil {
		return domain.Transition{}, err
	}
	if !rec.Active() {
		return domain.Transition{}, fmt.Errorf("%w: listing %d is %s", domain.ErrAlreadySold, rec.ID, rec.Status)
	}
	if err := validPrice(c.NewPrice); err != nil {
		return domain.Transition{}, err
	}

	old := rec.Price
	rec.Price = c.NewPrice.Clone()
	rec.UpdatedAt = now
	ev := l.nextEvent(rec.ID, domain.PriceUpdated{
		ListingID: rec.ID,
		OldPrice:  old.Clone(),
		NewPrice:  rec.Price.Clone(),
	}, now)
	return domain.Transition{Market: next, Listing: &rec, Event: ev}, nil
}

func (c Cancel) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireInitialized(l.market); err != nil {
		return domain.Transition{}, err
	}
	rec, err := l.existing(c.ListingID)
	if err != nil {
		return domain.Transition{}, err
	}
	if err := access.RequireLister(rec, req.Caller); err != nil {
		return domain.Transition{}, err
	}
	if !rec.Active() {
		return domain.Transition{}, fmt.Errorf("%w: listing %d is %s", domain.ErrAlreadySold, rec.ID, rec.Status)
	}

	rec.Status = domain.ListingStatusCancelled
	rec.UpdatedAt = now
	ev := l.nextEvent(rec.ID, domain.ListingCancelled{ListingID: rec.ID, Lister: rec.Lister}, now)
	return domain.Transition{Market: next, Listing: &rec, Event: ev}, nil
}

func (c EmergencyCancel) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireInitialized(l.market); err != nil {
		return domain.Transition{}, err
	}
	if err := access.RequireAdmin(l.market, req.Caller); err != nil {
		return domain.Transition{}, err
	}
	rec, err := l.existing(c.ListingID)
	if err != nil {
		return domain.Transition{}, err
	}
	if !rec.Active() {
		return domain.Transition{}, fmt.Errorf("%w: listing %d is %s", domain.ErrAlreadySold, rec.ID, rec.Status)
	}

	rec.Status = domain.ListingStatusCancelled
	rec.UpdatedAt = now
	ev := l.nextEvent(rec.ID, domain.EmergencyDelisting{ListingID: rec.ID, Admin: req.Caller}, now)
	return domain.Transition{Market: next, Listing: &rec, Event: ev}, nil
}

func (c UpdateFee) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireInitialized(l.market); err != nil {
		return domain.Transition{}, err
	}
	if err := access.RequireAdmin(l.market, req.Caller); err != nil {
		return domain.Transition{}, err
	}
	if err := fee.ValidateUpdate(c.FeeBps); err != nil {
		return domain.Transition{}, err
	}
	next.FeeBps = c.FeeBps
	ev := l.nextEvent(0, domain.FeeUpdated{OldFee: l.market.FeeBps, NewFee: c.FeeBps}, now)
	return domain.Transition{Market: next, Event: ev}, nil
}

func (c SetPaused) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireInitialized(l.market); err != nil {
		return domain.Transition{}, err
	}
	if err := access.RequireAdmin(l.market, req.Caller); err != nil {
		return domain.Transition{}, err
	}
	next.Paused = c.Paused
	ev := l.nextEvent(0, domain.PauseToggled{Paused: c.Paused}, now)
	return domain.Transition{Market: next, Event: ev}, nil
}

func (c TransferOwnership) plan(l *Ledger, req domain.Request, next domain.Marketplace, now time.Time) (domain.Transition, error) {
	if err := requireInitialized(l.market); err != nil {
		return domain.Transition{}, err
	}
	if err := access.RequireAdmin(l.market, req.Caller); err != nil {
		return domain.Transition{}, err
	}
	if c.NewAdmin == (common.Address{}) {
		return domain.Transition{}, fmt.Errorf("%w: zero admin", domain.ErrInvalidAddress)
	}
	next.Admin = c.NewAdmin
	ev := l.nextEvent(0, domain.OwnershipTransferred{OldAdmin: l.market.Admin, NewAdmin: c.NewAdmin}, now)
	return domain.Transition{Market: next, Event: ev}, nil
}

func (l *Ledger) existing(id uint64) (domain.Listing, error) {
	rec, ok := l.get(id)
	if !ok {
		return domain.Listing{}, fmt.Errorf("%w: listing %d", domain.ErrNotFound, id)
	}
	return rec, nil
}

func requireInitialized(m domain.Marketplace) error {
	if !m.Initialized {
		return domain.ErrNotInitialized
	}
	return nil
}

// requireOpen gates create and purchase.
func requireOpen(m domain.Marketplace) error {
	if err := requireInitialized(m); err != nil {
		return err
	}
	if m.Paused {
		return domain.ErrPaused
	}
	return nil
}

func validPrice(p *uint256.Int) error {
	if p == nil || p.IsZero() {
		return fmt.Errorf("%w: price must be positive", domain.ErrInvalidPrice)
	}
	return nil
}
