package notify

import (
	"fmt"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/fee"
)

// Title is the one-line headline for ev.
func Title(ev domain.Event) string {
	switch ev.Kind {
	case domain.EventListingCreated:
		return fmt.Sprintf("New listing #%d", ev.ListingID)
	case domain.EventListingSold:
		return fmt.Sprintf("Listing #%d sold", ev.ListingID)
	case domain.EventPriceUpdated:
		return fmt.Sprintf("Listing #%d repriced", ev.ListingID)
	case domain.EventListingCancelled:
		return fmt.Sprintf("Listing #%d cancelled", ev.ListingID)
	case domain.EventEmergencyDelisting:
		return fmt.Sprintf("Listing #%d delisted by admin", ev.ListingID)
	case domain.EventFeeUpdated:
		return "Platform fee changed"
	case domain.EventPauseToggled:
		return "Marketplace pause toggled"
	case domain.EventOwnershipTransferred:
		return "Marketplace ownership transferred"
	case domain.EventMarketplaceInitialized:
		return "Marketplace initialized"
	}
	return string(ev.Kind)
}

// Message is the body text for ev.
func Message(ev domain.Event) string {
	switch p := ev.Payload.(type) {
	case domain.ListingCreated:
		return fmt.Sprintf("%s token %s listed by %s for %s", p.Contract.Hex(), p.TokenID.Dec(), p.Lister.Hex(), p.Price.Dec())
	case domain.ListingSold:
		return fmt.Sprintf("%s token %s bought by %s for %s (fee %s, seller %s)",
			p.Contract.Hex(), p.TokenID.Dec(), p.Buyer.Hex(), p.Price.Dec(), p.Fee.Dec(), p.SellerRevenue.Dec())
	case domain.PriceUpdated:
		return fmt.Sprintf("price %s -> %s", p.OldPrice.Dec(), p.NewPrice.Dec())
	case domain.ListingCancelled:
		return fmt.Sprintf("cancelled by lister %s", p.Lister.Hex())
	case domain.EmergencyDelisting:
		return fmt.Sprintf("removed by admin %s", p.Admin.Hex())
	case domain.FeeUpdated:
		return fmt.Sprintf("%s%% -> %s%%", fee.Percent(p.OldFee), fee.Percent(p.NewFee))
	case domain.PauseToggled:
		if p.Paused {
			return "listing and purchases are paused"
		}
		return "listing and purchases resumed"
	case domain.OwnershipTransferred:
		return fmt.Sprintf("%s -> %s", p.OldAdmin.Hex(), p.NewAdmin.Hex())
	case domain.MarketplaceInitialized:
		return fmt.Sprintf("admin %s, fee %s%%", p.Admin.Hex(), fee.Percent(p.FeeBps))
	}
	return fmt.Sprintf("seq %d", ev.Seq)
}
