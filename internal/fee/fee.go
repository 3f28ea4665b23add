// Package fee computes the platform fee split of a sale.
package fee

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

const (
	// MaxBps is the highest configurable platform fee (10%).
	MaxBps uint64 = 1000
	// Denominator is the basis point scale; 10000 bps = 100%.
	Denominator uint64 = 10000
)

var denominator = uint256.NewInt(Denominator)

// Split is the outcome of applying a fee rate to a price.
type Split struct {
	Price         *uint256.Int
	Fee           *uint256.Int
	SellerRevenue *uint256.Int
}

// Calculate returns floor(price*bps/10000) and the remainder owed to the
// seller. The product is computed in 512 bits so any 256-bit price is safe.
func Calculate(price *uint256.Int, bps uint64) Split {
	if price == nil {
		price = new(uint256.Int)
	}
	f, _ := new(uint256.Int).MulDivOverflow(price, uint256.NewInt(bps), denominator)
	return Split{
		Price:         price.Clone(),
		Fee:           f,
		SellerRevenue: new(uint256.Int).Sub(price, f),
	}
}

// ValidateInitial checks a rate passed to initialize.
func ValidateInitial(bps uint64) error {
	if bps > MaxBps {
		return fmt.Errorf("%w: %d bps exceeds %d", domain.ErrInvalidFee, bps, MaxBps)
	}
	return nil
}

// ValidateUpdate checks a rate passed to update_platform_fee.
func ValidateUpdate(bps uint64) error {
	if bps > MaxBps {
		return fmt.Errorf("%w: %d bps exceeds %d", domain.ErrFeeTooHigh, bps, MaxBps)
	}
	return nil
}

// Percent renders bps as a percentage string, e.g. 250 -> "2.5".
func Percent(bps uint64) string {
	return decimal.NewFromInt(int64(bps)).Shift(-2).String()
}
