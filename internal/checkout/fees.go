package checkout

import "github.com/shopspring/decimal"

// FeeCalculator splits a gross amount into the platform commission and
// the seller transfer. Fees are basis points of the gross, rounded to
// cents.
type FeeCalculator struct {
	basisPoints decimal.Decimal
}

func NewFeeCalculator(basisPoints int64) *FeeCalculator {
	return &FeeCalculator{basisPoints: decimal.NewFromInt(basisPoints)}
}

// Split returns (platformFee, transferAmount). On the platform-absorbed
// path the whole amount settles to the platform account, so the fee is
// zero and the transfer is the full gross.
func (f *FeeCalculator) Split(amount decimal.Decimal, platformAbsorbed bool) (decimal.Decimal, decimal.Decimal) {
	if platformAbsorbed {
		return decimal.Zero, amount
	}
	fee := amount.Mul(f.basisPoints).Div(decimal.NewFromInt(10000)).Round(2)
	return fee, amount.Sub(fee)
}
