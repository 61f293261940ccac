package checkout

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFeeCalculator_Split(t *testing.T) {
	tests := []struct {
		name             string
		basisPoints      int64
		amount           string
		platformAbsorbed bool
		wantFee          string
		wantTransfer     string
	}{
		{
			name:         "ten percent of round amount",
			basisPoints:  1000,
			amount:       "30.00",
			wantFee:      "3.00",
			wantTransfer: "27.00",
		},
		{
			name:         "fee rounds to cents",
			basisPoints:  1000,
			amount:       "24.99",
			wantFee:      "2.50",
			wantTransfer: "22.49",
		},
		{
			name:         "fee plus transfer equals gross",
			basisPoints:  875,
			amount:       "19.95",
			wantFee:      "1.75",
			wantTransfer: "18.20",
		},
		{
			name:             "platform absorbed keeps full gross",
			basisPoints:      1000,
			amount:           "30.00",
			platformAbsorbed: true,
			wantFee:          "0",
			wantTransfer:     "30.00",
		},
		{
			name:         "zero basis points",
			basisPoints:  0,
			amount:       "30.00",
			wantFee:      "0",
			wantTransfer: "30.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fees := NewFeeCalculator(tt.basisPoints)
			amount := decimal.RequireFromString(tt.amount)

			fee, transfer := fees.Split(amount, tt.platformAbsorbed)

			assert.True(t, fee.Equal(decimal.RequireFromString(tt.wantFee)), "fee was %s", fee)
			assert.True(t, transfer.Equal(decimal.RequireFromString(tt.wantTransfer)), "transfer was %s", transfer)
			assert.True(t, fee.Add(transfer).Equal(amount), "split must sum to gross")
		})
	}
}
