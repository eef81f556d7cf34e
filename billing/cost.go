package billing

import (
	"time"

	"github.com/HenokTZA/evcsms/models"
	"github.com/shopspring/decimal"
)

const wattsPerKilowatt = 1000

// ConsumedKwh returns the energy delivered during the transaction in kWh.
// Meter registers only grow, so a latest reading below the start reading is
// treated as zero consumption rather than a refund.
func ConsumedKwh(transaction *models.Transaction) decimal.Decimal {
	if transaction.StartWh == nil || transaction.LatestWh == nil {
		return decimal.Zero
	}
	consumed := decimal.NewFromFloat(*transaction.LatestWh).Sub(decimal.NewFromFloat(*transaction.StartWh))
	if consumed.IsNegative() {
		return decimal.Zero
	}
	return consumed.Div(decimal.NewFromInt(wattsPerKilowatt))
}

// SessionCost prices a transaction with the tariffs captured when it started.
// Returns nil when the session carries no tariff at all; otherwise the sum of
// the energy and time components, rounded to three decimal places.
func SessionCost(transaction *models.Transaction, stoppedAt time.Time) *decimal.Decimal {
	if transaction.PriceKwhAtStart == nil && transaction.PriceHourAtStart == nil {
		return nil
	}

	total := decimal.Zero
	if transaction.PriceKwhAtStart != nil {
		price := decimal.NewFromFloat(*transaction.PriceKwhAtStart)
		total = total.Add(ConsumedKwh(transaction).Mul(price))
	}
	if transaction.PriceHourAtStart != nil {
		price := decimal.NewFromFloat(*transaction.PriceHourAtStart)
		duration := stoppedAt.Sub(transaction.TimeStart)
		if duration < 0 {
			duration = 0
		}
		hours := decimal.NewFromFloat(duration.Hours())
		total = total.Add(hours.Mul(price))
	}

	cost := total.Round(3)
	return &cost
}
