package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/ledger-service/ledger_service/internal/domain/entities"
)

// amountPlaces is the scale of stored amounts (DECIMAL(24,4)).
const amountPlaces = 4

// Round4 normalizes an amount to storage precision using banker's
// rounding (round half to even). Every amount is passed through here
// before it touches an entry or a balance.
func Round4(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(amountPlaces)
}

// SignConvention maps non-negative debit and credit magnitudes to signed
// entry amounts. By default debits are positive and credits negative;
// DebitsAreNegative reverses the convention. The convention is fixed at
// service construction so all entries in one deployment agree.
type SignConvention struct {
	DebitsAreNegative bool
}

// Debit returns the signed amount for a debit of the given magnitude.
func (c SignConvention) Debit(amount decimal.Decimal) (decimal.Decimal, error) {
	return c.signed(amount, false)
}

// Credit returns the signed amount for a credit of the given magnitude.
func (c SignConvention) Credit(amount decimal.Decimal) (decimal.Decimal, error) {
	return c.signed(amount, true)
}

func (c SignConvention) signed(amount decimal.Decimal, reverse bool) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, entities.ErrInvalidAmount
	}
	if c.DebitsAreNegative {
		reverse = !reverse
	}
	if reverse {
		return amount.Neg(), nil
	}
	return amount, nil
}
