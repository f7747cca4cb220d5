package domain

import (
	"errors"
	"time"
)

var (
	ErrInvalidAmount = errors.New("amount must be greater than zero")
	ErrOverpayment   = errors.New("payment exceeds remaining credit")
)

func CreditStatusFor(original int64, remaining int64) CreditStatus {
	switch {
	case remaining <= 0:
		return CreditPaid
	case remaining < original:
		return CreditPartial
	default:
		return CreditPending
	}
}

// Normalize recomputes RemainingAmount and Status from the payment history.
// Records from the server may omit both.
func (c *Credit) Normalize() {
	paid := int64(0)
	for _, p := range c.Payments {
		paid += p.Amount
	}
	c.RemainingAmount = c.OriginalAmount - paid
	if c.RemainingAmount < 0 {
		c.RemainingAmount = 0
	}
	c.Status = CreditStatusFor(c.OriginalAmount, c.RemainingAmount)
}

func (c *Credit) ApplyPayment(amount int64, at time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	c.Normalize()
	if amount > c.RemainingAmount {
		return ErrOverpayment
	}
	c.Payments = append(c.Payments, CreditPayment{Amount: amount, Date: at.UTC()})
	c.Normalize()
	return nil
}
