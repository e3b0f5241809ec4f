package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus enumerates the states of a gateway payment attempt.
type PaymentStatus string

const (
	// PaymentStatusCreated indicates the gateway intent exists but no outcome arrived.
	PaymentStatusCreated PaymentStatus = "CREATED"
	// PaymentStatusSuccess indicates the gateway captured the funds.
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	// PaymentStatusFailed indicates the gateway reported a failure.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusRefunded indicates the captured funds were returned.
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// PaymentTransaction records one gateway payment attempt for an order. At most
// one row exists per (order, gateway) pair; retries reuse the stored intent.
type PaymentTransaction struct {
	ID             string
	OrderID        string
	Gateway        string
	IntentID       string
	ClientSecret   string
	ChargeID       string
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Status         PaymentStatus
	Raw            map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MinorUnits converts a decimal amount to the gateway's integer minor units
// (paise, cents) rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
