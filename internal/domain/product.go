package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalogue entry inventory is tracked against.
type Product struct {
	ID        string
	SKU       string
	Name      string
	Price     decimal.Decimal
	Stock     int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
