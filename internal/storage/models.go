package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample represents one persisted token price observation together with
// the metrics derived at write time. EMA and change columns are nullable so
// rows written before those columns existed keep reading back cleanly.
type PriceSample struct {
	ID        int64
	Region    string
	Timestamp time.Time
	PriceGold int64
	EMA       *int64
	ChangeAbs *int64
	ChangePct *decimal.Decimal
	CreatedAt time.Time
}

// TokenRecord is the durable per-region OAuth token.
type TokenRecord struct {
	Region      string
	AccessToken string
	ExpiresAt   time.Time
}
