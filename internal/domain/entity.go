package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is a persisted FILLED transition.
type TradeRecord struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	RunID       string          `gorm:"index" json:"run_id"`
	Symbol      string          `gorm:"index" json:"symbol"`
	Level       int             `json:"level"`
	Side        string          `json:"side"`
	ClientID    string          `gorm:"uniqueIndex" json:"client_id"`
	ExchangeID  string          `json:"exchange_id"`
	Price       decimal.Decimal `gorm:"type:text" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:text" json:"quantity"`
	Fee         decimal.Decimal `gorm:"type:text" json:"fee"`
	ParentPrice decimal.Decimal `gorm:"type:text" json:"parent_price"`
	FilledAt    time.Time       `gorm:"index" json:"filled_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DailyStats aggregates one symbol's trading per UTC day.
type DailyStats struct {
	Date           string          `gorm:"primaryKey" json:"date"` // YYYY-MM-DD
	Symbol         string          `gorm:"primaryKey" json:"symbol"`
	BuyFills       int64           `json:"buy_fills"`
	SellFills      int64           `json:"sell_fills"`
	CompletedPairs int64           `json:"completed_pairs"`
	BoughtQty      decimal.Decimal `gorm:"type:text" json:"bought_qty"`
	SoldQty        decimal.Decimal `gorm:"type:text" json:"sold_qty"`
	Fees           decimal.Decimal `gorm:"type:text" json:"fees"`
	QuoteDelta     decimal.Decimal `gorm:"type:text" json:"quote_delta"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RunRecord stores the final report of a run.
type RunRecord struct {
	RunID     string    `gorm:"primaryKey" json:"run_id"`
	Symbol    string    `gorm:"index" json:"symbol"`
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Leaked    int       `json:"leaked"`
	Report    string    `json:"report"` // JSON-encoded RunReport
}
