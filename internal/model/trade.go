package model

import "time"

// Trade status values.
const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"
)

// Trade is one recorded fill in the trade history.
type Trade struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Symbol     string     `json:"symbol"`
	Strike     int        `json:"strike"`
	OptionType OptionType `json:"option_type"`
	Side       string     `json:"side"` // BUY or SELL
	Quantity   int        `json:"quantity"`
	Price      float64    `json:"price"`
	OrderID    string     `json:"order_id"`
	Expiry     string     `json:"expiry"`
	SecurityID string     `json:"security_id"`
	OrderType  string     `json:"order_type"` // MARKET or LIMIT
	LimitPrice float64    `json:"limit_price,omitempty"`
	Mock       bool       `json:"is_mock"`

	// Filled on exit.
	ExitPrice float64    `json:"exit_price,omitempty"`
	ExitTime  *time.Time `json:"exit_time,omitempty"`
	PnL       float64    `json:"pnl"`
	Status    string     `json:"status"` // OPEN or CLOSED
}
