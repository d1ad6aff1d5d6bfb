package model

// OrderRequest is a dashboard order: the user picks economically meaningful
// coordinates (strike, type, expiry bucket); the scrip cache translates them
// to a security id before the broker sees the order.
type OrderRequest struct {
	Strike     int          `json:"strike"`
	OptionType OptionType   `json:"option_type"`
	Quantity   int          `json:"quantity"`
	Side       string       `json:"side"`   // BUY or SELL
	Expiry     ExpiryBucket `json:"expiry"` // current, next, monthly
	OrderType  string       `json:"order_type"` // MARKET or LIMIT
	LimitPrice float64      `json:"limit_price,omitempty"`
}

// OrderResult is the outcome of an order placement or exit.
type OrderResult struct {
	Status     string  `json:"status"` // success or failure
	OrderID    string  `json:"order_id,omitempty"`
	Message    string  `json:"message,omitempty"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	ExitPrice  float64 `json:"exit_price,omitempty"`
	Mock       bool    `json:"mock,omitempty"`
}

// ExitRequest closes an open position by security id.
type ExitRequest struct {
	SecurityID  string `json:"security_id"`
	Symbol      string `json:"symbol"`
	Qty         int    `json:"qty"`
	ProductType string `json:"product_type"`
}
