package dhan

import "fmt"

// Exchange segments used by the dashboard.
const (
	SegmentFNO   = "NSE_FNO"
	SegmentIndex = "IDX_I"
)

// Transaction and order constants.
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"

	ProductMargin   = "MARGIN"
	ProductIntraday = "INTRADAY"

	ValidityDay = "DAY"
)

// APIError is the broker's error envelope.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Type       string `json:"errorType"`
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dhan api error (%d %s/%s): %s", e.HTTPStatus, e.Type, e.Code, e.Message)
}

// LTPQuote is one instrument's last traded price from the market feed.
type LTPQuote struct {
	LastPrice float64 `json:"last_price"`
}

// ltpResponse wraps the /marketfeed/ltp payload: segment -> security id ->
// quote.
type ltpResponse struct {
	Data   map[string]map[string]LTPQuote `json:"data"`
	Status string                         `json:"status"`
}

// FundLimit reports account margins. The availabelBalance spelling is the
// broker's, not ours.
type FundLimit struct {
	AvailableBalance float64 `json:"availabelBalance"`
	SODLimit         float64 `json:"sodLimit"`
	CollateralAmount float64 `json:"collateralAmount"`
	UtilizedAmount   float64 `json:"utilizedAmount"`
	WithdrawableBal  float64 `json:"withdrawableBalance"`
}

// NetPosition is one row of the broker's /positions response.
type NetPosition struct {
	TradingSymbol    string  `json:"tradingSymbol"`
	SecurityID       string  `json:"securityId"`
	PositionType     string  `json:"positionType"` // LONG, SHORT or CLOSED
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      string  `json:"productType"`
	BuyAvg           float64 `json:"buyAvg"`
	SellAvg          float64 `json:"sellAvg"`
	NetQty           int     `json:"netQty"`
	RealizedProfit   float64 `json:"realizedProfit"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
}

// OrderParams is the subset of the order payload the dashboard places.
type OrderParams struct {
	TransactionType string
	SecurityID      string
	Quantity        int
	OrderType       string
	ProductType     string
	Price           float64 // 0 for market orders
}

// orderPayload is the wire form of an order request.
type orderPayload struct {
	DhanClientID    string  `json:"dhanClientId"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	Validity        string  `json:"validity"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
}

// OrderResponse acknowledges an order placement.
type OrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// OrderDetail is the broker's order-book row for a single order.
type OrderDetail struct {
	OrderID            string  `json:"orderId"`
	OrderStatus        string  `json:"orderStatus"`
	TransactionType    string  `json:"transactionType"`
	SecurityID         string  `json:"securityId"`
	Quantity           int     `json:"quantity"`
	FilledQty          int     `json:"filledQty"`
	AverageTradedPrice float64 `json:"averageTradedPrice"`
	OMSErrorDesc       string  `json:"omsErrorDescription"`
}
