package model

// OptionType is the CE/PE tag on an option contract.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// Valid reports whether t is one of CE/PE.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// ExpiryBucket addresses an expiry by its position in the listing cycle
// rather than by concrete date.
type ExpiryBucket string

const (
	ExpiryCurrent ExpiryBucket = "current" // nearest upcoming weekly
	ExpiryNext    ExpiryBucket = "next"    // second nearest
	ExpiryMonthly ExpiryBucket = "monthly" // end-of-month contract
)

// OptionContract is one tradable option resolved from the scrip master.
type OptionContract struct {
	SecurityID    string     `json:"security_id"` // opaque exchange id, what orders are keyed on
	TradingSymbol string     `json:"trading_symbol"`
	CustomSymbol  string     `json:"custom_symbol"`
	Strike        int        `json:"strike_price"`
	OptionType    OptionType `json:"option_type"`
	Expiry        string     `json:"expiry_date"` // YYYY-MM-DD
	LotSize       int        `json:"lot_size"`
}
