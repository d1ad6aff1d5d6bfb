package model

// Position is an open option position with live P/L enrichment.
type Position struct {
	SecurityID  string  `json:"security_id"`
	Symbol      string  `json:"symbol"`
	Qty         int     `json:"qty"` // positive = long, negative = short
	EntryPrice  float64 `json:"entry_price"`
	CurrentLTP  float64 `json:"current_ltp"`
	PnL         float64 `json:"pnl"`
	PnLPercent  float64 `json:"pnl_percent"`
	ProductType string  `json:"product_type"`
}

// MarkToMarket fills CurrentLTP/PnL/PnLPercent from the latest traded price.
// Shorts profit when the price falls.
func (p *Position) MarkToMarket(ltp float64) {
	p.CurrentLTP = ltp
	if p.Qty > 0 {
		p.PnL = (ltp - p.EntryPrice) * float64(p.Qty)
	} else {
		p.PnL = (p.EntryPrice - ltp) * float64(-p.Qty)
	}
	if base := p.EntryPrice * float64(abs(p.Qty)); base != 0 {
		p.PnLPercent = p.PnL / base * 100
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
