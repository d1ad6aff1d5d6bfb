package history

import (
	"context"

	"github.com/shopspring/decimal"
)

// Summary aggregates closed-trade performance for one scope (live or mock).
// Sums and ratios are computed in decimal so a long history does not
// accumulate float drift.
type Summary struct {
	TotalTrades  int     `json:"total_trades"`
	OpenTrades   int     `json:"open_trades"`
	ClosedTrades int     `json:"closed_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	BestTrade    float64 `json:"best_trade"`
	WorstTrade   float64 `json:"worst_trade"`
}

// DailyPoint is one day's realized P/L for the equity chart.
type DailyPoint struct {
	Date       string  `json:"date"` // YYYY-MM-DD, exit day
	PnL        float64 `json:"pnl"`
	Cumulative float64 `json:"cumulative"`
}

// Summarize computes the performance summary for a scope.
func (s *Store) Summarize(ctx context.Context, mock bool) (Summary, error) {
	closed, err := s.closedTrades(ctx, mock)
	if err != nil {
		return Summary{}, err
	}
	open, err := s.OpenTrades(ctx, mock)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		OpenTrades:   len(open),
		ClosedTrades: len(closed),
		TotalTrades:  len(open) + len(closed),
	}
	if len(closed) == 0 {
		return sum, nil
	}

	total := decimal.Zero
	winSum := decimal.Zero
	lossSum := decimal.Zero
	best := decimal.NewFromFloat(closed[0].PnL)
	worst := best
	for _, t := range closed {
		pnl := decimal.NewFromFloat(t.PnL)
		total = total.Add(pnl)
		if pnl.IsPositive() {
			sum.Wins++
			winSum = winSum.Add(pnl)
		} else {
			sum.Losses++
			lossSum = lossSum.Add(pnl)
		}
		if pnl.GreaterThan(best) {
			best = pnl
		}
		if pnl.LessThan(worst) {
			worst = pnl
		}
	}

	sum.TotalPnL = total.InexactFloat64()
	sum.BestTrade = best.InexactFloat64()
	sum.WorstTrade = worst.InexactFloat64()
	sum.WinRate = decimal.NewFromInt(int64(sum.Wins)).
		Div(decimal.NewFromInt(int64(len(closed)))).
		Mul(decimal.NewFromInt(100)).
		InexactFloat64()
	if sum.Wins > 0 {
		sum.AvgWin = winSum.Div(decimal.NewFromInt(int64(sum.Wins))).InexactFloat64()
	}
	if sum.Losses > 0 {
		sum.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(sum.Losses))).InexactFloat64()
	}
	if lossSum.IsNegative() {
		sum.ProfitFactor = winSum.Div(lossSum.Abs()).InexactFloat64()
	}
	return sum, nil
}

// DailySeries returns per-day realized P/L with a running cumulative total,
// ordered by date.
func (s *Store) DailySeries(ctx context.Context, mock bool) ([]DailyPoint, error) {
	closed, err := s.closedTrades(ctx, mock)
	if err != nil {
		return nil, err
	}

	var out []DailyPoint
	perDay := make(map[string]decimal.Decimal)
	var order []string
	for _, t := range closed {
		if t.ExitTime == nil {
			continue
		}
		day := t.ExitTime.Format("2006-01-02")
		if _, seen := perDay[day]; !seen {
			order = append(order, day)
		}
		perDay[day] = perDay[day].Add(decimal.NewFromFloat(t.PnL))
	}

	running := decimal.Zero
	for _, day := range order {
		running = running.Add(perDay[day])
		out = append(out, DailyPoint{
			Date:       day,
			PnL:        perDay[day].InexactFloat64(),
			Cumulative: running.InexactFloat64(),
		})
	}
	return out, nil
}
