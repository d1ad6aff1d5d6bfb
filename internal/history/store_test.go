package history

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"nifty-orbit/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trades.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(id string, mock bool) model.Trade {
	return model.Trade{
		ID:         id,
		Timestamp:  time.Date(2024, 1, 22, 10, 15, 0, 0, time.UTC),
		Symbol:     "NIFTY-Jan2024-21500-CE",
		Strike:     21500,
		OptionType: model.Call,
		Side:       "BUY",
		Quantity:   65,
		Price:      131.2,
		OrderID:    "112111182045",
		Expiry:     "2024-01-25",
		SecurityID: "49081",
		OrderType:  "MARKET",
		Mock:       mock,
		Status:     model.TradeOpen,
	}
}

func TestRecordAndReadBack(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, sampleTrade("t1", false)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	open, err := s.OpenTrades(ctx, false)
	if err != nil {
		t.Fatalf("OpenTrades: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open trades = %d, want 1", len(open))
	}
	got := open[0]
	if got.ID != "t1" || got.Strike != 21500 || got.OptionType != model.Call ||
		got.SecurityID != "49081" || got.Mock || got.ExitTime != nil {
		t.Fatalf("trade mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(time.Date(2024, 1, 22, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", got.Timestamp)
	}
}

func TestMarkClosed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, sampleTrade("t1", false)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	exitTime := time.Date(2024, 1, 22, 14, 0, 0, 0, time.UTC)
	if err := s.MarkClosed(ctx, "t1", 150.0, exitTime, 1222.0); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}

	// Closing again must fail; the row is no longer open.
	if err := s.MarkClosed(ctx, "t1", 160.0, exitTime, 0); err == nil {
		t.Fatal("double close succeeded")
	}

	open, err := s.OpenTrades(ctx, false)
	if err != nil {
		t.Fatalf("OpenTrades: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open trades after close = %d", len(open))
	}

	recent, err := s.Recent(ctx, false, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != model.TradeClosed ||
		recent[0].ExitPrice != 150.0 || recent[0].PnL != 1222.0 {
		t.Fatalf("closed trade = %+v", recent[0])
	}
	if recent[0].ExitTime == nil || !recent[0].ExitTime.Equal(exitTime) {
		t.Fatalf("exit time = %v", recent[0].ExitTime)
	}
}

func TestMockScopeIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, sampleTrade("live1", false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, sampleTrade("mock1", true)); err != nil {
		t.Fatal(err)
	}

	live, _ := s.OpenTrades(ctx, false)
	mock, _ := s.OpenTrades(ctx, true)
	if len(live) != 1 || live[0].ID != "live1" {
		t.Fatalf("live scope = %+v", live)
	}
	if len(mock) != 1 || mock[0].ID != "mock1" {
		t.Fatalf("mock scope = %+v", mock)
	}
}

func TestOpenBySecurity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := sampleTrade("a", false)
	b := sampleTrade("b", false)
	b.SecurityID = "49082"
	if err := s.Record(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, b); err != nil {
		t.Fatal(err)
	}

	got, err := s.OpenBySecurity(ctx, "49081", false)
	if err != nil {
		t.Fatalf("OpenBySecurity: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pnls := []float64{1000, -400, 600, -200}
	for i, pnl := range pnls {
		tr := sampleTrade(string(rune('a'+i)), false)
		tr.Timestamp = tr.Timestamp.Add(time.Duration(i) * time.Minute)
		if err := s.Record(ctx, tr); err != nil {
			t.Fatal(err)
		}
		exit := tr.Timestamp.Add(time.Hour)
		if err := s.MarkClosed(ctx, tr.ID, tr.Price+pnl/65, exit, pnl); err != nil {
			t.Fatal(err)
		}
	}
	// One open trade should count toward totals only.
	if err := s.Record(ctx, sampleTrade("open", false)); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summarize(ctx, false)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.TotalTrades != 5 || sum.OpenTrades != 1 || sum.ClosedTrades != 4 {
		t.Fatalf("counts: %+v", sum)
	}
	if sum.Wins != 2 || sum.Losses != 2 {
		t.Fatalf("wins/losses: %+v", sum)
	}
	if sum.TotalPnL != 1000 {
		t.Fatalf("total pnl = %v", sum.TotalPnL)
	}
	if sum.WinRate != 50 {
		t.Fatalf("win rate = %v", sum.WinRate)
	}
	if sum.AvgWin != 800 || sum.AvgLoss != -300 {
		t.Fatalf("avg win/loss = %v/%v", sum.AvgWin, sum.AvgLoss)
	}
	if math.Abs(sum.ProfitFactor-1600.0/600.0) > 1e-9 {
		t.Fatalf("profit factor = %v", sum.ProfitFactor)
	}
	if sum.BestTrade != 1000 || sum.WorstTrade != -400 {
		t.Fatalf("best/worst = %v/%v", sum.BestTrade, sum.WorstTrade)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := testStore(t)
	sum, err := s.Summarize(context.Background(), false)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.TotalTrades != 0 || sum.WinRate != 0 || sum.ProfitFactor != 0 {
		t.Fatalf("empty summary = %+v", sum)
	}
}

func TestDailySeries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	days := []struct {
		id   string
		exit time.Time
		pnl  float64
	}{
		{"d1", time.Date(2024, 1, 22, 14, 0, 0, 0, time.UTC), 500},
		{"d2", time.Date(2024, 1, 22, 15, 0, 0, 0, time.UTC), -200},
		{"d3", time.Date(2024, 1, 23, 11, 0, 0, 0, time.UTC), 700},
	}
	for _, d := range days {
		tr := sampleTrade(d.id, false)
		if err := s.Record(ctx, tr); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkClosed(ctx, d.id, 100, d.exit, d.pnl); err != nil {
			t.Fatal(err)
		}
	}

	series, err := s.DailySeries(ctx, false)
	if err != nil {
		t.Fatalf("DailySeries: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("series = %+v", series)
	}
	if series[0].Date != "2024-01-22" || series[0].PnL != 300 || series[0].Cumulative != 300 {
		t.Fatalf("day 1 = %+v", series[0])
	}
	if series[1].Date != "2024-01-23" || series[1].PnL != 700 || series[1].Cumulative != 1000 {
		t.Fatalf("day 2 = %+v", series[1])
	}
}
