// Package trading turns dashboard order requests into broker orders (or
// simulated fills in mock mode), records every fill in the trade history and
// reports open positions marked to the latest price.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nifty-orbit/internal/history"
	"nifty-orbit/internal/metrics"
	"nifty-orbit/internal/model"
	"nifty-orbit/internal/notification"
	"nifty-orbit/internal/scrip"
	"nifty-orbit/pkg/dhan"
)

// ContractResolver is the slice of the scrip cache this package needs.
type ContractResolver interface {
	EnsureFresh(ctx context.Context) error
	ResolveBucket(bucket model.ExpiryBucket, strike int, opt model.OptionType) (string, error)
	Contract(securityID string) (model.OptionContract, error)
}

// Quoter supplies last traded prices for option contracts.
type Quoter interface {
	OptionLTPs(ctx context.Context, securityIDs []string) (map[string]float64, error)
}

// Broker is the slice of the Dhan client this package needs.
type Broker interface {
	PlaceOrder(ctx context.Context, p dhan.OrderParams) (dhan.OrderResponse, error)
	Order(ctx context.Context, orderID string) (dhan.OrderDetail, error)
	Positions(ctx context.Context) ([]dhan.NetPosition, error)
}

// Config tunes the trading service.
type Config struct {
	// Mock routes orders to the simulator instead of the broker.
	Mock bool
	// ProductType for live orders, MARGIN by default.
	ProductType string
	// FillPollInterval and FillPollAttempts control how long a live market
	// order is polled for its traded price before giving up.
	FillPollInterval time.Duration
	FillPollAttempts int
}

// Service places, exits and lists option trades.
type Service struct {
	cfg     Config
	scrips  ContractResolver
	quotes  Quoter
	broker  Broker
	store   *history.Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	// mock is runtime-switchable through the dashboard settings.
	mock atomic.Bool

	// Notifier, when set, receives an alert per fill and exit. Delivery is
	// asynchronous; a slow channel never delays an order.
	Notifier notification.Notifier
}

// NewService wires the trading service.
func NewService(cfg Config, scrips ContractResolver, quotes Quoter, broker Broker, store *history.Store, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProductType == "" {
		cfg.ProductType = dhan.ProductMargin
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 400 * time.Millisecond
	}
	if cfg.FillPollAttempts <= 0 {
		cfg.FillPollAttempts = 5
	}
	s := &Service{
		cfg:     cfg,
		scrips:  scrips,
		quotes:  quotes,
		broker:  broker,
		store:   store,
		logger:  logger.Named("trading"),
		metrics: m,
	}
	s.mock.Store(cfg.Mock)
	return s
}

// Mock reports whether the service is simulating fills.
func (s *Service) Mock() bool { return s.mock.Load() }

// SetMock switches between simulated and live order routing. Open positions
// keep their scope: mock trades stay mock.
func (s *Service) SetMock(enabled bool) {
	if s.mock.Swap(enabled) != enabled {
		s.logger.Info("trading mode changed", zap.Bool("mock", enabled))
	}
}

// PlaceOrder validates the request, resolves the contract and places the
// order. Quantity is in lots; the contract's lot size scales it to units.
func (s *Service) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	req.Side = strings.ToUpper(req.Side)
	req.OrderType = strings.ToUpper(req.OrderType)
	if err := validateOrder(req); err != nil {
		return model.OrderResult{}, err
	}

	if err := s.scrips.EnsureFresh(ctx); err != nil {
		if !errors.Is(err, scrip.ErrStaleCache) {
			return model.OrderResult{}, fmt.Errorf("contract index unavailable: %w", err)
		}
		s.logger.Warn("placing order against stale contract index", zap.Error(err))
	}

	bucket := req.Expiry
	if bucket == "" {
		bucket = model.ExpiryCurrent
	}
	securityID, err := s.scrips.ResolveBucket(bucket, req.Strike, req.OptionType)
	if err != nil {
		return model.OrderResult{}, err
	}
	contract, err := s.scrips.Contract(securityID)
	if err != nil {
		return model.OrderResult{}, err
	}

	units := req.Quantity * contract.LotSize

	var result model.OrderResult
	if s.Mock() {
		result, err = s.placeMock(ctx, req, contract, units)
	} else {
		result, err = s.placeLive(ctx, req, contract, units)
	}
	if err != nil {
		return model.OrderResult{}, err
	}

	trade := model.Trade{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Symbol:     contract.TradingSymbol,
		Strike:     contract.Strike,
		OptionType: contract.OptionType,
		Side:       req.Side,
		Quantity:   units,
		Price:      result.EntryPrice,
		OrderID:    result.OrderID,
		Expiry:     contract.Expiry,
		SecurityID: contract.SecurityID,
		OrderType:  req.OrderType,
		LimitPrice: req.LimitPrice,
		Mock:       result.Mock,
		Status:     model.TradeOpen,
	}
	if err := s.store.Record(ctx, trade); err != nil {
		// The order is already with the broker; losing the history row must
		// not look like a failed order.
		s.logger.Error("trade not recorded", zap.String("order_id", result.OrderID), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.OrdersPlaced.WithLabelValues(req.Side, s.mode()).Inc()
	}
	s.logger.Info("order placed",
		zap.String("symbol", contract.TradingSymbol),
		zap.String("side", req.Side),
		zap.Int("units", units),
		zap.Float64("entry", result.EntryPrice),
		zap.Bool("mock", result.Mock))
	s.alert(notification.Info, "Order placed",
		fmt.Sprintf("%s %d x %s @ %.2f%s", req.Side, units, contract.TradingSymbol,
			result.EntryPrice, mockTag(result.Mock)))
	return result, nil
}

func (s *Service) placeMock(ctx context.Context, req model.OrderRequest, contract model.OptionContract, units int) (model.OrderResult, error) {
	price := req.LimitPrice
	if req.OrderType != dhan.OrderTypeLimit {
		ltps, err := s.quotes.OptionLTPs(ctx, []string{contract.SecurityID})
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("mock fill price: %w", err)
		}
		var ok bool
		price, ok = ltps[contract.SecurityID]
		if !ok {
			return model.OrderResult{}, fmt.Errorf("no quote for %s", contract.TradingSymbol)
		}
	}
	return model.OrderResult{
		Status:     "success",
		OrderID:    "MOCK-" + uuid.NewString(),
		Message:    fmt.Sprintf("simulated %s %d x %s", req.Side, units, contract.TradingSymbol),
		EntryPrice: price,
		Mock:       true,
	}, nil
}

func (s *Service) placeLive(ctx context.Context, req model.OrderRequest, contract model.OptionContract, units int) (model.OrderResult, error) {
	resp, err := s.broker.PlaceOrder(ctx, dhan.OrderParams{
		TransactionType: req.Side,
		SecurityID:      contract.SecurityID,
		Quantity:        units,
		OrderType:       req.OrderType,
		ProductType:     s.cfg.ProductType,
		Price:           req.LimitPrice,
	})
	if err != nil {
		return model.OrderResult{}, err
	}

	result := model.OrderResult{
		Status:  "success",
		OrderID: resp.OrderID,
		Message: resp.OrderStatus,
	}
	// Poll briefly for the traded price so the history row carries a real
	// entry. A still-pending limit order simply records zero.
	for attempt := 0; attempt < s.cfg.FillPollAttempts; attempt++ {
		detail, err := s.broker.Order(ctx, resp.OrderID)
		if err != nil {
			s.logger.Warn("order status poll failed", zap.Error(err))
			break
		}
		if detail.OrderStatus == "REJECTED" {
			return model.OrderResult{}, fmt.Errorf("order rejected: %s", detail.OMSErrorDesc)
		}
		if detail.AverageTradedPrice > 0 {
			result.EntryPrice = detail.AverageTradedPrice
			result.Message = detail.OrderStatus
			break
		}
		select {
		case <-ctx.Done():
			return result, nil
		case <-time.After(s.cfg.FillPollInterval):
		}
	}
	return result, nil
}

// ExitPosition closes the open trades on one contract with an opposite
// market order and realizes their P/L.
func (s *Service) ExitPosition(ctx context.Context, req model.ExitRequest) (model.OrderResult, error) {
	if req.SecurityID == "" {
		return model.OrderResult{}, errors.New("security id required")
	}

	mock := s.Mock()
	open, err := s.store.OpenBySecurity(ctx, req.SecurityID, mock)
	if err != nil {
		return model.OrderResult{}, err
	}
	if len(open) == 0 {
		return model.OrderResult{}, fmt.Errorf("no open position for security id %s", req.SecurityID)
	}

	// All open rows on one contract share a side.
	entrySide := open[0].Side
	exitSide := dhan.TransactionSell
	if entrySide == dhan.TransactionSell {
		exitSide = dhan.TransactionBuy
	}
	totalUnits := 0
	for _, t := range open {
		totalUnits += t.Quantity
	}

	var exitPrice float64
	var result model.OrderResult
	if mock {
		ltps, err := s.quotes.OptionLTPs(ctx, []string{req.SecurityID})
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("mock exit price: %w", err)
		}
		var ok bool
		exitPrice, ok = ltps[req.SecurityID]
		if !ok {
			return model.OrderResult{}, fmt.Errorf("no quote for security id %s", req.SecurityID)
		}
		result = model.OrderResult{
			Status:  "success",
			OrderID: "MOCK-" + uuid.NewString(),
			Mock:    true,
		}
	} else {
		productType := req.ProductType
		if productType == "" {
			productType = s.cfg.ProductType
		}
		resp, err := s.broker.PlaceOrder(ctx, dhan.OrderParams{
			TransactionType: exitSide,
			SecurityID:      req.SecurityID,
			Quantity:        totalUnits,
			OrderType:       dhan.OrderTypeMarket,
			ProductType:     productType,
		})
		if err != nil {
			return model.OrderResult{}, err
		}
		result = model.OrderResult{Status: "success", OrderID: resp.OrderID}
		if detail, err := s.broker.Order(ctx, resp.OrderID); err == nil {
			exitPrice = detail.AverageTradedPrice
		}
	}
	result.ExitPrice = exitPrice

	now := time.Now().UTC()
	var totalPnL float64
	for _, t := range open {
		pnl := realizedPnL(t, exitPrice)
		totalPnL += pnl
		if err := s.store.MarkClosed(ctx, t.ID, exitPrice, now, pnl); err != nil {
			s.logger.Error("trade not closed in history",
				zap.String("trade_id", t.ID), zap.Error(err))
		}
	}
	result.Message = fmt.Sprintf("closed %d units, pnl %.2f", totalUnits, totalPnL)

	if s.metrics != nil {
		s.metrics.OrdersPlaced.WithLabelValues(exitSide, s.mode()).Inc()
	}
	s.logger.Info("position exited",
		zap.String("security_id", req.SecurityID),
		zap.Int("units", totalUnits),
		zap.Float64("exit", exitPrice),
		zap.Float64("pnl", totalPnL),
		zap.Bool("mock", mock))
	level := notification.Info
	if totalPnL < 0 {
		level = notification.Warning
	}
	s.alert(level, "Position exited",
		fmt.Sprintf("%s %d x %s @ %.2f, pnl %.2f%s", exitSide, totalUnits, open[0].Symbol,
			exitPrice, totalPnL, mockTag(mock)))
	return result, nil
}

// alert pushes a trade notification off the order path.
func (s *Service) alert(level notification.Level, title, message string) {
	if s.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Notifier.Send(ctx, notification.Alert{
			Level:   level,
			Title:   title,
			Message: message,
		}); err != nil {
			s.logger.Warn("trade alert failed", zap.Error(err))
		}
	}()
}

func mockTag(mock bool) string {
	if mock {
		return " [mock]"
	}
	return ""
}

// Positions lists open positions marked to the latest traded price. In mock
// mode they come from the history store; live they come from the broker.
func (s *Service) Positions(ctx context.Context) ([]model.Position, error) {
	if s.Mock() {
		return s.mockPositions(ctx)
	}
	return s.livePositions(ctx)
}

func (s *Service) mockPositions(ctx context.Context) ([]model.Position, error) {
	open, err := s.store.OpenTrades(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	// Aggregate rows per contract.
	bySecurity := make(map[string]*model.Position)
	var order []string
	for _, t := range open {
		p, ok := bySecurity[t.SecurityID]
		if !ok {
			p = &model.Position{
				SecurityID:  t.SecurityID,
				Symbol:      t.Symbol,
				ProductType: s.cfg.ProductType,
			}
			bySecurity[t.SecurityID] = p
			order = append(order, t.SecurityID)
		}
		qty := t.Quantity
		if t.Side == dhan.TransactionSell {
			qty = -qty
		}
		// Weighted average entry across partial fills.
		prevAbs := abs(p.Qty)
		newAbs := prevAbs + t.Quantity
		if newAbs > 0 {
			p.EntryPrice = (p.EntryPrice*float64(prevAbs) + t.Price*float64(t.Quantity)) / float64(newAbs)
		}
		p.Qty += qty
	}

	ltps, err := s.quotes.OptionLTPs(ctx, order)
	if err != nil {
		s.logger.Warn("positions without live marks", zap.Error(err))
		ltps = nil
	}

	out := make([]model.Position, 0, len(order))
	for _, id := range order {
		p := bySecurity[id]
		if ltp, ok := ltps[id]; ok {
			p.MarkToMarket(ltp)
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *Service) livePositions(ctx context.Context) ([]model.Position, error) {
	net, err := s.broker.Positions(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	var out []model.Position
	for _, n := range net {
		if n.NetQty == 0 || n.ExchangeSegment != dhan.SegmentFNO {
			continue
		}
		entry := n.BuyAvg
		if n.NetQty < 0 {
			entry = n.SellAvg
		}
		out = append(out, model.Position{
			SecurityID:  n.SecurityID,
			Symbol:      n.TradingSymbol,
			Qty:         n.NetQty,
			EntryPrice:  entry,
			ProductType: n.ProductType,
		})
		ids = append(ids, n.SecurityID)
	}
	if len(out) == 0 {
		return nil, nil
	}

	ltps, err := s.quotes.OptionLTPs(ctx, ids)
	if err != nil {
		s.logger.Warn("positions without live marks", zap.Error(err))
		return out, nil
	}
	for i := range out {
		if ltp, ok := ltps[out[i].SecurityID]; ok {
			out[i].MarkToMarket(ltp)
		}
	}
	return out, nil
}

func (s *Service) mode() string {
	if s.Mock() {
		return "mock"
	}
	return "live"
}

func validateOrder(req model.OrderRequest) error {
	if req.Side != dhan.TransactionBuy && req.Side != dhan.TransactionSell {
		return fmt.Errorf("invalid side %q", req.Side)
	}
	if !req.OptionType.Valid() {
		return fmt.Errorf("invalid option type %q", req.OptionType)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", req.Quantity)
	}
	if req.Strike <= 0 {
		return fmt.Errorf("strike must be positive, got %d", req.Strike)
	}
	switch req.OrderType {
	case dhan.OrderTypeMarket:
	case dhan.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return errors.New("limit order requires a positive limit price")
		}
	default:
		return fmt.Errorf("invalid order type %q", req.OrderType)
	}
	return nil
}

// realizedPnL computes a closed trade's profit in rupees.
func realizedPnL(t model.Trade, exitPrice float64) float64 {
	if t.Side == dhan.TransactionSell {
		return (t.Price - exitPrice) * float64(t.Quantity)
	}
	return (exitPrice - t.Price) * float64(t.Quantity)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
