// Package gateway is the dashboard's HTTP surface: the JSON API, the
// WebSocket stream, Prometheus metrics and the static frontend.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nifty-orbit/config"
	"nifty-orbit/internal/auth"
	"nifty-orbit/internal/history"
	"nifty-orbit/internal/market"
	"nifty-orbit/internal/markethours"
	"nifty-orbit/internal/metrics"
	"nifty-orbit/internal/model"
	"nifty-orbit/internal/scrip"
	"nifty-orbit/internal/trading"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config tunes the HTTP server.
type Config struct {
	// StaticDir, when set, is served at / for the bundled frontend.
	StaticDir string
	// CredentialsFile is where saved broker credentials land.
	CredentialsFile string
	// ChainDepth is how many strikes each side of ATM the option chain
	// returns by default.
	ChainDepth int
}

// Server wires the services to HTTP handlers.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	auth    *auth.Manager
	scrips  *scrip.Cache
	market  *market.Service
	trading *trading.Service
	store   *history.Store
	hub     *Hub

	// onCredentials is invoked after new broker credentials are saved so
	// the live client can pick them up without a restart.
	onCredentials func(clientID, accessToken string)

	started time.Time
}

// NewServer builds the server. onCredentials may be nil.
func NewServer(cfg Config, authMgr *auth.Manager, scrips *scrip.Cache, mkt *market.Service, trd *trading.Service, store *history.Store, hub *Hub, onCredentials func(string, string), logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChainDepth <= 0 {
		cfg.ChainDepth = 5
	}
	return &Server{
		cfg:           cfg,
		logger:        logger.Named("http"),
		metrics:       m,
		auth:          authMgr,
		scrips:        scrips,
		market:        mkt,
		trading:       trd,
		store:         store,
		hub:           hub,
		onCredentials: onCredentials,
		started:       time.Now(),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	// Session-guarded.
	mux.HandleFunc("/api/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("/api/check-auth", s.requireAuth(s.handleCheckAuth))
	mux.HandleFunc("/api/change-password", s.requireAuth(s.handleChangePassword))
	mux.HandleFunc("/api/spot", s.requireAuth(s.handleSpot))
	mux.HandleFunc("/api/funds", s.requireAuth(s.handleFunds))
	mux.HandleFunc("/api/ltp", s.requireAuth(s.handleLTP))
	mux.HandleFunc("/api/expiries", s.requireAuth(s.handleExpiries))
	mux.HandleFunc("/api/option-chain", s.requireAuth(s.handleOptionChain))
	mux.HandleFunc("/api/order", s.requireAuth(s.handleOrder))
	mux.HandleFunc("/api/exit", s.requireAuth(s.handleExit))
	mux.HandleFunc("/api/positions", s.requireAuth(s.handlePositions))
	mux.HandleFunc("/api/trades", s.requireAuth(s.handleTrades))
	mux.HandleFunc("/api/analytics", s.requireAuth(s.handleAnalytics))
	mux.HandleFunc("/api/mock-mode", s.requireAuth(s.handleMockMode))
	mux.HandleFunc("/api/cache/status", s.requireAuth(s.handleCacheStatus))
	mux.HandleFunc("/api/cache/refresh", s.requireAuth(s.handleCacheRefresh))
	mux.HandleFunc("/api/credentials", s.requireAuth(s.handleCredentials))
	mux.HandleFunc("/api/credentials/test", s.requireAuth(s.handleCredentialsTest))
	mux.HandleFunc("/ws", s.handleWS)

	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return mux
}

// Snapshot is the SnapshotFunc wired into the hub: the state every
// connected dashboard needs each tick.
func (s *Server) Snapshot(ctx context.Context) (any, error) {
	now := time.Now()
	snap := map[string]any{
		"market_open":   markethours.IsMarketOpen(now),
		"market_status": markethours.StatusString(now),
	}
	if spot, err := s.market.Spot(ctx); err == nil {
		snap["spot"] = spot
		snap["atm_strike"] = s.scrips.ATMStrike(spot)
	}
	if positions, err := s.trading.Positions(ctx); err == nil {
		total := 0.0
		for _, p := range positions {
			total += p.PnL
		}
		snap["positions"] = positions
		snap["total_pnl"] = total
	}
	return snap, nil
}

// ---- middleware & helpers ----

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !s.auth.Validate(bearerToken(r)) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return false
	}
	return true
}

// ---- auth handlers ----

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTPCode string `json:"totp_code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := s.auth.Login(req.Username, req.Password, req.TOTPCode)
	if err != nil {
		if errors.Is(err, auth.ErrTOTPRequired) {
			writeError(w, http.StatusUnauthorized, "totp code required")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.auth.Logout(bearerToken(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCheckAuth answers 200 iff the middleware let the request through;
// the frontend uses it to validate a stored token on page load.
func (s *Server) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"mock_mode": s.trading.Mock(),
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.auth.ChangePassword(req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- market handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	now := time.Now()
	st := s.scrips.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"mock_mode":     s.trading.Mock(),
		"market_open":   markethours.IsMarketOpen(now),
		"market_status": markethours.StatusString(now),
		"broker":        s.market.BreakerState(),
		"cache_built":   st.Built,
		"cache_stale":   st.Stale,
		"ws_clients":    s.hub.ClientCount(),
		"uptime_sec":    int64(time.Since(s.started).Seconds()),
		"ts":            now.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleSpot(w http.ResponseWriter, r *http.Request) {
	spot, err := s.market.Spot(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spot":       spot,
		"atm_strike": s.scrips.ATMStrike(spot),
	})
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.market.Funds(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

// handleLTP returns last traded prices for a comma-separated list of F&O
// security ids.
func (s *Server) handleLTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "ids query parameter required")
		return
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > 100 {
		writeError(w, http.StatusBadRequest, "between 1 and 100 ids required")
		return
	}
	ltps, err := s.market.OptionLTPs(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ltps)
}

func (s *Server) handleExpiries(w http.ResponseWriter, r *http.Request) {
	if err := s.ensureScrips(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	info, err := s.scrips.ExpiryInfo()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleOptionChain returns the strikes around ATM for one expiry bucket
// with CE/PE prices where available.
func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.ensureScrips(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	bucket := model.ExpiryBucket(r.URL.Query().Get("expiry"))
	if bucket == "" {
		bucket = model.ExpiryCurrent
	}
	depth := s.cfg.ChainDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 25 {
			depth = n
		}
	}

	spot, err := s.market.Spot(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	atm := s.scrips.ATMStrike(spot)

	strikes, err := s.scrips.Strikes(bucket)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	window := strikeWindow(strikes, atm, depth)

	type leg struct {
		SecurityID string   `json:"security_id,omitempty"`
		LTP        *float64 `json:"ltp,omitempty"`
	}
	type row struct {
		Strike int  `json:"strike"`
		ATM    bool `json:"atm"`
		CE     leg  `json:"ce"`
		PE     leg  `json:"pe"`
	}

	rows := make([]row, len(window))
	var ids []string
	for i, strike := range window {
		rows[i] = row{Strike: strike, ATM: strike == atm}
		if id, err := s.scrips.ResolveBucket(bucket, strike, model.Call); err == nil {
			rows[i].CE.SecurityID = id
			ids = append(ids, id)
		}
		if id, err := s.scrips.ResolveBucket(bucket, strike, model.Put); err == nil {
			rows[i].PE.SecurityID = id
			ids = append(ids, id)
		}
	}

	ltps, err := s.market.OptionLTPs(ctx, ids)
	if err != nil {
		s.logger.Warn("chain without prices", zap.Error(err))
		ltps = nil
	}
	for i := range rows {
		if p, ok := ltps[rows[i].CE.SecurityID]; ok {
			v := p
			rows[i].CE.LTP = &v
		}
		if p, ok := ltps[rows[i].PE.SecurityID]; ok {
			v := p
			rows[i].PE.LTP = &v
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"spot":       spot,
		"atm_strike": atm,
		"expiry":     bucket,
		"rows":       rows,
	})
}

// strikeWindow picks up to depth strikes each side of atm (inclusive).
func strikeWindow(strikes []int, atm, depth int) []int {
	if len(strikes) == 0 {
		return nil
	}
	// Index of the strike closest to ATM.
	best := 0
	for i, s := range strikes {
		if absInt(s-atm) < absInt(strikes[best]-atm) {
			best = i
		}
	}
	lo := best - depth
	if lo < 0 {
		lo = 0
	}
	hi := best + depth + 1
	if hi > len(strikes) {
		hi = len(strikes)
	}
	return strikes[lo:hi]
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ---- trading handlers ----

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req model.OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.trading.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req model.ExitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.trading.ExitPosition(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.trading.Positions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	trades, err := s.store.Recent(r.Context(), s.trading.Mock(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	mock := s.trading.Mock()
	summary, err := s.store.Summarize(r.Context(), mock)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	series, err := s.store.DailySeries(r.Context(), mock)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if series == nil {
		series = []history.DailyPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"daily":   series,
	})
}

// handleMockMode flips simulated order routing at runtime.
func (s *Server) handleMockMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"mock_mode": s.trading.Mock()})
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		s.trading.SetMock(req.Enabled)
		writeJSON(w, http.StatusOK, map[string]bool{"mock_mode": s.trading.Mock()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

// ---- cache handlers ----

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scrips.Status())
}

func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.scrips.Rebuild(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.scrips.Status())
}

// ensureScrips refreshes the contract index, tolerating the stale-but-
// usable case.
func (s *Server) ensureScrips(ctx context.Context) error {
	err := s.scrips.EnsureFresh(ctx)
	if err != nil && !errors.Is(err, scrip.ErrStaleCache) {
		return err
	}
	return nil
}

// ---- credentials ----

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		creds, err := config.LoadCredentials(s.cfg.CredentialsFile)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"configured":   creds.Configured(),
			"client_id":    creds.ClientID,
			"access_token": maskToken(creds.AccessToken),
		})
	case http.MethodPost:
		var req struct {
			ClientID    string `json:"client_id"`
			AccessToken string `json:"access_token"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ClientID == "" || req.AccessToken == "" {
			writeError(w, http.StatusBadRequest, "client_id and access_token required")
			return
		}
		creds := config.Credentials{ClientID: req.ClientID, AccessToken: req.AccessToken}
		if err := config.SaveCredentials(s.cfg.CredentialsFile, creds); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.onCredentials != nil {
			s.onCredentials(req.ClientID, req.AccessToken)
		}
		s.logger.Info("broker credentials updated", zap.String("client_id", req.ClientID))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

// handleCredentialsTest makes one real broker call so the operator can check
// a freshly saved token without placing anything.
func (s *Server) handleCredentialsTest(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	funds, err := s.market.Funds(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                true,
		"available_balance": funds.AvailableBalance,
	})
}

// maskToken keeps the last 4 characters of a stored token for display.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// ---- websocket ----

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Validate(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	s.hub.Register(conn)
}
