// cmd/server — the options dashboard backend.
//
// One binary: REST API + WebSocket stream + Prometheus metrics + static
// frontend. Broker credentials come from the credentials file (or the
// settings endpoint at runtime); without them the server runs in mock mode.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"nifty-orbit/config"
	"nifty-orbit/internal/auth"
	"nifty-orbit/internal/gateway"
	"nifty-orbit/internal/history"
	applog "nifty-orbit/internal/log"
	"nifty-orbit/internal/market"
	"nifty-orbit/internal/markethours"
	"nifty-orbit/internal/metrics"
	"nifty-orbit/internal/notification"
	"nifty-orbit/internal/scrip"
	"nifty-orbit/internal/trading"
	"nifty-orbit/pkg/dhan"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stderrFatal("load config: " + err.Error())
	}

	logger, err := applog.New(applog.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		stderrFatal("init logger: " + err.Error())
	}
	defer logger.Sync()

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Broker client ----
	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		logger.Fatal("load credentials", zap.Error(err))
	}
	broker := dhan.New(dhan.Config{
		ClientID:    creds.ClientID,
		AccessToken: creds.AccessToken,
		BaseURL:     cfg.BrokerBaseURL,
		Timeout:     cfg.BrokerTimeout,
		Instrument: func(endpoint string, took time.Duration, err error) {
			m.BrokerCallDur.WithLabelValues(endpoint).Observe(took.Seconds())
			if err != nil {
				m.BrokerErrors.WithLabelValues(endpoint).Inc()
			}
		},
	})
	broker.SessionExpiryHook = func() {
		logger.Warn("broker session expired, update credentials via the settings page")
	}

	mockMode := cfg.MockMode
	if !creds.Configured() {
		if !mockMode {
			logger.Warn("no broker credentials configured, starting in mock mode")
		}
		mockMode = true
	}

	// ---- Services ----
	cache := scrip.New(scrip.Config{
		Underlying:     cfg.UnderlyingSymbol,
		StrikeInterval: cfg.StrikeInterval,
		Validity:       cfg.CacheValidity,
		SnapshotPath:   filepath.Join(cfg.CacheDir, "scrip-cache.json"),
		RebuildTimeout: cfg.RebuildTimeout,
	}, scrip.NewHTTPFeed(cfg.ScripMasterURL, cfg.RebuildTimeout), logger, m)

	mkt := market.NewService(market.Config{
		IndexSecurityID: cfg.IndexSecurityID,
		QuoteTTL:        cfg.QuoteTTL,
		ThrottleEvery:   cfg.ThrottleEvery,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
	}, broker, logger, m)
	defer mkt.Close()

	store, err := history.Open(cfg.SQLitePath, logger)
	if err != nil {
		logger.Fatal("open trade history", zap.Error(err))
	}
	defer store.Close()

	trd := trading.NewService(trading.Config{Mock: mockMode}, cache, mkt, broker, store, logger, m)

	var alertTargets []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		alertTargets = append(alertTargets, notification.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.AlertWebhookURL != "" {
		alertTargets = append(alertTargets, notification.NewWebhook(cfg.AlertWebhookURL))
	}
	if len(alertTargets) > 0 {
		trd.Notifier = notification.NewMulti(logger, alertTargets...)
		logger.Info("trade alerts enabled", zap.Int("channels", len(alertTargets)))
	}

	authMgr, err := auth.New(auth.Config{
		Username:   cfg.AdminUser,
		Password:   cfg.AdminPassword,
		TOTPSecret: cfg.TOTPSecret,
		SessionTTL: cfg.SessionTTL,
		StateFile:  filepath.Join(filepath.Dir(cfg.SQLitePath), "auth.json"),
	}, logger)
	if err != nil {
		logger.Fatal("init auth", zap.Error(err))
	}

	// ---- HTTP surface ----
	var srv *gateway.Server
	hub := gateway.NewHub(func(ctx context.Context) (any, error) {
		return srv.Snapshot(ctx)
	}, 2*time.Second, logger, m)

	srv = gateway.NewServer(gateway.Config{
		StaticDir:       cfg.StaticDir,
		CredentialsFile: cfg.CredentialsFile,
	}, authMgr, cache, mkt, trd, store, hub, broker.SetCredentials, logger, m)

	go hub.Run(ctx)
	go refreshLoop(ctx, cache, logger)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Bool("mock_mode", mockMode),
			zap.String("market", markethours.StatusString(time.Now())))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// ---- Shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// refreshLoop keeps the contract index inside its validity window so the
// first order of the day does not pay the 30 MB download.
func refreshLoop(ctx context.Context, cache *scrip.Cache, logger *zap.Logger) {
	ensure := func() {
		if err := cache.EnsureFresh(ctx); err != nil {
			if errors.Is(err, scrip.ErrStaleCache) {
				logger.Warn("contract index refresh failed, serving stale data", zap.Error(err))
				return
			}
			logger.Error("contract index unavailable", zap.Error(err))
		}
	}

	ensure()
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ensure()
		}
	}
}

func stderrFatal(msg string) {
	os.Stderr.WriteString(msg + "\n")
	os.Exit(1)
}
