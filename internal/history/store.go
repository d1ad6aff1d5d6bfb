// Package history persists trades to SQLite and computes P/L analytics over
// them. Live and mock trades share the table and are kept apart by the
// is_mock column, so paper trading never pollutes real statistics.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"nifty-orbit/internal/model"
)

// Store wraps the trades database. The connection pool is pinned to one
// connection; SQLite in WAL mode wants a single writer.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the trades database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger.Named("history").Info("trade store opened", zap.String("path", path))
	return &Store{db: db, logger: logger.Named("history")}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id          TEXT    PRIMARY KEY,
			ts          INTEGER NOT NULL,
			symbol      TEXT    NOT NULL,
			strike      INTEGER NOT NULL,
			option_type TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			quantity    INTEGER NOT NULL,
			price       REAL    NOT NULL,
			order_id    TEXT,
			expiry      TEXT,
			security_id TEXT    NOT NULL,
			order_type  TEXT    NOT NULL,
			limit_price REAL    NOT NULL DEFAULT 0,
			is_mock     INTEGER NOT NULL,
			exit_price  REAL    NOT NULL DEFAULT 0,
			exit_ts     INTEGER,
			pnl         REAL    NOT NULL DEFAULT 0,
			status      TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status, is_mock);
		CREATE INDEX IF NOT EXISTS idx_trades_security ON trades (security_id);
	`)
	return err
}

// Record inserts a new trade row.
func (s *Store) Record(ctx context.Context, t model.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
			(id, ts, symbol, strike, option_type, side, quantity, price,
			 order_id, expiry, security_id, order_type, limit_price, is_mock,
			 exit_price, exit_ts, pnl, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp.Unix(), t.Symbol, t.Strike, string(t.OptionType),
		t.Side, t.Quantity, t.Price, t.OrderID, t.Expiry, t.SecurityID,
		t.OrderType, t.LimitPrice, boolToInt(t.Mock),
		t.ExitPrice, nullableUnix(t.ExitTime), t.PnL, t.Status,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// MarkClosed stamps a trade with its exit fill and realized P/L.
func (s *Store) MarkClosed(ctx context.Context, id string, exitPrice float64, exitTime time.Time, pnl float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET exit_price = ?, exit_ts = ?, pnl = ?, status = ?
		WHERE id = ? AND status = ?`,
		exitPrice, exitTime.Unix(), pnl, model.TradeClosed, id, model.TradeOpen,
	)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trade %s not open", id)
	}
	return nil
}

// OpenTrades returns open trades in the given scope, oldest first.
func (s *Store) OpenTrades(ctx context.Context, mock bool) ([]model.Trade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = ? AND is_mock = ?
		ORDER BY ts ASC`, model.TradeOpen, boolToInt(mock))
}

// OpenBySecurity returns open trades for one contract, oldest first.
func (s *Store) OpenBySecurity(ctx context.Context, securityID string, mock bool) ([]model.Trade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = ? AND is_mock = ? AND security_id = ?
		ORDER BY ts ASC`, model.TradeOpen, boolToInt(mock), securityID)
}

// Recent returns the newest trades in the given scope, any status.
func (s *Store) Recent(ctx context.Context, mock bool, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE is_mock = ?
		ORDER BY ts DESC LIMIT ?`, boolToInt(mock), limit)
}

// closedTrades returns closed trades ordered by exit time, for analytics.
func (s *Store) closedTrades(ctx context.Context, mock bool) ([]model.Trade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = ? AND is_mock = ?
		ORDER BY exit_ts ASC`, model.TradeClosed, boolToInt(mock))
}

const tradeColumns = `id, ts, symbol, strike, option_type, side, quantity,
	price, order_id, expiry, security_id, order_type, limit_price, is_mock,
	exit_price, exit_ts, pnl, status`

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var (
			t       model.Trade
			ts      int64
			optType string
			isMock  int
			exitTS  sql.NullInt64
		)
		if err := rows.Scan(
			&t.ID, &ts, &t.Symbol, &t.Strike, &optType, &t.Side, &t.Quantity,
			&t.Price, &t.OrderID, &t.Expiry, &t.SecurityID, &t.OrderType,
			&t.LimitPrice, &isMock, &t.ExitPrice, &exitTS, &t.PnL, &t.Status,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Timestamp = time.Unix(ts, 0).UTC()
		t.OptionType = model.OptionType(optType)
		t.Mock = isMock != 0
		if exitTS.Valid {
			et := time.Unix(exitTS.Int64, 0).UTC()
			t.ExitTime = &et
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
