package db

import (
	"database/sql"
	"fmt"
)

// schema carries every uniqueness and check constraint the startup gate (see
// internal/startup) verifies is present before the runtime accepts work.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    scope TEXT NOT NULL,
    user_id TEXT,
    user_broker_id TEXT,
    signal_id TEXT,
    intent_id TEXT,
    trade_id TEXT,
    payload TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_brokers (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL, -- DATA or EXEC
    venue TEXT NOT NULL,
    credentials_encrypted TEXT,
    key_version INTEGER DEFAULT 1,
    enabled BOOLEAN DEFAULT 1,
    is_data_broker BOOLEAN DEFAULT 0,
    status TEXT DEFAULT 'DISCONNECTED',
    capital REAL DEFAULT 0,
    max_exposure REAL DEFAULT 0,
    max_per_trade REAL DEFAULT 0,
    max_open_trades INTEGER DEFAULT 0,
    max_daily_loss REAL DEFAULT 0,
    max_weekly_loss REAL DEFAULT 0,
    cooldown_minutes INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS watchlist_symbols (
    user_broker_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    PRIMARY KEY(user_broker_id, symbol)
);

CREATE TABLE IF NOT EXISTS candles (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    start_time DATETIME NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL,
    PRIMARY KEY(symbol, timeframe, start_time)
);

CREATE TABLE IF NOT EXISTS signals (
    signal_id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    confluence_type TEXT NOT NULL,
    htf_low REAL, htf_high REAL,
    itf_low REAL, itf_high REAL,
    ltf_low REAL, ltf_high REAL,
    effective_floor REAL NOT NULL,
    effective_ceiling REAL NOT NULL,
    ref_price REAL NOT NULL,
    p_win REAL NOT NULL,
    kelly REAL NOT NULL,
    signal_day TEXT NOT NULL,
    generated_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    last_seen_at DATETIME NOT NULL,
    status TEXT NOT NULL,
    UNIQUE(symbol, confluence_type, signal_day, effective_floor, effective_ceiling)
);

CREATE TABLE IF NOT EXISTS signal_deliveries (
    delivery_id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    user_broker_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(signal_id, user_broker_id)
);

CREATE TABLE IF NOT EXISTS trade_intents (
    intent_id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    user_broker_id TEXT NOT NULL,
    validation_passed BOOLEAN NOT NULL,
    approved_qty INTEGER NOT NULL DEFAULT 0,
    order_type TEXT,
    limit_price REAL,
    product_type TEXT,
    rejection_reasons TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
    trade_id TEXT PRIMARY KEY,
    intent_id TEXT NOT NULL UNIQUE,
    client_order_id TEXT NOT NULL UNIQUE,
    broker_order_id TEXT,
    user_broker_id TEXT NOT NULL,
    signal_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    trade_number INTEGER NOT NULL,
    status TEXT NOT NULL,
    entry_price REAL,
    entry_qty REAL,
    entry_value REAL,
    entry_timestamp DATETIME,
    exit_target_price REAL,
    exit_stop_price REAL,
    trailing_active BOOLEAN DEFAULT 0,
    trailing_extremum REAL,
    trailing_stop_price REAL,
    exit_price REAL,
    exit_timestamp DATETIME,
    exit_reason TEXT,
    realized_pnl REAL,
    realized_log_return REAL,
    last_broker_update_at DATETIME,
    row_version INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_broker_order_id
    ON trades(broker_order_id) WHERE broker_order_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS exit_signals (
    exit_signal_id TEXT PRIMARY KEY,
    trade_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    episode_id INTEGER NOT NULL,
    detected_at DATETIME NOT NULL,
    UNIQUE(trade_id, reason, episode_id)
);

CREATE TABLE IF NOT EXISTS exit_episode_cursor (
    trade_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    last_episode_id INTEGER NOT NULL DEFAULT 0,
    last_detected_at DATETIME,
    PRIMARY KEY(trade_id, reason)
);

CREATE TABLE IF NOT EXISTS exit_intents (
    exit_intent_id TEXT PRIMARY KEY,
    exit_signal_id TEXT NOT NULL,
    trade_id TEXT NOT NULL,
    user_broker_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    episode_id INTEGER NOT NULL,
    status TEXT NOT NULL,
    order_type TEXT,
    limit_price REAL,
    broker_order_id TEXT,
    placed_at DATETIME,
    filled_at DATETIME,
    UNIQUE(trade_id, user_broker_id, reason, episode_id)
);
`

// ApplyMigrations bootstraps the schema; kept lightweight for fast startup,
// matching the teacher's idempotent ensureColumn convention rather than a
// migration-framework dependency.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// columnExists reports whether a column is present on table; kept for future
// idempotent ALTERs in the teacher's style.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
