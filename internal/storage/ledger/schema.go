package ledger

// Schema persisted ledger layout. Table and column names are shared with the
// dashboard and external tooling and must not change.
const Schema = `
CREATE TABLE IF NOT EXISTS purchases (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at      TEXT NOT NULL DEFAULT (datetime('now')),
	status          TEXT NOT NULL,
	buy_usdt        REAL NOT NULL,
	buy_order_id    TEXT,
	buy_price       REAL,
	buy_qty         REAL,
	buy_filled_at   TEXT,
	sell_markup_pct REAL NOT NULL,
	sell_order_id   TEXT,
	sell_price      REAL,
	sell_qty        REAL,
	sell_usdt       REAL,
	sell_filled_at  TEXT,
	profit_usdt     REAL,
	profit_usdc     REAL
);

CREATE INDEX IF NOT EXISTS idx_purchases_status ON purchases(status);

CREATE TABLE IF NOT EXISTS balances (
	asset  TEXT PRIMARY KEY,
	amount REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	type         TEXT NOT NULL,
	payload_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_log_type ON events_log(type);

CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT
);
`
