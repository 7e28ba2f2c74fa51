// Package history persists the trade lifecycle to SQLite, giving the exchange
// a queryable, durable trade log that survives restarts. The store consumes
// the exchange's event stream through the Publisher interface.
package history

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/civicledger/waterledger"
)

var _ waterledger.Publisher = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	buyer         TEXT NOT NULL,
	seller        TEXT NOT NULL,
	price         TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	from_zone     TEXT NOT NULL,
	to_zone       TEXT NOT NULL,
	buy_order_id  TEXT NOT NULL DEFAULT '',
	sell_order_id TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	settled_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_buyer ON trades (buyer, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades (seller, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trades (created_at DESC);
`

// Store is a SQLite-backed trade history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Publish records trade lifecycle events: a row is inserted when a trade is
// created and its status updated when it reaches a terminal state. Other
// event types are ignored. Persistence failures are logged, never allowed to
// stall the exchange loop.
func (s *Store) Publish(events ...waterledger.Event) {
	for i := range events {
		ev := &events[i]
		var err error
		switch ev.Type {
		case waterledger.EventTradeCreated:
			err = s.insert(ev)
		case waterledger.EventTradeCompleted, waterledger.EventTradeInvalidated:
			err = s.updateStatus(ev)
		default:
			continue
		}
		if err != nil {
			waterledger.Logger().Error("history write failed",
				"trade_id", ev.TradeID, "type", string(ev.Type), "err", err)
		}
	}
}

func (s *Store) insert(ev *waterledger.Event) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO trades
			(id, buyer, seller, price, quantity, from_zone, to_zone, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TradeID, ev.Account, ev.Counterparty, ev.Price.String(), ev.Quantity,
		ev.Zone, ev.ToZone, ev.Status, ev.CreatedAt.UnixNano())
	return err
}

func (s *Store) updateStatus(ev *waterledger.Event) error {
	_, err := s.db.Exec(`
		UPDATE trades SET status = ?, settled_at = ? WHERE id = ?`,
		ev.Status, ev.CreatedAt.UnixNano(), ev.TradeID)
	return err
}

const selectCols = `id, buyer, seller, price, quantity, from_zone, to_zone, buy_order_id, sell_order_id, status, created_at`

// Recent returns up to limit trades, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]waterledger.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectCols+` FROM trades ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ByAccount returns up to limit trades in which the account participated on
// either side, newest first.
func (s *Store) ByAccount(ctx context.Context, account string, limit int) ([]waterledger.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectCols+` FROM trades
		WHERE buyer = ? OR seller = ?
		ORDER BY created_at DESC LIMIT ?`, account, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Get returns one trade by ID.
func (s *Store) Get(ctx context.Context, id string) (waterledger.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectCols+` FROM trades WHERE id = ?`, id)

	trade, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return waterledger.Trade{}, waterledger.ErrTradeNotFound
	}
	return trade, err
}

// Stats aggregates the completed portion of the history.
type Stats struct {
	CompletedTrades uint64          `json:"completed_trades"`
	TotalVolume     uint64          `json:"total_volume"`
	TotalValue      decimal.Decimal `json:"total_value"`
	AveragePrice    decimal.Decimal `json:"average_price"` // volume weighted
	MinPrice        decimal.Decimal `json:"min_price"`
	MaxPrice        decimal.Decimal `json:"max_price"`
}

// Stats computes volume and price statistics over completed trades. Prices
// are aggregated in decimal rather than SQL to avoid float drift.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT price, quantity FROM trades WHERE status = 'completed'`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var priceText string
		var quantity uint64
		if err := rows.Scan(&priceText, &quantity); err != nil {
			return Stats{}, err
		}
		price, err := decimal.NewFromString(priceText)
		if err != nil {
			return Stats{}, err
		}

		value := price.Mul(decimal.NewFromUint64(quantity))
		if stats.CompletedTrades == 0 {
			stats.MinPrice, stats.MaxPrice = price, price
		} else {
			if price.LessThan(stats.MinPrice) {
				stats.MinPrice = price
			}
			if price.GreaterThan(stats.MaxPrice) {
				stats.MaxPrice = price
			}
		}
		stats.CompletedTrades++
		stats.TotalVolume += quantity
		stats.TotalValue = stats.TotalValue.Add(value)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if stats.TotalVolume > 0 {
		stats.AveragePrice = stats.TotalValue.Div(decimal.NewFromUint64(stats.TotalVolume))
	}
	return stats, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrade(row scannable) (waterledger.Trade, error) {
	var t waterledger.Trade
	var priceText, status string
	err := row.Scan(&t.ID, &t.Buyer, &t.Seller, &priceText, &t.Quantity,
		&t.FromZone, &t.ToZone, &t.BuyOrderID, &t.SellOrderID, &status, &t.CreatedAt)
	if err != nil {
		return waterledger.Trade{}, err
	}
	t.Price, err = decimal.NewFromString(priceText)
	if err != nil {
		return waterledger.Trade{}, err
	}
	t.Status = waterledger.ParseTradeStatus(status)
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]waterledger.Trade, error) {
	var out []waterledger.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}
