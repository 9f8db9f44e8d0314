package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"cryptofolio/pkg/apperr"
)

// Store archives fetched snapshots in PostgreSQL. It is an audit trail of
// market data only; ledger state is never written here.
type Store struct {
	db *sql.DB
}

// NewStore creates a new snapshot store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveSnapshot stores a snapshot and all its rows in one transaction and
// returns the snapshot id.
func (s *Store) SaveSnapshot(ctx context.Context, currency string, snap Snapshot) (int64, error) {
	if len(snap.Rows) == 0 {
		return 0, apperr.Invalid("snapshot has no rows")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO market_snapshots (currency, fetched_at, row_count, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id
	`, currency, snap.FetchedAt, len(snap.Rows)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_rows (snapshot_id, position, instrument_id, symbol, name,
			price, market_cap, market_cap_rank, volume_24h, change_24h, change_7d)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare row insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range snap.Rows {
		_, err := stmt.ExecContext(ctx, id, i, r.ID, r.Symbol, r.Name,
			r.Price, r.MarketCap, r.MarketCapRank, r.Volume24h, r.Change24h, r.Change7d)
		if err != nil {
			return 0, fmt.Errorf("insert row %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}

	log.Printf("Saved snapshot %d with %d rows", id, len(snap.Rows))
	return id, nil
}

// LatestSnapshot retrieves the most recently fetched snapshot
func (s *Store) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		id   int64
		snap Snapshot
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fetched_at
		FROM market_snapshots
		ORDER BY fetched_at DESC, id DESC
		LIMIT 1
	`).Scan(&id, &snap.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("latest snapshot: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, symbol, name, price, market_cap, market_cap_rank,
			volume_24h, change_24h, change_7d
		FROM market_rows
		WHERE snapshot_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Name, &r.Price, &r.MarketCap,
			&r.MarketCapRank, &r.Volume24h, &r.Change24h, &r.Change7d); err != nil {
			return Snapshot{}, fmt.Errorf("scan row: %w", err)
		}
		snap.Rows = append(snap.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate rows: %w", err)
	}

	return snap, nil
}

// PriceHistory builds a series from archived snapshots of the last days days.
func (s *Store) PriceHistory(ctx context.Context, instrumentID string, days int) (Series, error) {
	if instrumentID == "" {
		return Series{}, apperr.Invalid("instrument id is empty")
	}
	if days < 1 {
		return Series{}, apperr.Invalid("days %d must be positive", days)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.fetched_at, r.price
		FROM market_rows r
		JOIN market_snapshots s ON s.id = r.snapshot_id
		WHERE r.instrument_id = $1 AND s.fetched_at >= NOW() - $2::interval
		ORDER BY s.fetched_at ASC
	`, instrumentID, historyInterval(days))
	if err != nil {
		return Series{}, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			at    time.Time
			price decimal.Decimal
		)
		if err := rows.Scan(&at, &price); err != nil {
			return Series{}, fmt.Errorf("scan row: %w", err)
		}
		points = append(points, Point{Time: at.UTC(), Price: price})
	}
	if err := rows.Err(); err != nil {
		return Series{}, fmt.Errorf("iterate rows: %w", err)
	}

	points = normalizePoints(points)
	if len(points) == 0 {
		return Series{}, fmt.Errorf("price history for %s: %w", instrumentID, apperr.ErrEmptyResult)
	}
	return Series{InstrumentID: instrumentID, Points: points}, nil
}

func historyInterval(days int) string {
	return fmt.Sprintf("%d days", days)
}
