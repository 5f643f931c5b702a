// Package postgres implements the bar store on PostgreSQL/TimescaleDB via
// sqlx. 1m bars live in bars_1m; coarser timeframes are served from the
// materialized views bars_5m, bars_1h, bars_1d.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
)

// DefaultInsertBatchSize bounds multi-row upsert statements.
const DefaultInsertBatchSize = 1000

// aggregateViews maps the timeframes the deployment materializes to their
// view names. Any other timeframe returns ErrNotMaterialized.
var aggregateViews = map[string]string{
	"5m": "bars_5m",
	"1h": "bars_1h",
	"1d": "bars_1d",
}

// barsRepo implements persistence.BarsRepo for PostgreSQL
type barsRepo struct {
	db        *sqlx.DB
	timeout   time.Duration
	batchSize int
}

// NewBarsRepo creates a PostgreSQL bars repository.
func NewBarsRepo(db *sqlx.DB, timeout time.Duration) persistence.BarsRepo {
	return &barsRepo{
		db:        db,
		timeout:   timeout,
		batchSize: DefaultInsertBatchSize,
	}
}

// Insert1m upserts 1m bars in batches. The upsert keys on the primary key
// (market, provider, symbol, ts_ms), so replays and concurrent write-through
// from the orchestrator and backfill are safe.
func (r *barsRepo) Insert1m(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) error {
	valid := bars[:0:0]
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			log.Warn().
				Str("market", s.Market).
				Str("provider", s.Provider).
				Str("symbol", s.Symbol).
				Err(err).
				Msg("Rejecting invalid bar at ingest")
			continue
		}
		valid = append(valid, b)
	}
	if len(valid) == 0 {
		return nil
	}

	// Deadline scales with the number of batches the write will issue.
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(valid)/r.batchSize+1))
	defer cancel()

	for start := 0; start < len(valid); start += r.batchSize {
		end := start + r.batchSize
		if end > len(valid) {
			end = len(valid)
		}
		if err := r.upsertBatch(ctx, s, valid[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *barsRepo) upsertBatch(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) error {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO bars_1m (market, provider, symbol, ts_ms, open, high, low, close, volume)
		VALUES `)

	args := make([]interface{}, 0, len(bars)*9)
	for i, b := range bars {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args, s.Market, s.Provider, s.Symbol, b.TsMs, b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	sb.WriteString(`
		ON CONFLICT (market, provider, symbol, ts_ms)
		DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high,
		              low = EXCLUDED.low, close = EXCLUDED.close,
		              volume = EXCLUDED.volume`)

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return classify("insert 1m bars", err)
	}
	return nil
}

// Fetch1m returns 1m bars ascending within the window.
func (r *barsRepo) Fetch1m(ctx context.Context, s persistence.Series, w ohlcv.Window) ([]ohlcv.Bar, error) {
	return r.fetchFrom(ctx, "bars_1m", s, w)
}

// FetchAggregate reads bars from a materialized view for the timeframe.
func (r *barsRepo) FetchAggregate(ctx context.Context, s persistence.Series, tf ohlcv.Timeframe, w ohlcv.Window) ([]ohlcv.Bar, error) {
	view, ok := aggregateViews[tf.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrNotMaterialized, tf)
	}
	return r.fetchFrom(ctx, view, s, w)
}

func (r *barsRepo) fetchFrom(ctx context.Context, table string, s persistence.Series, w ohlcv.Window) ([]ohlcv.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, `
		SELECT ts_ms, open, high, low, close, volume
		FROM %s
		WHERE market = $1 AND provider = $2 AND symbol = $3`, table)
	args := []interface{}{s.Market, s.Provider, s.Symbol}

	if w.HasSince() {
		args = append(args, w.Since)
		fmt.Fprintf(&sb, " AND ts_ms >= $%d", len(args))
	}
	if w.HasUntil() {
		args = append(args, w.Until)
		fmt.Fprintf(&sb, " AND ts_ms < $%d", len(args))
	}
	sb.WriteString(" ORDER BY ts_ms ASC")
	if w.HasLimit() {
		args = append(args, w.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("query bars", err)
	}
	defer rows.Close()

	var bars []ohlcv.Bar
	for rows.Next() {
		var b ohlcv.Bar
		if err := rows.StructScan(&b); err != nil {
			return nil, fmt.Errorf("%w: scan bar row: %v", persistence.ErrStoreCorrupt, err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate bars", err)
	}
	return bars, nil
}

// FindMissingRanges loads the existing 1m timestamps for the window and
// derives the gaps against the 60s grid in Go.
func (r *barsRepo) FindMissingRanges(ctx context.Context, s persistence.Series, earliestMs, latestMs int64) ([]persistence.GapRange, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ts_ms
		FROM bars_1m
		WHERE market = $1 AND provider = $2 AND symbol = $3
		  AND ts_ms >= $4 AND ts_ms <= $5
		ORDER BY ts_ms ASC`

	var existing []int64
	if err := r.db.SelectContext(ctx, &existing, query, s.Market, s.Provider, s.Symbol, earliestMs, latestMs); err != nil {
		return nil, classify("query existing timestamps", err)
	}
	return persistence.MissingRanges(existing, earliestMs, latestMs), nil
}

// classify maps driver errors onto the store error taxonomy. Integrity and
// data errors are corrupt (fatal); everything else is transient.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "22", "23", "42", "XX": // data, integrity, syntax, internal
			return fmt.Errorf("%w: %s: %v", persistence.ErrStoreCorrupt, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", persistence.ErrStoreUnavailable, op, err)
}
