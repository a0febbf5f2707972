// Package data provides market data storage and loading.
package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Failure kinds surfaced to the job runner.
var (
	ErrDataUnavailable  = errors.New("DATA_UNAVAILABLE")
	ErrInsufficientData = errors.New("INSUFFICIENT_DATA")
)

// minCandles is the minimum lookback, expressed in timeframe steps.
const minCandles = 30

// Backfiller is the external collaborator that fills store gaps from the
// exchange API. EnsureRange blocks until the range is ingested or fails.
type Backfiller interface {
	EnsureRange(ctx context.Context, exchange, symbol string, timeframe types.Timeframe, start, end time.Time) error
}

// Store provides read access to historical candles backed by sqlite. The
// training pipeline only reads; writes come from the backfill collaborator
// through Upsert.
type Store struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	db         *sqlx.DB
	backfiller Backfiller
	cache      map[string][]types.Candle
}

const marketDataSchema = `
CREATE TABLE IF NOT EXISTS market_data (
	exchange  TEXT    NOT NULL,
	symbol    TEXT    NOT NULL,
	timeframe TEXT    NOT NULL,
	open_time INTEGER NOT NULL,
	open      REAL    NOT NULL,
	high      REAL    NOT NULL,
	low       REAL    NOT NULL,
	close     REAL    NOT NULL,
	volume    REAL    NOT NULL,
	PRIMARY KEY (exchange, symbol, timeframe, open_time)
);`

// NewStore opens (and bootstraps) the market data store. backfiller may be
// nil, in which case tail gaps cannot be repaired.
func NewStore(logger *zap.Logger, db *sqlx.DB, backfiller Backfiller) (*Store, error) {
	if _, err := db.Exec(marketDataSchema); err != nil {
		return nil, fmt.Errorf("bootstrapping market_data schema: %w", err)
	}
	return &Store{
		logger:     logger,
		db:         db,
		backfiller: backfiller,
		cache:      make(map[string][]types.Candle),
	}, nil
}

type candleRow struct {
	OpenTime int64   `db:"open_time"`
	Open     float64 `db:"open"`
	High     float64 `db:"high"`
	Low      float64 `db:"low"`
	Close    float64 `db:"close"`
	Volume   float64 `db:"volume"`
}

// Fetch returns the contiguous ascending frame covering [asOf-lookback,
// asOf]. A stale tail (latest candle older than two steps before asOf)
// triggers the blocking backfill collaborator before re-reading. Lookbacks
// shorter than 30 steps are ErrInsufficientData; a window that still cannot
// be satisfied is ErrDataUnavailable.
func (s *Store) Fetch(ctx context.Context, exchange, symbol string, timeframe types.Timeframe, lookback time.Duration, asOf time.Time) (*types.Frame, error) {
	step := timeframe.Step()
	if step <= 0 {
		return nil, fmt.Errorf("%w: unknown timeframe %q", ErrDataUnavailable, timeframe)
	}
	if lookback < minCandles*step {
		return nil, fmt.Errorf("%w: lookback %s shorter than %d x %s", ErrInsufficientData, lookback, minCandles, timeframe)
	}

	start := asOf.Add(-lookback)
	candles, err := s.load(ctx, exchange, symbol, timeframe)
	if err != nil {
		return nil, err
	}

	stale := len(candles) == 0 || candles[len(candles)-1].OpenTime.Before(asOf.Add(-2*step))
	if stale && s.backfiller != nil {
		s.logger.Info("tail gap detected, backfilling",
			zap.String("exchange", exchange),
			zap.String("symbol", symbol),
			zap.String("timeframe", string(timeframe)),
		)
		if err := s.backfiller.EnsureRange(ctx, exchange, symbol, timeframe, start, asOf); err != nil {
			s.logger.Warn("backfill failed", zap.Error(err))
		}
		s.invalidate(exchange, symbol, timeframe)
		if candles, err = s.load(ctx, exchange, symbol, timeframe); err != nil {
			return nil, err
		}
	}

	frame := &types.Frame{Exchange: exchange, Symbol: symbol, Timeframe: timeframe}
	for _, c := range candles {
		if c.OpenTime.Before(start) || c.OpenTime.After(asOf) {
			continue
		}
		frame.Candles = append(frame.Candles, c)
	}

	if len(frame.Candles) < minCandles {
		return nil, fmt.Errorf("%w: %d candles for %s %s %s in window", ErrDataUnavailable,
			len(frame.Candles), exchange, symbol, timeframe)
	}
	return frame, nil
}

// Upsert ingests candles keyed by (exchange, symbol, timeframe, open_time).
// Existing rows are overwritten: re-ingesting a range is safe.
func (s *Store) Upsert(ctx context.Context, exchange, symbol string, timeframe types.Timeframe, candles []types.Candle) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO market_data (exchange, symbol, timeframe, open_time, open, high, low, close, volume)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (exchange, symbol, timeframe, open_time)
DO UPDATE SET open = excluded.open, high = excluded.high, low = excluded.low,
	close = excluded.close, volume = excluded.volume`

	for _, c := range candles {
		if _, err := tx.ExecContext(ctx, q,
			exchange, symbol, string(timeframe), c.OpenTime.UTC().UnixMilli(),
			c.Open.InexactFloat64(), c.High.InexactFloat64(), c.Low.InexactFloat64(),
			c.Close.InexactFloat64(), c.Volume.InexactFloat64(),
		); err != nil {
			return fmt.Errorf("upserting candle at %s: %w", c.OpenTime, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}

	s.invalidate(exchange, symbol, timeframe)
	return nil
}

// load reads the full ascending series for a key, serving from cache when
// possible.
func (s *Store) load(ctx context.Context, exchange, symbol string, timeframe types.Timeframe) ([]types.Candle, error) {
	key := cacheKey(exchange, symbol, timeframe)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var rows []candleRow
	const q = `SELECT open_time, open, high, low, close, volume FROM market_data
WHERE exchange = ? AND symbol = ? AND timeframe = ? ORDER BY open_time ASC`
	if err := s.db.SelectContext(ctx, &rows, q, exchange, symbol, string(timeframe)); err != nil {
		return nil, fmt.Errorf("loading candles: %w", err)
	}

	candles := make([]types.Candle, len(rows))
	for i, r := range rows {
		candles[i] = types.Candle{
			OpenTime: time.UnixMilli(r.OpenTime).UTC(),
			Open:     decimal.NewFromFloat(r.Open),
			High:     decimal.NewFromFloat(r.High),
			Low:      decimal.NewFromFloat(r.Low),
			Close:    decimal.NewFromFloat(r.Close),
			Volume:   decimal.NewFromFloat(r.Volume),
		}
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })

	s.mu.Lock()
	s.cache[key] = candles
	s.mu.Unlock()
	return candles, nil
}

func (s *Store) invalidate(exchange, symbol string, timeframe types.Timeframe) {
	s.mu.Lock()
	delete(s.cache, cacheKey(exchange, symbol, timeframe))
	s.mu.Unlock()
}

func cacheKey(exchange, symbol string, timeframe types.Timeframe) string {
	return exchange + "|" + symbol + "|" + string(timeframe)
}
