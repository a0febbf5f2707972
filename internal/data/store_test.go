// Package data_test provides tests for the market data store.
package data_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/internal/data"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedCandles(n int, end time.Time) []types.Candle {
	candles := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		at := end.Add(-time.Duration(n-1-i) * time.Hour)
		price := 100 + float64(i)*0.1
		candles[i] = types.Candle{
			OpenTime: at,
			Open:     decimal.NewFromFloat(price),
			High:     decimal.NewFromFloat(price + 1),
			Low:      decimal.NewFromFloat(price - 1),
			Close:    decimal.NewFromFloat(price + 0.5),
			Volume:   decimal.NewFromFloat(1000),
		}
	}
	return candles
}

func TestFetchRoundTrip(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), openDB(t), nil)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	candles := seedCandles(100, asOf)
	if err := store.Upsert(context.Background(), "binanceus", "BTC/USDT", types.Timeframe1h, candles); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	frame, err := store.Fetch(context.Background(), "binanceus", "BTC/USDT", types.Timeframe1h, 50*time.Hour, asOf)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if len(frame.Candles) != 51 {
		t.Fatalf("got %d candles, want 51", len(frame.Candles))
	}
	for i := 1; i < len(frame.Candles); i++ {
		if !frame.Candles[i].OpenTime.After(frame.Candles[i-1].OpenTime) {
			t.Fatalf("candles not strictly ascending at %d", i)
		}
	}
}

func TestFetchRejectsShortLookback(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), openDB(t), nil)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	_, err = store.Fetch(context.Background(), "binanceus", "BTC/USDT", types.Timeframe1h, 24*time.Hour, time.Now().UTC())
	if !errors.Is(err, data.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestFetchUnavailableWithoutBackfiller(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), openDB(t), nil)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	_, err = store.Fetch(context.Background(), "binanceus", "BTC/USDT", types.Timeframe1h, 90*time.Hour, time.Now().UTC())
	if !errors.Is(err, data.ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
}

// fillingBackfiller writes the requested range into the store, the way the
// real collaborator ingests from the exchange API.
type fillingBackfiller struct {
	store  *data.Store
	called bool
}

func (b *fillingBackfiller) EnsureRange(ctx context.Context, exchange, symbol string, timeframe types.Timeframe, start, end time.Time) error {
	b.called = true
	n := int(end.Sub(start)/timeframe.Step()) + 1
	return b.store.Upsert(ctx, exchange, symbol, timeframe, seedCandles(n, end.Truncate(timeframe.Step())))
}

func TestFetchBackfillsStaleTail(t *testing.T) {
	db := openDB(t)
	backfiller := &fillingBackfiller{}
	store, err := data.NewStore(zap.NewNop(), db, backfiller)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	backfiller.store = store

	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	frame, err := store.Fetch(context.Background(), "binanceus", "ETH/USDT", types.Timeframe1h, 60*time.Hour, asOf)
	if err != nil {
		t.Fatalf("fetch with backfiller failed: %v", err)
	}
	if !backfiller.called {
		t.Fatal("backfiller was not invoked for an empty store")
	}
	if len(frame.Candles) < 30 {
		t.Fatalf("backfilled frame too short: %d candles", len(frame.Candles))
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), openDB(t), nil)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	candles := seedCandles(40, asOf)
	for i := 0; i < 2; i++ {
		if err := store.Upsert(context.Background(), "binanceus", "BTC/USDT", types.Timeframe1h, candles); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	frame, err := store.Fetch(context.Background(), "binanceus", "BTC/USDT", types.Timeframe1h, 39*time.Hour, asOf)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(frame.Candles) != 40 {
		t.Fatalf("duplicate upsert changed row count: %d", len(frame.Candles))
	}
}
