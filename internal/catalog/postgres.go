package catalog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

// PostgresStore persists streams in Postgres via a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the catalog database reachable via dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errs.New("catalog/postgres", errs.CodeInvalid,
			errs.WithMessage("catalog dsn required"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
			errs.WithMessage("open catalog pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
			errs.WithMessage("ping catalog database"), errs.WithCause(err))
	}
	s := new(PostgresStore)
	s.pool = pool
	return s, nil
}

// WriteQuotes batch-inserts quotes.
func (s *PostgresStore) WriteQuotes(ctx context.Context, quotes []schema.QuoteTick, mode schema.WriteMode) error {
	if mode == schema.WriteModeNone || len(quotes) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, q := range quotes {
		batch.Queue(`INSERT INTO catalog_quotes
			(symbol, venue, bid_price, ask_price, bid_size, ask_size, event_time, ingest_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			q.InstrumentID.Symbol, string(q.InstrumentID.Venue),
			q.BidPrice.String(), q.AskPrice.String(),
			q.BidSize.String(), q.AskSize.String(),
			q.EventTime.UTC(), q.IngestTime.UTC())
	}
	return s.sendBatch(ctx, batch)
}

// WriteTrades batch-inserts trades.
func (s *PostgresStore) WriteTrades(ctx context.Context, trades []schema.TradeTick, mode schema.WriteMode) error {
	if mode == schema.WriteModeNone || len(trades) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, tr := range trades {
		batch.Queue(`INSERT INTO catalog_trades
			(symbol, venue, price, size, aggressor, trade_id, event_time, ingest_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tr.InstrumentID.Symbol, string(tr.InstrumentID.Venue),
			tr.Price.String(), tr.Size.String(), string(tr.Aggressor), tr.TradeID,
			tr.EventTime.UTC(), tr.IngestTime.UTC())
	}
	return s.sendBatch(ctx, batch)
}

// WriteBars batch-upserts bars keyed by bar type and close time so revised
// bars replace their originals.
func (s *PostgresStore) WriteBars(ctx context.Context, bars []schema.Bar, mode schema.WriteMode) error {
	if mode == schema.WriteModeNone || len(bars) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, b := range bars {
		batch.Queue(`INSERT INTO catalog_bars
			(bar_type, open, high, low, close, volume, close_time, ingest_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (bar_type, close_time) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume,
				ingest_time = EXCLUDED.ingest_time`,
			b.BarType.String(),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume.String(), b.CloseTime.UTC(), b.IngestTime.UTC())
	}
	return s.sendBatch(ctx, batch)
}

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return errs.New("catalog/postgres", errs.CodeUnavailable,
				errs.WithMessage("catalog insert failed"), errs.WithCause(err))
		}
	}
	return nil
}

// QueryQuotes returns quotes in [start, end) ascending by event time.
func (s *PostgresStore) QueryQuotes(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.QuoteTick, error) {
	rows, err := s.pool.Query(ctx, `SELECT bid_price, ask_price, bid_size, ask_size, event_time, ingest_time
		FROM (
			SELECT * FROM catalog_quotes
			WHERE symbol = $1 AND venue = $2
				AND ($3::timestamptz IS NULL OR event_time >= $3)
				AND ($4::timestamptz IS NULL OR event_time < $4)
			ORDER BY event_time DESC
			LIMIT CASE WHEN $5 > 0 THEN $5 ELSE NULL END
		) recent ORDER BY event_time ASC`,
		id.Symbol, string(id.Venue), nullableTime(start), nullableTime(end), limit)
	if err != nil {
		return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
			errs.WithMessage("quote query failed"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []schema.QuoteTick
	for rows.Next() {
		var bid, ask, bidSize, askSize string
		var eventTime, ingestTime time.Time
		if err := rows.Scan(&bid, &ask, &bidSize, &askSize, &eventTime, &ingestTime); err != nil {
			return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
				errs.WithMessage("quote scan failed"), errs.WithCause(err))
		}
		out = append(out, schema.QuoteTick{
			InstrumentID: id,
			BidPrice:     mustDecimal(bid),
			AskPrice:     mustDecimal(ask),
			BidSize:      mustDecimal(bidSize),
			AskSize:      mustDecimal(askSize),
			EventTime:    eventTime.UTC(),
			IngestTime:   ingestTime.UTC(),
		})
	}
	return out, rows.Err()
}

// QueryTrades returns trades in [start, end) ascending by event time.
func (s *PostgresStore) QueryTrades(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.TradeTick, error) {
	rows, err := s.pool.Query(ctx, `SELECT price, size, aggressor, trade_id, event_time, ingest_time
		FROM (
			SELECT * FROM catalog_trades
			WHERE symbol = $1 AND venue = $2
				AND ($3::timestamptz IS NULL OR event_time >= $3)
				AND ($4::timestamptz IS NULL OR event_time < $4)
			ORDER BY event_time DESC
			LIMIT CASE WHEN $5 > 0 THEN $5 ELSE NULL END
		) recent ORDER BY event_time ASC`,
		id.Symbol, string(id.Venue), nullableTime(start), nullableTime(end), limit)
	if err != nil {
		return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
			errs.WithMessage("trade query failed"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []schema.TradeTick
	for rows.Next() {
		var price, size, aggressor, tradeID string
		var eventTime, ingestTime time.Time
		if err := rows.Scan(&price, &size, &aggressor, &tradeID, &eventTime, &ingestTime); err != nil {
			return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
				errs.WithMessage("trade scan failed"), errs.WithCause(err))
		}
		out = append(out, schema.TradeTick{
			InstrumentID: id,
			Price:        mustDecimal(price),
			Size:         mustDecimal(size),
			Aggressor:    schema.AggressorSide(aggressor),
			TradeID:      tradeID,
			EventTime:    eventTime.UTC(),
			IngestTime:   ingestTime.UTC(),
		})
	}
	return out, rows.Err()
}

// QueryBars returns bars in [start, end) ascending by close time.
func (s *PostgresStore) QueryBars(ctx context.Context, barType schema.BarType, start, end time.Time, limit int) ([]schema.Bar, error) {
	rows, err := s.pool.Query(ctx, `SELECT open, high, low, close, volume, close_time, ingest_time
		FROM (
			SELECT * FROM catalog_bars
			WHERE bar_type = $1
				AND ($2::timestamptz IS NULL OR close_time >= $2)
				AND ($3::timestamptz IS NULL OR close_time < $3)
			ORDER BY close_time DESC
			LIMIT CASE WHEN $4 > 0 THEN $4 ELSE NULL END
		) recent ORDER BY close_time ASC`,
		barType.String(), nullableTime(start), nullableTime(end), limit)
	if err != nil {
		return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
			errs.WithMessage("bar query failed"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []schema.Bar
	for rows.Next() {
		var open, high, low, cls, volume string
		var closeTime, ingestTime time.Time
		if err := rows.Scan(&open, &high, &low, &cls, &volume, &closeTime, &ingestTime); err != nil {
			return nil, errs.New("catalog/postgres", errs.CodeUnavailable,
				errs.WithMessage("bar scan failed"), errs.WithCause(err))
		}
		out = append(out, schema.Bar{
			BarType:    barType,
			Open:       mustDecimal(open),
			High:       mustDecimal(high),
			Low:        mustDecimal(low),
			Close:      mustDecimal(cls),
			Volume:     mustDecimal(volume),
			CloseTime:  closeTime.UTC(),
			IngestTime: ingestTime.UTC(),
		})
	}
	return out, rows.Err()
}

// QuoteBound returns the latest persisted quote event time for the instrument.
func (s *PostgresStore) QuoteBound(ctx context.Context, id schema.InstrumentID) (time.Time, bool, error) {
	return s.bound(ctx, `SELECT max(event_time) FROM catalog_quotes WHERE symbol = $1 AND venue = $2`,
		id.Symbol, string(id.Venue))
}

// TradeBound returns the latest persisted trade event time for the instrument.
func (s *PostgresStore) TradeBound(ctx context.Context, id schema.InstrumentID) (time.Time, bool, error) {
	return s.bound(ctx, `SELECT max(event_time) FROM catalog_trades WHERE symbol = $1 AND venue = $2`,
		id.Symbol, string(id.Venue))
}

// BarBound returns the latest persisted close time for the bar type.
func (s *PostgresStore) BarBound(ctx context.Context, barType schema.BarType) (time.Time, bool, error) {
	return s.bound(ctx, `SELECT max(close_time) FROM catalog_bars WHERE bar_type = $1`, barType.String())
}

func (s *PostgresStore) bound(ctx context.Context, query string, args ...any) (time.Time, bool, error) {
	var bound *time.Time
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&bound); err != nil {
		return time.Time{}, false, errs.New("catalog/postgres", errs.CodeUnavailable,
			errs.WithMessage("bound query failed"), errs.WithCause(err))
	}
	if bound == nil {
		return time.Time{}, false, nil
	}
	return bound.UTC(), true, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
