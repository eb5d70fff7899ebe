package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

type quoteRow struct {
	Symbol     string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Venue      string `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	BidPrice   string `parquet:"name=bid_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	AskPrice   string `parquet:"name=ask_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidSize    string `parquet:"name=bid_size, type=BYTE_ARRAY, convertedtype=UTF8"`
	AskSize    string `parquet:"name=ask_size, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime  int64  `parquet:"name=event_time, type=INT64"`
	IngestTime int64  `parquet:"name=ingest_time, type=INT64"`
}

type tradeRow struct {
	Symbol     string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Venue      string `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size       string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
	Aggressor  string `parquet:"name=aggressor, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	TradeID    string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime  int64  `parquet:"name=event_time, type=INT64"`
	IngestTime int64  `parquet:"name=ingest_time, type=INT64"`
}

type barRow struct {
	BarType    string `parquet:"name=bar_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Open       string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High       string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low        string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close      string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume     string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	CloseTime  int64  `parquet:"name=close_time, type=INT64"`
	IngestTime int64  `parquet:"name=ingest_time, type=INT64"`
}

// ParquetStore persists streams as snappy-compressed parquet part files, one
// directory per stream.
type ParquetStore struct {
	root string

	mu    sync.Mutex
	parts map[string]int
}

// NewParquetStore opens (creating if needed) a parquet catalog rooted at dir.
func NewParquetStore(dir string) (*ParquetStore, error) {
	if dir == "" {
		return nil, errs.New("catalog/parquet", errs.CodeInvalid,
			errs.WithMessage("catalog directory required"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("catalog/parquet", errs.CodeUnavailable,
			errs.WithMessage("create catalog directory"), errs.WithCause(err))
	}
	s := new(ParquetStore)
	s.root = dir
	s.parts = make(map[string]int)
	return s, nil
}

func (s *ParquetStore) quoteDir(id schema.InstrumentID) string {
	return filepath.Join(s.root, "quote", string(id.Venue), id.Symbol)
}

func (s *ParquetStore) tradeDir(id schema.InstrumentID) string {
	return filepath.Join(s.root, "trade", string(id.Venue), id.Symbol)
}

func (s *ParquetStore) barDir(barType schema.BarType) string {
	return filepath.Join(s.root, "bar", barType.String())
}

// nextFile picks the target part file for a write. Parquet files are
// immutable, so append mode adds a sequential part to the existing dataset
// while new-file mode stamps a fresh rotation file.
func (s *ParquetStore) nextFile(dir string, mode schema.WriteMode) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.New("catalog/parquet", errs.CodeUnavailable,
			errs.WithMessage("create dataset directory"), errs.WithCause(err))
	}
	if mode == schema.WriteModeNewFile {
		name := fmt.Sprintf("rotate-%s.parquet", time.Now().UTC().Format("20060102T150405.000000000"))
		return filepath.Join(dir, name), nil
	}
	s.mu.Lock()
	s.parts[dir]++
	n := s.parts[dir]
	s.mu.Unlock()
	for {
		path := filepath.Join(dir, fmt.Sprintf("part-%05d.parquet", n))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
		n++
		s.mu.Lock()
		s.parts[dir] = n
		s.mu.Unlock()
	}
}

func writeRows[T any](path string, rows []T) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return errs.New("catalog/parquet", errs.CodeUnavailable,
			errs.WithMessage("open parquet writer"), errs.WithCause(err))
	}
	pw, err := writer.NewParquetWriter(fw, new(T), 1)
	if err != nil {
		_ = fw.Close()
		return errs.New("catalog/parquet", errs.CodeUnavailable,
			errs.WithMessage("initialise parquet writer"), errs.WithCause(err))
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = fw.Close()
			return errs.New("catalog/parquet", errs.CodeUnavailable,
				errs.WithMessage("write parquet row"), errs.WithCause(err))
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return errs.New("catalog/parquet", errs.CodeUnavailable,
			errs.WithMessage("finalise parquet file"), errs.WithCause(err))
	}
	return fw.Close()
}

func readRows[T any](dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New("catalog/parquet", errs.CodeUnavailable,
			errs.WithMessage("list dataset directory"), errs.WithCause(err))
	}
	var out []T
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".parquet" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		fr, err := local.NewLocalFileReader(path)
		if err != nil {
			return nil, errs.New("catalog/parquet", errs.CodeUnavailable,
				errs.WithMessage("open parquet file"), errs.WithCause(err))
		}
		pr, err := reader.NewParquetReader(fr, new(T), 1)
		if err != nil {
			_ = fr.Close()
			return nil, errs.New("catalog/parquet", errs.CodeUnavailable,
				errs.WithMessage("initialise parquet reader"), errs.WithCause(err))
		}
		rows := make([]T, pr.GetNumRows())
		if err := pr.Read(&rows); err != nil {
			pr.ReadStop()
			_ = fr.Close()
			return nil, errs.New("catalog/parquet", errs.CodeUnavailable,
				errs.WithMessage("read parquet rows"), errs.WithCause(err))
		}
		pr.ReadStop()
		_ = fr.Close()
		out = append(out, rows...)
	}
	return out, nil
}

// WriteQuotes persists quotes per instrument dataset.
func (s *ParquetStore) WriteQuotes(ctx context.Context, quotes []schema.QuoteTick, mode schema.WriteMode) error {
	if mode == schema.WriteModeNone || len(quotes) == 0 {
		return nil
	}
	byID := make(map[schema.InstrumentID][]quoteRow)
	for _, q := range quotes {
		byID[q.InstrumentID] = append(byID[q.InstrumentID], quoteRow{
			Symbol:     q.InstrumentID.Symbol,
			Venue:      string(q.InstrumentID.Venue),
			BidPrice:   q.BidPrice.String(),
			AskPrice:   q.AskPrice.String(),
			BidSize:    q.BidSize.String(),
			AskSize:    q.AskSize.String(),
			EventTime:  q.EventTime.UnixNano(),
			IngestTime: q.IngestTime.UnixNano(),
		})
	}
	for id, rows := range byID {
		path, err := s.nextFile(s.quoteDir(id), mode)
		if err != nil {
			return err
		}
		if err := writeRows(path, rows); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// WriteTrades persists trades per instrument dataset.
func (s *ParquetStore) WriteTrades(ctx context.Context, trades []schema.TradeTick, mode schema.WriteMode) error {
	if mode == schema.WriteModeNone || len(trades) == 0 {
		return nil
	}
	byID := make(map[schema.InstrumentID][]tradeRow)
	for _, tr := range trades {
		byID[tr.InstrumentID] = append(byID[tr.InstrumentID], tradeRow{
			Symbol:     tr.InstrumentID.Symbol,
			Venue:      string(tr.InstrumentID.Venue),
			Price:      tr.Price.String(),
			Size:       tr.Size.String(),
			Aggressor:  string(tr.Aggressor),
			TradeID:    tr.TradeID,
			EventTime:  tr.EventTime.UnixNano(),
			IngestTime: tr.IngestTime.UnixNano(),
		})
	}
	for id, rows := range byID {
		path, err := s.nextFile(s.tradeDir(id), mode)
		if err != nil {
			return err
		}
		if err := writeRows(path, rows); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// WriteBars persists bars per bar-type dataset.
func (s *ParquetStore) WriteBars(ctx context.Context, bars []schema.Bar, mode schema.WriteMode) error {
	if mode == schema.WriteModeNone || len(bars) == 0 {
		return nil
	}
	byType := make(map[schema.BarType][]barRow)
	for _, b := range bars {
		byType[b.BarType] = append(byType[b.BarType], barRow{
			BarType:    b.BarType.String(),
			Open:       b.Open.String(),
			High:       b.High.String(),
			Low:        b.Low.String(),
			Close:      b.Close.String(),
			Volume:     b.Volume.String(),
			CloseTime:  b.CloseTime.UnixNano(),
			IngestTime: b.IngestTime.UnixNano(),
		})
	}
	for barType, rows := range byType {
		path, err := s.nextFile(s.barDir(barType), mode)
		if err != nil {
			return err
		}
		if err := writeRows(path, rows); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// QueryQuotes returns quotes in [start, end) ascending by event time. A
// positive limit keeps the most recent records.
func (s *ParquetStore) QueryQuotes(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.QuoteTick, error) {
	rows, err := readRows[quoteRow](s.quoteDir(id))
	if err != nil {
		return nil, err
	}
	var out []schema.QuoteTick
	for _, row := range rows {
		ts := time.Unix(0, row.EventTime).UTC()
		if !inRange(ts, start, end) {
			continue
		}
		out = append(out, schema.QuoteTick{
			InstrumentID: id,
			BidPrice:     mustDecimal(row.BidPrice),
			AskPrice:     mustDecimal(row.AskPrice),
			BidSize:      mustDecimal(row.BidSize),
			AskSize:      mustDecimal(row.AskSize),
			EventTime:    ts,
			IngestTime:   time.Unix(0, row.IngestTime).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	return tail(out, limit), ctx.Err()
}

// QueryTrades returns trades in [start, end) ascending by event time.
func (s *ParquetStore) QueryTrades(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.TradeTick, error) {
	rows, err := readRows[tradeRow](s.tradeDir(id))
	if err != nil {
		return nil, err
	}
	var out []schema.TradeTick
	for _, row := range rows {
		ts := time.Unix(0, row.EventTime).UTC()
		if !inRange(ts, start, end) {
			continue
		}
		out = append(out, schema.TradeTick{
			InstrumentID: id,
			Price:        mustDecimal(row.Price),
			Size:         mustDecimal(row.Size),
			Aggressor:    schema.AggressorSide(row.Aggressor),
			TradeID:      row.TradeID,
			EventTime:    ts,
			IngestTime:   time.Unix(0, row.IngestTime).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	return tail(out, limit), ctx.Err()
}

// QueryBars returns bars in [start, end) ascending by close time.
func (s *ParquetStore) QueryBars(ctx context.Context, barType schema.BarType, start, end time.Time, limit int) ([]schema.Bar, error) {
	rows, err := readRows[barRow](s.barDir(barType))
	if err != nil {
		return nil, err
	}
	var out []schema.Bar
	for _, row := range rows {
		ts := time.Unix(0, row.CloseTime).UTC()
		if !inRange(ts, start, end) {
			continue
		}
		out = append(out, schema.Bar{
			BarType:    barType,
			Open:       mustDecimal(row.Open),
			High:       mustDecimal(row.High),
			Low:        mustDecimal(row.Low),
			Close:      mustDecimal(row.Close),
			Volume:     mustDecimal(row.Volume),
			CloseTime:  ts,
			IngestTime: time.Unix(0, row.IngestTime).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime.Before(out[j].CloseTime) })
	return tail(out, limit), ctx.Err()
}

// QuoteBound returns the latest persisted quote event time for the instrument.
func (s *ParquetStore) QuoteBound(ctx context.Context, id schema.InstrumentID) (time.Time, bool, error) {
	quotes, err := s.QueryQuotes(ctx, id, time.Time{}, time.Time{}, 1)
	if err != nil || len(quotes) == 0 {
		return time.Time{}, false, err
	}
	return quotes[len(quotes)-1].EventTime, true, nil
}

// TradeBound returns the latest persisted trade event time for the instrument.
func (s *ParquetStore) TradeBound(ctx context.Context, id schema.InstrumentID) (time.Time, bool, error) {
	trades, err := s.QueryTrades(ctx, id, time.Time{}, time.Time{}, 1)
	if err != nil || len(trades) == 0 {
		return time.Time{}, false, err
	}
	return trades[len(trades)-1].EventTime, true, nil
}

// BarBound returns the latest persisted close time for the bar type.
func (s *ParquetStore) BarBound(ctx context.Context, barType schema.BarType) (time.Time, bool, error) {
	bars, err := s.QueryBars(ctx, barType, time.Time{}, time.Time{}, 1)
	if err != nil || len(bars) == 0 {
		return time.Time{}, false, err
	}
	return bars[len(bars)-1].CloseTime, true, nil
}

// Close is a no-op; part files are finalized per write.
func (s *ParquetStore) Close(context.Context) error {
	return nil
}

func tail[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[len(rows)-limit:]
	}
	return rows
}

func mustDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}
