package observer

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/types"
)

// CSVSource loads candles from a CSV file.
type CSVSource struct {
	filePath  string
	symbol    string
	timeframe string
	candles   []types.Candle
	loaded    bool
}

// NewCSVSource creates a source reading from a CSV file.
// Format: timestamp,open,high,low,close,volume with an optional header row.
// Timestamps may be Unix seconds or common date layouts.
func NewCSVSource(filePath, symbol, timeframe string) *CSVSource {
	return &CSVSource{
		filePath:  filePath,
		symbol:    symbol,
		timeframe: timeframe,
	}
}

// Subscribe streams the file's candles in order.
func (s *CSVSource) Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error) {
	if !s.loaded {
		if err := s.load(); err != nil {
			return nil, err
		}
	}

	ch := make(chan types.Candle, 100)
	go func() {
		defer close(ch)
		for _, candle := range s.candles {
			if candle.Symbol != symbol {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ch <- candle:
			}
		}
	}()
	return ch, nil
}

// Close drops the loaded data.
func (s *CSVSource) Close() error {
	s.candles = nil
	s.loaded = false
	return nil
}

// Name returns the source identifier.
func (s *CSVSource) Name() string {
	return "csv"
}

// CandleCount returns how many candles the file yielded.
func (s *CSVSource) CandleCount() int {
	return len(s.candles)
}

func (s *CSVSource) load() error {
	file, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	candles, err := ParseCSV(file, s.symbol, s.timeframe)
	if err != nil {
		return fmt.Errorf("parse csv: %w", err)
	}

	s.candles = candles
	s.loaded = true
	return nil
}

// ParseCSV parses candles from a CSV reader. Rows that fail to parse or
// validate are skipped; rows that break timestamp order are rejected so the
// replay can rely on monotonic input.
func ParseCSV(r io.Reader, symbol, timeframe string) ([]types.Candle, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true

	var (
		candles []types.Candle
		lineNum int
		lastTS  time.Time
	)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		lineNum++

		if lineNum == 1 && isHeader(record) {
			continue
		}
		if len(record) < 5 {
			continue
		}

		candle, err := parseRecord(record, symbol, timeframe)
		if err != nil {
			continue
		}
		if err := candle.Validate(); err != nil {
			continue
		}
		if !lastTS.IsZero() && !candle.Timestamp.After(lastTS) {
			return nil, fmt.Errorf("line %d: timestamp %s not after %s",
				lineNum, candle.Timestamp.Format(time.RFC3339), lastTS.Format(time.RFC3339))
		}
		lastTS = candle.Timestamp

		candles = append(candles, candle)
	}

	return candles, nil
}

func parseRecord(record []string, symbol, timeframe string) (types.Candle, error) {
	candle := types.Candle{Symbol: symbol, Timeframe: timeframe}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return candle, fmt.Errorf("parse timestamp: %w", err)
	}
	candle.Timestamp = ts

	if candle.Open, err = decimal.NewFromString(record[1]); err != nil {
		return candle, fmt.Errorf("parse open: %w", err)
	}
	if candle.High, err = decimal.NewFromString(record[2]); err != nil {
		return candle, fmt.Errorf("parse high: %w", err)
	}
	if candle.Low, err = decimal.NewFromString(record[3]); err != nil {
		return candle, fmt.Errorf("parse low: %w", err)
	}
	if candle.Close, err = decimal.NewFromString(record[4]); err != nil {
		return candle, fmt.Errorf("parse close: %w", err)
	}

	if len(record) > 5 {
		if vol, err := strconv.ParseInt(record[5], 10, 64); err == nil {
			candle.Volume = vol
		}
	}

	return candle, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}

	formats := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown timestamp format: %s", s)
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	headers := []string{"timestamp", "time", "date", "datetime", "open", "high", "low", "close"}
	for _, h := range headers {
		if record[0] == h {
			return true
		}
	}
	return false
}

// MemorySource streams candles from a slice. Used in tests.
type MemorySource struct {
	candles []types.Candle
}

// NewMemorySource creates a source from pre-built candles.
func NewMemorySource(candles []types.Candle) *MemorySource {
	return &MemorySource{candles: candles}
}

// Subscribe streams the in-memory candles in order.
func (s *MemorySource) Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error) {
	ch := make(chan types.Candle, len(s.candles))
	go func() {
		defer close(ch)
		for _, candle := range s.candles {
			if candle.Symbol != symbol {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ch <- candle:
			}
		}
	}()
	return ch, nil
}

// Close is a no-op.
func (s *MemorySource) Close() error { return nil }

// Name returns the source identifier.
func (s *MemorySource) Name() string { return "memory" }

// Add appends a candle to the source.
func (s *MemorySource) Add(candle types.Candle) {
	s.candles = append(s.candles, candle)
}
