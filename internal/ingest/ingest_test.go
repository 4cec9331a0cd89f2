package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"marketreplay/internal/config"
	"marketreplay/internal/decfmt"
	"marketreplay/internal/sink"
	"marketreplay/pkg/types"
)

func writeCapture(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestJSONLReadAll(t *testing.T) {
	t.Parallel()
	path := writeCapture(t,
		`{"event_type":"TRADE","origin_time":1700000000000000000,"price":"101.5","quantity":"3","side":"BUY"}`,
		``,
		`{"event_type":"BOOK_DELTA","origin_time":1700000000000000001,"update_id":5,"side":"BID","price":"100","quantity":"1"}`,
	)

	r, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}
	defer r.Close()

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec["event_type"] != "TRADE" {
		t.Errorf("rec = %+v", rec)
	}
	// Numbers must arrive as json.Number, never float64.
	if _, ok := rec["origin_time"].(json.Number); !ok {
		t.Errorf("origin_time decoded as %T, want json.Number", rec["origin_time"])
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatalf("Next 2: %v", err)
	}
	if rec["event_type"] != "BOOK_DELTA" {
		t.Errorf("rec 2 = %+v", rec)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestJSONLResumeAtOffset(t *testing.T) {
	t.Parallel()
	path := writeCapture(t,
		`{"event_type":"TRADE","origin_time":1700000000000000000,"price":"1","quantity":"1"}`,
		`{"event_type":"TRADE","origin_time":1700000000000000001,"price":"2","quantity":"1"}`,
	)

	r, err := OpenJSONL(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	offset := r.Offset()
	r.Close()

	resumed, err := OpenJSONLAt(path, offset)
	if err != nil {
		t.Fatalf("OpenJSONLAt: %v", err)
	}
	defer resumed.Close()

	rec, err := resumed.Next()
	if err != nil {
		t.Fatalf("Next after resume: %v", err)
	}
	if rec["price"] != "2" {
		t.Errorf("resumed at wrong record: %+v", rec)
	}
}

func TestJSONLMalformedLineSkippable(t *testing.T) {
	t.Parallel()
	path := writeCapture(t,
		`not json at all`,
		`{"event_type":"TRADE","origin_time":1700000000000000000,"price":"1","quantity":"1"}`,
	)

	r, err := OpenJSONL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = r.Next()
	if err == nil || !types.IsMalformed(err) {
		t.Fatalf("expected malformed-input error, got %v", err)
	}
	// The offset advanced past the bad line; the next read succeeds.
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next after malformed line: %v", err)
	}
	if rec["event_type"] != "TRADE" {
		t.Errorf("rec = %+v", rec)
	}
}

func writeEventFile(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	s, err := sink.New("BTCUSDT", root, config.Default().Sink, logger)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(t.Context()) }()
	price := decfmt.MustParse("101.123456789012345678")
	qty := decfmt.MustParse("2")
	side := types.BUY
	for i := int64(0); i < 5; i++ {
		id := i + 1
		s.In() <- types.UnifiedEvent{
			EventTimestamp: 1_704_110_400_000_000_000 + i,
			EventType:      types.EventTrade,
			TradeID:        &id,
			TradePrice:     &price,
			TradeQuantity:  &qty,
			TradeSide:      &side,
		}
	}
	close(s.In())
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	var file string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".parquet") {
			file = path
		}
		return nil
	})
	if file == "" {
		t.Fatal("no parquet file written")
	}
	return file
}

func TestParquetReaderBatches(t *testing.T) {
	t.Parallel()
	file := writeEventFile(t)

	r, err := OpenParquet(file)
	if err != nil {
		t.Fatalf("OpenParquet: %v", err)
	}
	batch, err := r.NextBatch(3)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[0]["event_type"] != "TRADE" || batch[0]["trade_price"] != "101.123456789012345678" {
		t.Errorf("batch[0] = %+v", batch[0])
	}
	if r.Offset() != 3 {
		t.Errorf("offset = %d, want 3", r.Offset())
	}

	batch, err = r.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch 2: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch 2 size = %d, want 2", len(batch))
	}
	if _, err := r.NextBatch(1); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestParquetReaderResume(t *testing.T) {
	t.Parallel()
	file := writeEventFile(t)

	r, err := OpenParquetAt(file, 4)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := r.NextBatch(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Fatalf("resume batch size = %d, want 1", len(batch))
	}
	if batch[0]["trade_id"] != "5" {
		t.Errorf("resumed record = %+v", batch[0])
	}
}

func TestRawFromEventSnapshot(t *testing.T) {
	t.Parallel()
	isSnap := true
	ev := types.UnifiedEvent{
		EventTimestamp: 1_700_000_000_000_000_000,
		EventType:      types.EventSnapshot,
		IsSnapshot:     &isSnap,
		Bids: []types.PriceLevel{
			{Price: decfmt.MustParse("100"), Quantity: decfmt.MustParse("10")},
		},
		Asks: []types.PriceLevel{
			{Price: decfmt.MustParse("101"), Quantity: decfmt.MustParse("10")},
		},
	}
	raw := RawFromEvent(&ev)
	bids, ok := raw["bids"].([]any)
	if !ok || len(bids) != 1 {
		t.Fatalf("bids = %+v", raw["bids"])
	}
	pair := bids[0].([]any)
	if pair[0] != "100" || pair[1] != "10" {
		t.Errorf("pair = %+v", pair)
	}
}
