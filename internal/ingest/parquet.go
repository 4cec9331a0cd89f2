// parquet.go reads columnar event files back into raw records, using
// the row index as the resume offset.
package ingest

import (
	"io"
	"strconv"

	"marketreplay/internal/sink"
	"marketreplay/pkg/types"
)

// ParquetReader iterates a columnar event file. The offset is the row
// index of the next unread record.
type ParquetReader struct {
	path   string
	events []types.UnifiedEvent
	pos    int
}

// OpenParquet opens an event file at its first row.
func OpenParquet(path string) (*ParquetReader, error) {
	return OpenParquetAt(path, 0)
}

// OpenParquetAt opens an event file at a row offset recorded by a
// previous run.
func OpenParquetAt(path string, row int64) (*ParquetReader, error) {
	events, err := sink.ReadEvents(path)
	if err != nil {
		return nil, err
	}
	pos := int(row)
	if pos > len(events) {
		pos = len(events)
	}
	return &ParquetReader{path: path, events: events, pos: pos}, nil
}

// NextBatch returns up to n raw records. io.EOF signals the end.
func (p *ParquetReader) NextBatch(n int) ([]types.RawRecord, error) {
	if p.pos >= len(p.events) {
		return nil, io.EOF
	}
	end := p.pos + n
	if end > len(p.events) {
		end = len(p.events)
	}
	out := make([]types.RawRecord, 0, end-p.pos)
	for _, ev := range p.events[p.pos:end] {
		out = append(out, RawFromEvent(&ev))
	}
	p.pos = end
	return out, nil
}

// Offset returns the row index of the next unread record.
func (p *ParquetReader) Offset() int64 { return int64(p.pos) }

// Name returns the underlying file path.
func (p *ParquetReader) Name() string { return p.path }

// RawFromEvent converts a unified event back into the raw map shape the
// normalizer consumes, preserving decimal text exactly.
func RawFromEvent(ev *types.UnifiedEvent) types.RawRecord {
	raw := types.RawRecord{
		"event_type":  string(ev.EventType),
		"origin_time": strconv.FormatInt(ev.EventTimestamp, 10),
	}
	if ev.UpdateID != nil {
		raw["update_id"] = strconv.FormatInt(*ev.UpdateID, 10)
	}
	switch ev.EventType {
	case types.EventTrade:
		if ev.TradeID != nil {
			raw["trade_id"] = strconv.FormatInt(*ev.TradeID, 10)
		}
		if ev.TradePrice != nil {
			raw["trade_price"] = ev.TradePrice.String()
		}
		if ev.TradeQuantity != nil {
			raw["trade_quantity"] = ev.TradeQuantity.String()
		}
		if ev.TradeSide != nil {
			raw["trade_side"] = string(*ev.TradeSide)
		}
	case types.EventSnapshot:
		raw["is_snapshot"] = true
		raw["bids"] = levelsToRaw(ev.Bids)
		raw["asks"] = levelsToRaw(ev.Asks)
	case types.EventDelta:
		if ev.DeltaSide != nil {
			raw["delta_side"] = string(*ev.DeltaSide)
		}
		if ev.DeltaPrice != nil {
			raw["delta_price"] = ev.DeltaPrice.String()
		}
		if ev.DeltaQuantity != nil {
			raw["delta_quantity"] = ev.DeltaQuantity.String()
		}
	}
	return raw
}

func levelsToRaw(levels []types.PriceLevel) []any {
	out := make([]any, 0, len(levels))
	for _, lv := range levels {
		out = append(out, []any{lv.Price.String(), lv.Quantity.String()})
	}
	return out
}
