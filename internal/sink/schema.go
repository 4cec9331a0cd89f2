// schema.go defines the parquet row layout for unified events and the
// conversions between the in-memory event and its columnar form.
//
// Price and quantity columns are decimal(38,18) stored as
// FIXED_LEN_BYTE_ARRAY(16) in big-endian two's complement, so the round
// trip is exact. Snapshot level lists are stored as JSON text of string
// pairs for the same reason.
package sink

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/shopspring/decimal"

	"marketreplay/internal/decfmt"
	"marketreplay/pkg/types"
)

type eventRow struct {
	EventTimestamp int64     `parquet:"event_timestamp"`
	EventType      string    `parquet:"event_type"`
	UpdateID       *int64    `parquet:"update_id,optional"`
	TradeID        *int64    `parquet:"trade_id,optional"`
	TradePrice     *[16]byte `parquet:"trade_price,optional,decimal(18:38)"`
	TradeQuantity  *[16]byte `parquet:"trade_quantity,optional,decimal(18:38)"`
	TradeSide      *string   `parquet:"trade_side,optional"`
	Bids           *string   `parquet:"bids,optional"`
	Asks           *string   `parquet:"asks,optional"`
	IsSnapshot     *bool     `parquet:"is_snapshot,optional"`
	DeltaSide      *string   `parquet:"delta_side,optional"`
	DeltaPrice     *[16]byte `parquet:"delta_price,optional,decimal(18:38)"`
	DeltaQuantity  *[16]byte `parquet:"delta_quantity,optional,decimal(18:38)"`
}

// codecFor maps the configured compression name to a parquet codec.
// Snappy is the default fast codec.
func codecFor(name string) compress.Codec {
	switch name {
	case "zstd":
		return &parquet.Zstd
	case "gzip":
		return &parquet.Gzip
	case "uncompressed":
		return &parquet.Uncompressed
	default:
		return &parquet.Snappy
	}
}

func toRow(ev *types.UnifiedEvent) (eventRow, error) {
	row := eventRow{
		EventTimestamp: ev.EventTimestamp,
		EventType:      string(ev.EventType),
		UpdateID:       ev.UpdateID,
		TradeID:        ev.TradeID,
		IsSnapshot:     ev.IsSnapshot,
	}

	var err error
	if row.TradePrice, err = encodeOptional(ev.TradePrice); err != nil {
		return row, fmt.Errorf("trade_price: %w", err)
	}
	if row.TradeQuantity, err = encodeOptional(ev.TradeQuantity); err != nil {
		return row, fmt.Errorf("trade_quantity: %w", err)
	}
	if ev.TradeSide != nil {
		s := string(*ev.TradeSide)
		row.TradeSide = &s
	}

	if ev.Bids != nil {
		s, err := levelsToJSON(ev.Bids)
		if err != nil {
			return row, fmt.Errorf("bids: %w", err)
		}
		row.Bids = &s
	}
	if ev.Asks != nil {
		s, err := levelsToJSON(ev.Asks)
		if err != nil {
			return row, fmt.Errorf("asks: %w", err)
		}
		row.Asks = &s
	}

	if ev.DeltaSide != nil {
		s := string(*ev.DeltaSide)
		row.DeltaSide = &s
	}
	if row.DeltaPrice, err = encodeOptional(ev.DeltaPrice); err != nil {
		return row, fmt.Errorf("delta_price: %w", err)
	}
	if row.DeltaQuantity, err = encodeOptional(ev.DeltaQuantity); err != nil {
		return row, fmt.Errorf("delta_quantity: %w", err)
	}
	return row, nil
}

func fromRow(row eventRow) (types.UnifiedEvent, error) {
	ev := types.UnifiedEvent{
		EventTimestamp: row.EventTimestamp,
		EventType:      types.EventType(row.EventType),
		UpdateID:       row.UpdateID,
		TradeID:        row.TradeID,
		IsSnapshot:     row.IsSnapshot,
	}

	ev.TradePrice = decodeOptional(row.TradePrice)
	ev.TradeQuantity = decodeOptional(row.TradeQuantity)
	if row.TradeSide != nil {
		s := types.Side(*row.TradeSide)
		ev.TradeSide = &s
	}

	if row.Bids != nil {
		levels, err := levelsFromJSON(*row.Bids)
		if err != nil {
			return ev, fmt.Errorf("bids: %w", err)
		}
		ev.Bids = levels
	}
	if row.Asks != nil {
		levels, err := levelsFromJSON(*row.Asks)
		if err != nil {
			return ev, fmt.Errorf("asks: %w", err)
		}
		ev.Asks = levels
	}

	if row.DeltaSide != nil {
		s := types.BookSide(*row.DeltaSide)
		ev.DeltaSide = &s
	}
	ev.DeltaPrice = decodeOptional(row.DeltaPrice)
	ev.DeltaQuantity = decodeOptional(row.DeltaQuantity)
	return ev, nil
}

func encodeOptional(d *decimal.Decimal) (*[16]byte, error) {
	if d == nil {
		return nil, nil
	}
	enc, err := decfmt.EncodeDecimal128(*d)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func decodeOptional(b *[16]byte) *decimal.Decimal {
	if b == nil {
		return nil
	}
	d := decfmt.DecodeDecimal128(*b)
	return &d
}

// levelsToJSON serializes levels as [["price","qty"], ...] preserving
// exact decimal text.
func levelsToJSON(levels []types.PriceLevel) (string, error) {
	pairs := make([][2]string, 0, len(levels))
	for _, lv := range levels {
		if err := decfmt.CheckRange(lv.Price); err != nil {
			return "", err
		}
		if err := decfmt.CheckRange(lv.Quantity); err != nil {
			return "", err
		}
		pairs = append(pairs, [2]string{lv.Price.String(), lv.Quantity.String()})
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func levelsFromJSON(s string) ([]types.PriceLevel, error) {
	var pairs [][2]string
	if err := json.Unmarshal([]byte(s), &pairs); err != nil {
		return nil, err
	}
	out := make([]types.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		price, err := decfmt.Parse(p[0])
		if err != nil {
			return nil, err
		}
		qty, err := decfmt.Parse(p[1])
		if err != nil {
			return nil, err
		}
		out = append(out, types.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// writeRows writes one parquet file with the configured compression.
func writeRows(path string, rows []eventRow, codec compress.Codec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := parquet.NewGenericWriter[eventRow](f, parquet.Compression(codec))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return f.Close()
}

// ReadEvents loads a partition file back into unified events. Used by
// the ingest readers and round-trip tests.
func ReadEvents(path string) ([]types.UnifiedEvent, error) {
	rows, err := parquet.ReadFile[eventRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make([]types.UnifiedEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
