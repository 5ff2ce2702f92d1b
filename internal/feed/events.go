package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mkarp/polybook/internal/book"
	"github.com/mkarp/polybook/internal/price"
)

// Feed event types.
const (
	eventBook           = "book"
	eventPriceChange    = "price_change"
	eventTickSizeChange = "tick_size_change"
	eventLastTradePrice = "last_trade_price"
	eventBestBidAsk     = "best_bid_ask"
)

// subscribeFrame is the control message listing the full current
// instrument set. The server replaces its subscription state with this
// list, so the frame always carries the whole set.
type subscribeFrame struct {
	AssetsIDs   []string `json:"assets_ids"`
	Type        string   `json:"type"`
	InitialDump *bool    `json:"initial_dump,omitempty"`
}

type eventEnvelope struct {
	EventType string `json:"event_type"`
}

type orderSummary struct {
	Price price.Price `json:"price"`
	Size  price.Size  `json:"size"`
}

// bookEvent is a full book pushed over the stream (initial dump and
// periodic rebuilds). Older feed versions named the sides buys/sells.
type bookEvent struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
	Bids      []orderSummary `json:"bids"`
	Asks      []orderSummary `json:"asks"`
	Buys      []orderSummary `json:"buys"`
	Sells     []orderSummary `json:"sells"`
}

func (e *bookEvent) bidLevels() []book.Level {
	if len(e.Bids) > 0 {
		return toLevels(e.Bids)
	}
	return toLevels(e.Buys)
}

func (e *bookEvent) askLevels() []book.Level {
	if len(e.Asks) > 0 {
		return toLevels(e.Asks)
	}
	return toLevels(e.Sells)
}

func toLevels(summaries []orderSummary) []book.Level {
	levels := make([]book.Level, len(summaries))
	for i, s := range summaries {
		levels[i] = book.Level{Price: s.Price, Size: s.Size}
	}
	return levels
}

// priceChangeEvent is a replace-at-price update. The feed has used both
// a flat single-level form and a batched changes[] form; both decode
// here.
type priceChangeEvent struct {
	AssetID   string             `json:"asset_id"`
	Market    string             `json:"market"`
	Price     price.Price        `json:"price"`
	Size      price.Size         `json:"size"`
	Side      string             `json:"side"`
	Changes   []priceChangeLevel `json:"changes"`
	Hash      string             `json:"hash"`
	Timestamp string             `json:"timestamp"`
}

type priceChangeLevel struct {
	AssetID string      `json:"asset_id"`
	Price   price.Price `json:"price"`
	Size    price.Size  `json:"size"`
	Side    string      `json:"side"`
}

// deltas flattens the event into store deltas. Levels whose side cannot
// be parsed are reported as errors and skipped.
func (e *priceChangeEvent) deltas() ([]book.Delta, error) {
	if len(e.Changes) > 0 {
		out := make([]book.Delta, 0, len(e.Changes))
		for _, ch := range e.Changes {
			side, err := book.ParseSide(ch.Side)
			if err != nil {
				return out, err
			}
			tokenID := ch.AssetID
			if tokenID == "" {
				tokenID = e.AssetID
			}
			out = append(out, book.Delta{
				TokenID: tokenID,
				Side:    side,
				Price:   ch.Price,
				Size:    ch.Size,
			})
		}
		return out, nil
	}

	if e.Side == "" {
		return nil, fmt.Errorf("price_change without side or changes")
	}
	side, err := book.ParseSide(e.Side)
	if err != nil {
		return nil, err
	}
	return []book.Delta{{
		TokenID: e.AssetID,
		Side:    side,
		Price:   e.Price,
		Size:    e.Size,
	}}, nil
}

// splitEvents unwraps the feed's occasional array framing: a message is
// either one JSON event or an array of them.
func splitEvents(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("parse event array: %w", err)
		}
		return raws, nil
	}
	return []json.RawMessage{trimmed}, nil
}
