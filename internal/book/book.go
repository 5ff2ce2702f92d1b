// Package book maintains the read-model of market depth: per-instrument
// bid/ask ladders reconciled from a REST snapshot and a stream of
// replace-at-price deltas.
//
// Conventions:
//   - Prices and sizes: fixed-point int64, 1e6 scale (internal/price)
//   - Instrument ids: opaque CLOB token id strings
package book

import (
	"fmt"
	"strings"

	"github.com/mkarp/polybook/internal/price"
)

// Side identifies one half of a book.
type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide maps the feed's side strings onto a Side. The CLOB uses
// BUY/SELL on the stream and bid/ask on REST payloads.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "bid", "bids":
		return SideBid, nil
	case "sell", "ask", "asks":
		return SideAsk, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// Level is resting liquidity at one price.
type Level struct {
	Price price.Price
	Size  price.Size
}

// Delta is a replace-at-price update to a single level. Size == 0
// removes the level; any other size replaces whatever was there.
type Delta struct {
	TokenID string
	Side    Side
	Price   price.Price
	Size    price.Size
}
