package clob

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mkarp/polybook/internal/book"
	"github.com/mkarp/polybook/internal/price"
)

// BookLevel is one price level in a snapshot response.
type BookLevel struct {
	Price price.Price `json:"price"`
	Size  price.Size  `json:"size"`
}

// Book is an order book snapshot for one token.
type Book struct {
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Timestamp    string      `json:"timestamp"`
	Hash         string      `json:"hash"`
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
	MinOrderSize string      `json:"min_order_size"`
	TickSize     string      `json:"tick_size"`
	NegRisk      bool        `json:"neg_risk"`
}

// BidLevels converts the bid side to store levels.
func (b *Book) BidLevels() []book.Level {
	return toLevels(b.Bids)
}

// AskLevels converts the ask side to store levels.
func (b *Book) AskLevels() []book.Level {
	return toLevels(b.Asks)
}

func toLevels(levels []BookLevel) []book.Level {
	out := make([]book.Level, len(levels))
	for i, l := range levels {
		out[i] = book.Level{Price: l.Price, Size: l.Size}
	}
	return out
}

// bookParams identifies one token in a batched books request.
type bookParams struct {
	TokenID string `json:"token_id"`
}

// GetBook fetches the order book snapshot for a single token.
func (c *Client) GetBook(ctx context.Context, tokenID string) (*Book, error) {
	if tokenID == "" {
		return nil, fmt.Errorf("token id is required")
	}

	query := url.Values{}
	query.Set("token_id", tokenID)

	var b Book
	if err := c.get(ctx, "/book", query, &b); err != nil {
		return nil, fmt.Errorf("get book %s: %w", tokenID, err)
	}

	if b.AssetID == "" {
		b.AssetID = tokenID
	}

	return &b, nil
}

// GetBooks fetches snapshots for multiple tokens in one request.
func (c *Client) GetBooks(ctx context.Context, tokenIDs []string) ([]Book, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}

	params := make([]bookParams, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = bookParams{TokenID: id}
	}

	var books []Book
	if err := c.post(ctx, "/books", params, &books); err != nil {
		return nil, fmt.Errorf("get books: %w", err)
	}

	return books, nil
}
