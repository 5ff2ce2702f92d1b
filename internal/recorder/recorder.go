// Package recorder periodically captures tracked order books into
// Postgres for offline analysis. It is optional; the depth service is
// fully functional without it.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarp/polybook/internal/book"
)

// Config holds recorder settings.
type Config struct {
	// Interval between depth captures.
	Interval time.Duration

	// DepthLevels caps how many levels per side are persisted.
	DepthLevels int

	// Instance tags every row with the writing process.
	Instance string
}

// Recorder samples the book store on a timer and batch-inserts the
// captured depth.
type Recorder struct {
	cfg    Config
	store  *book.Store
	db     *pgxpool.Pool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a recorder.
func New(cfg Config, store *book.Store, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		store:  store,
		db:     db,
		logger: logger.With("component", "recorder"),
	}
}

// Start begins the capture loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.captureLoop()

	r.logger.Info("recorder started",
		"interval", r.cfg.Interval,
		"depth_levels", r.cfg.DepthLevels,
	)
	return nil
}

// Stop shuts down the capture loop after a final capture.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("recorder stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}
}

func (r *Recorder) captureLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.capture()
		}
	}
}

// capture snapshots every seeded instrument and writes the batch.
func (r *Recorder) capture() {
	capturedAt := time.Now()

	var rows []depthRow
	for _, id := range r.store.Instruments() {
		if !r.store.Seeded(id) {
			continue
		}
		bids, asks := r.store.Depth(id, r.cfg.DepthLevels)
		row, err := buildRow(id, r.cfg.Instance, capturedAt, bids, asks)
		if err != nil {
			r.logger.Error("build depth row", "token_id", id, "error", err)
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return
	}

	if err := r.insert(rows); err != nil {
		r.logger.Error("depth batch insert failed", "error", err, "count", len(rows))
		return
	}
	r.logger.Debug("captured depth", "instruments", len(rows))
}

// depthRow is one persisted depth capture.
type depthRow struct {
	CapturedAt int64 // unix micros
	TokenID    string
	Instance   string
	Bids       []byte // JSONB [["price","size"],...]
	Asks       []byte
	BestBid    int64 // fixed-point, 0 when the side is empty
	BestAsk    int64
	Spread     int64 // 0 when either side is empty
}

func buildRow(tokenID, instance string, capturedAt time.Time, bids, asks []book.Level) (depthRow, error) {
	bidsJSON, err := levelsJSON(bids)
	if err != nil {
		return depthRow{}, err
	}
	asksJSON, err := levelsJSON(asks)
	if err != nil {
		return depthRow{}, err
	}

	row := depthRow{
		CapturedAt: capturedAt.UnixMicro(),
		TokenID:    tokenID,
		Instance:   instance,
		Bids:       bidsJSON,
		Asks:       asksJSON,
	}
	if len(bids) > 0 {
		row.BestBid = int64(bids[0].Price)
	}
	if len(asks) > 0 {
		row.BestAsk = int64(asks[0].Price)
	}
	if row.BestBid > 0 && row.BestAsk > 0 {
		row.Spread = row.BestAsk - row.BestBid
	}
	return row, nil
}

// levelsJSON encodes ladder levels as [["price","size"],...] with
// human-readable decimal strings.
func levelsJSON(levels []book.Level) ([]byte, error) {
	pairs := make([][2]string, len(levels))
	for i, l := range levels {
		pairs[i] = [2]string{l.Price.String(), l.Size.String()}
	}
	return json.Marshal(pairs)
}

// insert writes rows with ON CONFLICT DO NOTHING.
func (r *Recorder) insert(rows []depthRow) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO depth_snapshots (captured_at, token_id, instance, bids, asks, best_bid, best_ask, spread)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (token_id, captured_at) DO NOTHING
		`, row.CapturedAt, row.TokenID, row.Instance, row.Bids, row.Asks, row.BestBid, row.BestAsk, row.Spread)
	}

	results := r.db.SendBatch(r.ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
