package book

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mkarp/polybook/internal/metrics"
)

// DefaultMaxPending caps the per-instrument pre-snapshot delta buffer.
const DefaultMaxPending = 1024

// entry is the per-instrument book state. Owned exclusively by the Store.
type entry struct {
	bids        *Ladder
	asks        *Ladder
	seeded      bool
	pending     []Delta
	lastUpdated time.Time
}

func newEntry() *entry {
	return &entry{
		bids: NewLadder(SideBid),
		asks: NewLadder(SideAsk),
	}
}

func (e *entry) ladder(side Side) *Ladder {
	if side == SideBid {
		return e.bids
	}
	return e.asks
}

// Store is the sole owner of per-instrument ladder state. Deltas that
// arrive before an instrument's snapshot are buffered and replayed in
// arrival order once the snapshot lands, so readers never observe a
// torn or stale book.
type Store struct {
	mu         sync.RWMutex
	books      map[string]*entry
	maxPending int
	logger     *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		books:      make(map[string]*entry),
		maxPending: DefaultMaxPending,
		logger:     logger.With("component", "book_store"),
	}
}

// Track creates the entry for an instrument, or resets an existing one
// to the unseeded state. Called on every 0->1 subscription transition so
// a resubscribed instrument always waits for a fresh snapshot instead of
// showing stale levels.
func (s *Store) Track(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[tokenID] = newEntry()
}

// Tracked reports whether the instrument has an entry.
func (s *Store) Tracked(tokenID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.books[tokenID]
	return ok
}

// Evict removes the entry for an instrument.
func (s *Store) Evict(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, tokenID)
}

// Seed replaces both ladders wholesale from a snapshot, then replays any
// buffered deltas in arrival order. A seed for an untracked instrument
// (last subscriber already released) is dropped.
func (s *Store) Seed(tokenID string, bids, asks []Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.books[tokenID]
	if !ok {
		s.logger.Debug("dropping snapshot for untracked instrument", "token_id", tokenID)
		return
	}
	s.seedLocked(tokenID, e, bids, asks)
}

// SeedIfUnseeded applies a snapshot only when the instrument is tracked
// and still unseeded, reporting whether it did. The REST bootstrap uses
// this so a slow snapshot response cannot overwrite a fresher streamed
// book and the deltas already applied on top of it.
func (s *Store) SeedIfUnseeded(tokenID string, bids, asks []Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.books[tokenID]
	if !ok || e.seeded {
		return false
	}
	s.seedLocked(tokenID, e, bids, asks)
	return true
}

func (s *Store) seedLocked(tokenID string, e *entry, bids, asks []Level) {
	e.bids.Replace(bids)
	e.asks.Replace(asks)
	e.seeded = true
	e.lastUpdated = time.Now()

	for _, d := range e.pending {
		s.applyLocked(e, d)
	}
	replayed := len(e.pending)
	e.pending = nil

	s.checkCrossedLocked(tokenID, e)
	metrics.SnapshotsSeeded.Inc()

	s.logger.Debug("seeded book",
		"token_id", tokenID,
		"bids", e.bids.Len(),
		"asks", e.asks.Len(),
		"replayed", replayed,
	)
}

// Apply applies one replace-at-price delta. Deltas for an unseeded
// instrument are buffered until Seed; deltas for an untracked instrument
// are dropped.
func (s *Store) Apply(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.books[d.TokenID]
	if !ok {
		metrics.DeltasDropped.Inc()
		return
	}

	if !e.seeded {
		if len(e.pending) >= s.maxPending {
			// Keep the most recent deltas; the oldest are superseded
			// by the snapshot anyway.
			e.pending = e.pending[1:]
			metrics.DeltasDropped.Inc()
			s.logger.Warn("pending delta buffer full", "token_id", d.TokenID)
		}
		e.pending = append(e.pending, d)
		metrics.DeltasBuffered.Inc()
		return
	}

	s.applyLocked(e, d)
	e.lastUpdated = time.Now()
	s.checkCrossedLocked(d.TokenID, e)
}

func (s *Store) applyLocked(e *entry, d Delta) {
	e.ladder(d.Side).Set(d.Price, d.Size)
	metrics.DeltasApplied.Inc()
}

// checkCrossedLocked logs a crossed book (best bid >= best ask). An
// upstream ordering violation is observable this way without ever
// destabilizing readers.
func (s *Store) checkCrossedLocked(tokenID string, e *entry) {
	bid, okBid := e.bids.Best()
	ask, okAsk := e.asks.Best()
	if okBid && okAsk && bid.Price >= ask.Price {
		metrics.CrossedBooks.Inc()
		s.logger.Warn("crossed book",
			"token_id", tokenID,
			"best_bid", bid.Price,
			"best_ask", ask.Price,
		)
	}
}

// Best returns the top of each ladder. The ok flags are false when the
// corresponding ladder is empty or the instrument is untracked.
func (s *Store) Best(tokenID string) (bid, ask Level, okBid, okAsk bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.books[tokenID]
	if !ok {
		return Level{}, Level{}, false, false
	}
	bid, okBid = e.bids.Best()
	ask, okAsk = e.asks.Best()
	return bid, ask, okBid, okAsk
}

// Depth returns copied, ordered views of both ladders, truncated to
// maxLevels per side (<= 0 means all). Callers may mutate the result.
func (s *Store) Depth(tokenID string, maxLevels int) (bids, asks []Level) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.books[tokenID]
	if !ok {
		return nil, nil
	}
	return e.bids.TopN(maxLevels), e.asks.TopN(maxLevels)
}

// Seeded reports whether the instrument's snapshot has been applied.
func (s *Store) Seeded(tokenID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.books[tokenID]
	return ok && e.seeded
}

// LastUpdated returns the time of the last mutation, zero if never.
func (s *Store) LastUpdated(tokenID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.books[tokenID]; ok {
		return e.lastUpdated
	}
	return time.Time{}
}

// Instruments returns all tracked instrument ids.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.books))
	for id := range s.books {
		ids = append(ids, id)
	}
	return ids
}
