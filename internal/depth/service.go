// Package depth is the consumer-facing surface of the order book layer.
// Consumers subscribe to instruments and get back a ref-counted handle;
// the service coordinates snapshot bootstrap, feed registration, and
// eviction behind it.
package depth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarp/polybook/internal/book"
	"github.com/mkarp/polybook/internal/clob"
	"github.com/mkarp/polybook/internal/feed"
	"github.com/mkarp/polybook/internal/metrics"
)

var (
	// ErrNotStarted is returned when subscribing before Start.
	ErrNotStarted = errors.New("depth service not started")

	// ErrNoInstruments is returned when subscribing with an empty set.
	ErrNoInstruments = errors.New("no instruments given")
)

// Feed is the subscription surface of the connection manager.
type Feed interface {
	Acquire(tokenIDs []string)
	Release(tokenIDs []string)
	State() feed.State
	StateChanges() (<-chan feed.State, func())
}

// SnapshotFetcher fetches authoritative book snapshots over REST.
type SnapshotFetcher interface {
	GetBook(ctx context.Context, tokenID string) (*clob.Book, error)
}

// Config holds depth service settings.
type Config struct {
	// SnapshotTimeout bounds one instrument's whole bootstrap fetch,
	// including retries.
	SnapshotTimeout time.Duration

	// SnapshotRetries is the number of re-attempts after a failed fetch.
	SnapshotRetries int

	// RetryBackoff is the wait between fetch attempts.
	RetryBackoff time.Duration

	// EvictionGrace keeps an instrument's book tracked in the store
	// after its last handle is released, absorbing rapid resubscribe
	// churn. The feed subscription is dropped immediately either way.
	EvictionGrace time.Duration

	// MaxDepthLevels caps Depth() responses. Zero means unlimited.
	MaxDepthLevels int
}

// DefaultConfig returns the default depth service configuration.
func DefaultConfig() Config {
	return Config{
		SnapshotTimeout: 10 * time.Second,
		SnapshotRetries: 3,
		RetryBackoff:    500 * time.Millisecond,
		EvictionGrace:   30 * time.Second,
	}
}

type fetchJob struct {
	cancel context.CancelFunc
	seq    uint64
}

// Service coordinates subscriptions across the store, the REST client,
// and the feed connection.
type Service struct {
	cfg     Config
	store   *book.Store
	fetcher SnapshotFetcher
	feed    Feed
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	refs      map[string]int
	fetches   map[string]fetchJob
	evictions map[string]*time.Timer
	fetchSeq  uint64
}

// NewService creates a depth service.
func NewService(cfg Config, store *book.Store, fetcher SnapshotFetcher, f Feed, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		feed:      f,
		logger:    logger.With("component", "depth"),
		refs:      make(map[string]int),
		fetches:   make(map[string]fetchJob),
		evictions: make(map[string]*time.Timer),
	}
}

// Start prepares the service for subscriptions.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

// Stop cancels in-flight bootstraps and pending evictions.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for id, job := range s.fetches {
		job.cancel()
		delete(s.fetches, id)
	}
	for id, timer := range s.evictions {
		timer.Stop()
		delete(s.evictions, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("depth service stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("depth service stop timed out")
		return ctx.Err()
	}
}

// Subscribe registers interest in a set of instruments and returns a
// handle that must be released when the consumer is done. Instruments
// already live for other consumers are shared, not re-bootstrapped.
func (s *Service) Subscribe(tokenIDs ...string) (*Handle, error) {
	if len(tokenIDs) == 0 {
		return nil, ErrNoInstruments
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}

	// Dedup within the request so refcounts stay balanced with Release.
	seen := make(map[string]struct{}, len(tokenIDs))
	ids := make([]string, 0, len(tokenIDs))
	var fresh []string
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)

		s.refs[id]++
		if s.refs[id] == 1 {
			fresh = append(fresh, id)
		}
	}
	if len(ids) == 0 {
		s.mu.Unlock()
		return nil, ErrNoInstruments
	}

	for _, id := range fresh {
		if timer := s.evictions[id]; timer != nil {
			timer.Stop()
			delete(s.evictions, id)
		}
		s.store.Track(id)
		s.startFetchLocked(id)
	}
	s.mu.Unlock()

	if len(fresh) > 0 {
		s.feed.Acquire(fresh)
	}

	h := newHandle(s, ids)
	metrics.ActiveHandles.Inc()
	return h, nil
}

// release is called by Handle.Release exactly once per handle.
func (s *Service) release(ids []string) {
	metrics.ActiveHandles.Dec()

	s.mu.Lock()
	var last []string
	for _, id := range ids {
		if s.refs[id] == 0 {
			continue
		}
		s.refs[id]--
		if s.refs[id] == 0 {
			delete(s.refs, id)
			last = append(last, id)
		}
	}

	for _, id := range last {
		if job, ok := s.fetches[id]; ok {
			job.cancel()
			delete(s.fetches, id)
		}
		if s.cfg.EvictionGrace <= 0 {
			s.evictLocked(id)
			continue
		}
		s.evictions[id] = time.AfterFunc(s.cfg.EvictionGrace, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, resubscribed := s.refs[id]; resubscribed {
				return
			}
			delete(s.evictions, id)
			s.evictLocked(id)
		})
	}
	s.mu.Unlock()

	// The feed must stop carrying these right away; only the store
	// eviction is grace-deferred. A resubscribe within the grace
	// re-acquires through the fresh path in Subscribe.
	if len(last) > 0 {
		s.feed.Release(last)
	}
}

// evictLocked drops an instrument's book from the store.
func (s *Service) evictLocked(id string) {
	s.store.Evict(id)
	s.logger.Debug("instrument evicted", "token_id", id)
}

// startFetchLocked launches the bootstrap snapshot fetch for one
// instrument. A prior in-flight fetch for the same id is superseded.
func (s *Service) startFetchLocked(id string) {
	if job, ok := s.fetches[id]; ok {
		job.cancel()
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SnapshotTimeout)
	s.fetchSeq++
	seq := s.fetchSeq
	s.fetches[id] = fetchJob{cancel: cancel, seq: seq}

	s.wg.Add(1)
	go s.fetchSnapshot(ctx, cancel, id, seq)
}

func (s *Service) fetchSnapshot(ctx context.Context, cancel context.CancelFunc, id string, seq uint64) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		if job, ok := s.fetches[id]; ok && job.seq == seq {
			delete(s.fetches, id)
		}
		s.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.SnapshotRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				s.logger.Debug("snapshot fetch cancelled", "token_id", id)
				return
			case <-time.After(s.cfg.RetryBackoff):
			}
		}

		b, err := s.fetcher.GetBook(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("snapshot fetch cancelled", "token_id", id)
				return
			}
			lastErr = err
			continue
		}

		metrics.SnapshotFetches.WithLabelValues("success").Inc()
		if !s.store.SeedIfUnseeded(id, b.BidLevels(), b.AskLevels()) {
			// A streamed full book landed first; it is fresher.
			s.logger.Debug("snapshot discarded", "token_id", id)
			return
		}
		s.logger.Debug("snapshot seeded",
			"token_id", id,
			"bids", len(b.Bids),
			"asks", len(b.Asks),
		)
		return
	}

	// The book stays tracked and keeps buffering deltas; a streamed
	// full-book event can still seed it.
	metrics.SnapshotFetches.WithLabelValues("failure").Inc()
	s.logger.Error("snapshot fetch failed",
		"token_id", id,
		"attempts", s.cfg.SnapshotRetries+1,
		"error", lastErr,
	)
}

// Best returns the current best bid and ask for an instrument.
func (s *Service) Best(tokenID string) (bid, ask book.Level, okBid, okAsk bool) {
	return s.store.Best(tokenID)
}

// Depth returns the top levels of both sides, capped by MaxDepthLevels.
func (s *Service) Depth(tokenID string) (bids, asks []book.Level) {
	return s.store.Depth(tokenID, s.cfg.MaxDepthLevels)
}

// Seeded reports whether an instrument's book has been seeded.
func (s *Service) Seeded(tokenID string) bool {
	return s.store.Seeded(tokenID)
}

// LastUpdated returns the time of the instrument's last book mutation.
func (s *Service) LastUpdated(tokenID string) time.Time {
	return s.store.LastUpdated(tokenID)
}

// ConnectionState returns the shared feed connection state.
func (s *Service) ConnectionState() feed.State {
	return s.feed.State()
}

// ConnectionStateChanges returns a channel of feed state transitions
// and a func that unregisters it, for staleness indication in
// consumers.
func (s *Service) ConnectionStateChanges() (<-chan feed.State, func()) {
	return s.feed.StateChanges()
}
