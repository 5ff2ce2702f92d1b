// Package feed maintains the single shared streaming connection to the
// CLOB market channel. All consumers' instrument subscriptions are
// multiplexed onto it; the manager owns the reconnect policy and
// reports connection state for UI indication.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mkarp/polybook/internal/book"
	"github.com/mkarp/polybook/internal/metrics"
	"github.com/mkarp/polybook/pkg/hashset"
)

// Sink receives parsed feed events. Implemented by the book store.
type Sink interface {
	// Seed replaces an instrument's book wholesale from a streamed
	// full-book event.
	Seed(tokenID string, bids, asks []book.Level)

	// Apply applies one replace-at-price delta.
	Apply(d book.Delta)
}

// Manager owns the one live (or live-attempting) feed connection per
// process. It is an explicit, constructible instance: build one, Start
// it, and hand it to consumers — there is no ambient global.
type Manager interface {
	// Start prepares the manager. No connection is opened until the
	// first Acquire.
	Start(ctx context.Context) error

	// Stop closes the connection and stops all background work.
	Stop(ctx context.Context) error

	// Acquire merges ids into the subscription set, dialing on the
	// first-ever acquisition and widening the subscribe frame otherwise.
	Acquire(tokenIDs []string)

	// Release removes ids whose last consumer is gone and narrows the
	// subscribe frame. The socket lingers briefly after the set empties.
	Release(tokenIDs []string)

	// State returns the current connection state.
	State() State

	// StateChanges registers a watcher and returns its channel plus a
	// func that unregisters it. Callers must call the func when done.
	StateChanges() (<-chan State, func())

	// Subscribed returns the current subscription set, sorted.
	Subscribed() []string
}

// ClientFactory builds the underlying websocket client. Tests swap in
// fakes.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithClientFactory overrides how connections are created.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *manager) {
		m.newClient = f
	}
}

type manager struct {
	cfg       ManagerConfig
	sink      Sink
	logger    *slog.Logger
	newClient ClientFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subs     hashset.Set[string]
	client   Client
	gen      uint64 // bumped per established connection; stale read loops detect supersession
	dialing  bool
	state    State
	watchers map[chan State]struct{}
	linger   *time.Timer
}

// NewManager creates a feed manager. The sink receives every parsed
// event; malformed messages are dropped and logged, never propagated.
func NewManager(cfg ManagerConfig, sink Sink, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:       cfg,
		sink:      sink,
		logger:    logger.With("component", "feed"),
		newClient: NewClient,
		subs:      hashset.New[string](),
		state:     StateDisconnected,
		watchers:  make(map[chan State]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start prepares the manager for use.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	return nil
}

// Stop closes the connection and waits for background goroutines.
func (m *manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	if m.linger != nil {
		m.linger.Stop()
		m.linger = nil
	}
	c := m.client
	m.client = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("feed manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("feed manager stop timed out")
		return ctx.Err()
	}
}

// Acquire merges ids into the subscription set.
func (m *manager) Acquire(tokenIDs []string) {
	m.mu.Lock()

	grew := false
	for _, id := range tokenIDs {
		if !m.subs.Contains(id) {
			m.subs.Add(id)
			grew = true
		}
	}
	metrics.SubscribedInstruments.Set(float64(m.subs.Len()))

	if m.linger != nil {
		m.linger.Stop()
		m.linger = nil
	}

	if !grew || m.ctx == nil {
		m.mu.Unlock()
		return
	}

	switch {
	case m.client != nil && m.state == StateConnected:
		c := m.client
		frame := m.frameLocked()
		m.mu.Unlock()
		m.send(c, frame)
	case m.dialing:
		// The connector sends the full set once connected.
		m.mu.Unlock()
	default:
		m.dialing = true
		m.wg.Add(1)
		go m.connect(0)
		m.mu.Unlock()
	}
}

// Release removes ids from the subscription set.
func (m *manager) Release(tokenIDs []string) {
	m.mu.Lock()

	shrank := false
	for _, id := range tokenIDs {
		if m.subs.Contains(id) {
			m.subs.Delete(id)
			shrank = true
		}
	}
	metrics.SubscribedInstruments.Set(float64(m.subs.Len()))

	if !shrank {
		m.mu.Unlock()
		return
	}

	if m.subs.Len() == 0 {
		// Keep the socket open briefly to absorb rapid resubscribe
		// churn from remounting widgets.
		if m.client != nil && m.linger == nil {
			gen := m.gen
			m.linger = time.AfterFunc(m.cfg.IdleLinger, func() {
				m.closeIdle(gen)
			})
		}
		m.mu.Unlock()
		return
	}

	if m.client != nil && m.state == StateConnected {
		c := m.client
		frame := m.frameLocked()
		m.mu.Unlock()
		m.send(c, frame)
		return
	}
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateChanges registers and returns a transition channel together with
// a func that unregisters it. Slow receivers miss transitions rather
// than blocking the manager.
func (m *manager) StateChanges() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan State, 16)
	m.watchers[ch] = struct{}{}
	return ch, func() {
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}
}

// Subscribed returns the current subscription set, sorted.
func (m *manager) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.subs.Values()
	sort.Strings(ids)
	return ids
}

// connect dials until a connection is established or the subscription
// set empties. delay is the wait before the first attempt (used when
// entering from the reconnecting state).
func (m *manager) connect(delay time.Duration) {
	defer m.wg.Done()

	backoff := m.cfg.ReconnectBaseDelay

	for {
		if delay > 0 {
			select {
			case <-m.ctx.Done():
				m.finishDialing()
				return
			case <-time.After(delay):
			}
		}

		if m.ctx.Err() != nil {
			m.finishDialing()
			return
		}

		m.mu.Lock()
		if m.subs.Len() == 0 {
			m.dialing = false
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		clientCfg := m.cfg.Client
		clientCfg.URL = m.cfg.URL
		c := m.newClient(clientCfg, m.logger)

		if err := c.Connect(m.ctx); err != nil {
			m.logger.Warn("feed dial failed", "error", err, "retry_in", backoff)
			metrics.FeedReconnects.Inc()

			m.mu.Lock()
			m.setStateLocked(StateReconnecting)
			m.mu.Unlock()

			delay = backoff
			backoff *= 2
			if backoff > m.cfg.ReconnectMaxDelay {
				backoff = m.cfg.ReconnectMaxDelay
			}
			continue
		}

		m.mu.Lock()
		m.dialing = false
		m.client = c
		m.gen++
		gen := m.gen
		m.setStateLocked(StateConnected)
		frame := m.frameLocked()
		m.mu.Unlock()

		// The server holds no subscription memory across reconnects;
		// always send the full current set.
		m.send(c, frame)

		m.wg.Add(1)
		go m.readLoop(c, gen)
		return
	}
}

func (m *manager) finishDialing() {
	m.mu.Lock()
	m.dialing = false
	m.mu.Unlock()
}

// readLoop consumes one connection until it fails or is superseded.
func (m *manager) readLoop(c Client, gen uint64) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case err := <-c.Errors():
			m.logger.Warn("feed connection error", "error", err)
			m.handleDisconnect(c, gen)
			return

		case msg, ok := <-c.Messages():
			if !ok {
				m.handleDisconnect(c, gen)
				return
			}
			m.handleRaw(msg.Data)
		}
	}
}

// handleDisconnect transitions to reconnecting (or disconnected when
// nothing is subscribed) after an unexpected close.
func (m *manager) handleDisconnect(c Client, gen uint64) {
	c.Close()

	m.mu.Lock()
	if m.gen != gen || m.client != c {
		// A newer connection took over already.
		m.mu.Unlock()
		return
	}
	m.client = nil

	if m.subs.Len() == 0 {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}

	metrics.FeedReconnects.Inc()
	m.setStateLocked(StateReconnecting)
	m.dialing = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.connect(m.cfg.ReconnectBaseDelay)
}

// closeIdle closes the connection after the idle linger expires, unless
// something resubscribed or a newer connection exists.
func (m *manager) closeIdle(gen uint64) {
	m.mu.Lock()
	m.linger = nil
	if m.gen != gen || m.subs.Len() > 0 {
		m.mu.Unlock()
		return
	}
	c := m.client
	m.client = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

// frameLocked builds the subscribe frame for the full current set.
func (m *manager) frameLocked() subscribeFrame {
	ids := m.subs.Values()
	sort.Strings(ids)
	dump := m.cfg.InitialDump
	return subscribeFrame{
		AssetsIDs:   ids,
		Type:        "market",
		InitialDump: &dump,
	}
}

func (m *manager) send(c Client, frame subscribeFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("marshal subscribe frame", "error", err)
		return
	}
	if err := c.Send(data); err != nil {
		// The read loop notices the broken connection and reconnects.
		m.logger.Warn("send subscribe frame", "error", err)
		return
	}
	m.logger.Debug("sent subscribe frame", "instruments", len(frame.AssetsIDs))
}

// setStateLocked transitions the state machine and notifies watchers.
func (m *manager) setStateLocked(st State) {
	if m.state == st {
		return
	}
	m.state = st
	metrics.ConnectionState.Set(float64(st))
	m.logger.Info("feed state changed", "state", st.String())

	for ch := range m.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

// handleRaw parses one inbound message and forwards its events to the
// sink. Malformed payloads are dropped and logged.
func (m *manager) handleRaw(data []byte) {
	raws, err := splitEvents(data)
	if err != nil {
		metrics.MalformedMessages.Inc()
		m.logger.Warn("malformed feed message", "error", err)
		return
	}

	for _, raw := range raws {
		m.handleEvent(raw)
	}
}

func (m *manager) handleEvent(raw []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.MalformedMessages.Inc()
		m.logger.Warn("malformed feed event", "error", err)
		return
	}

	switch env.EventType {
	case eventBook:
		var ev bookEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.AssetID == "" {
			metrics.MalformedMessages.Inc()
			m.logger.Warn("malformed book event", "error", err)
			return
		}
		m.sink.Seed(ev.AssetID, ev.bidLevels(), ev.askLevels())

	case eventPriceChange:
		var ev priceChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			metrics.MalformedMessages.Inc()
			m.logger.Warn("malformed price_change event", "error", err)
			return
		}
		deltas, err := ev.deltas()
		if err != nil {
			metrics.MalformedMessages.Inc()
			m.logger.Warn("malformed price_change event", "error", err)
		}
		for _, d := range deltas {
			m.sink.Apply(d)
		}

	case eventTickSizeChange, eventLastTradePrice, eventBestBidAsk:
		// Informational; the depth read-model derives these itself.
		m.logger.Debug("ignoring feed event", "event_type", env.EventType)

	default:
		metrics.MalformedMessages.Inc()
		m.logger.Warn("unknown feed event", "event_type", env.EventType)
	}
}
