package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mkarp/polybook/internal/book"
)

// fakeClient is a scriptable Client for manager tests.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte

	connectErr error
	messages   chan TimestampedMessage
	errorsCh   chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(chan TimestampedMessage, 64),
		errorsCh: make(chan error, 4),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errorsCh }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) push(data string) {
	c.messages <- TimestampedMessage{Data: []byte(data), ReceivedAt: time.Now()}
}

func (c *fakeClient) fail(err error) {
	c.errorsCh <- err
}

func (c *fakeClient) lastFrame(t *testing.T) subscribeFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("no frames sent")
	}
	var frame subscribeFrame
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

// fakeFactory hands out fakeClients and optionally fails the first N dials.
type fakeFactory struct {
	mu       sync.Mutex
	clients  []*fakeClient
	failures int
}

func (f *fakeFactory) new(cfg ClientConfig, logger *slog.Logger) Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeClient()
	if f.failures > 0 {
		f.failures--
		c.connectErr = errors.New("dial refused")
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 {
		i = len(f.clients) + i
	}
	if i < 0 || i >= len(f.clients) {
		return nil
	}
	return f.clients[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// recordingSink records everything forwarded by the manager.
type recordingSink struct {
	mu     sync.Mutex
	seeds  []string
	deltas []book.Delta
}

func (s *recordingSink) Seed(tokenID string, bids, asks []book.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds = append(s.seeds, tokenID)
}

func (s *recordingSink) Apply(d book.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, d)
}

func (s *recordingSink) deltaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deltas)
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = "ws://test.invalid/ws/market"
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.IdleLinger = 10 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func startManager(t *testing.T, factory *fakeFactory, sink Sink) Manager {
	t.Helper()
	if sink == nil {
		sink = &recordingSink{}
	}
	m := NewManager(testManagerConfig(), sink, nil, WithClientFactory(factory.new))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func TestManager_FirstAcquireOpensConnection(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, factory, nil)

	if got := m.State(); got != StateDisconnected {
		t.Fatalf("state before acquire = %v, want disconnected", got)
	}

	m.Acquire([]string{"tok-a"})

	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	frame := factory.client(0).lastFrame(t)
	if frame.Type != "market" {
		t.Errorf("frame type = %q, want market", frame.Type)
	}
	if !reflect.DeepEqual(frame.AssetsIDs, []string{"tok-a"}) {
		t.Errorf("frame assets = %v, want [tok-a]", frame.AssetsIDs)
	}
}

func TestManager_AcquireWidensSubscribeFrame(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, factory, nil)

	m.Acquire([]string{"tok-b"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	m.Acquire([]string{"tok-a"})
	waitFor(t, time.Second, func() bool {
		c := factory.client(0)
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.sent) >= 2
	})

	frame := factory.client(0).lastFrame(t)
	if !reflect.DeepEqual(frame.AssetsIDs, []string{"tok-a", "tok-b"}) {
		t.Errorf("frame assets = %v, want [tok-a tok-b]", frame.AssetsIDs)
	}

	// Re-acquiring an already-subscribed id sends nothing new.
	m.Acquire([]string{"tok-a"})
	time.Sleep(20 * time.Millisecond)
	c := factory.client(0)
	c.mu.Lock()
	sent := len(c.sent)
	c.mu.Unlock()
	if sent != 2 {
		t.Errorf("frames sent = %d, want 2", sent)
	}
}

func TestManager_ReleaseNarrowsSubscribeFrame(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, factory, nil)

	m.Acquire([]string{"tok-a", "tok-b"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	m.Release([]string{"tok-b"})
	waitFor(t, time.Second, func() bool {
		c := factory.client(0)
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.sent) >= 2
	})

	frame := factory.client(0).lastFrame(t)
	if !reflect.DeepEqual(frame.AssetsIDs, []string{"tok-a"}) {
		t.Errorf("frame assets = %v, want [tok-a]", frame.AssetsIDs)
	}
	if got := m.Subscribed(); !reflect.DeepEqual(got, []string{"tok-a"}) {
		t.Errorf("Subscribed() = %v, want [tok-a]", got)
	}
}

func TestManager_IdleLingerThenClose(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, factory, nil)

	m.Acquire([]string{"tok-a"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	m.Release([]string{"tok-a"})

	// Still connected within the linger window.
	if got := m.State(); got != StateConnected {
		t.Fatalf("state right after release = %v, want connected", got)
	}

	waitFor(t, time.Second, func() bool { return m.State() == StateDisconnected })
	if factory.client(0).IsConnected() {
		t.Error("connection still open after linger expired")
	}
}

func TestManager_ResubscribeWithinLingerKeepsConnection(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, factory, nil)

	m.Acquire([]string{"tok-a"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	m.Release([]string{"tok-a"})
	m.Acquire([]string{"tok-a"})

	time.Sleep(50 * time.Millisecond)
	if got := m.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	if factory.count() != 1 {
		t.Errorf("connections dialed = %d, want 1", factory.count())
	}
}

func TestManager_ReconnectResendsFullSet(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, factory, nil)

	m.Acquire([]string{"tok-a", "tok-b"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	factory.client(0).fail(errors.New("connection reset"))

	waitFor(t, time.Second, func() bool {
		return factory.count() >= 2 && m.State() == StateConnected
	})

	frame := factory.client(1).lastFrame(t)
	if !reflect.DeepEqual(frame.AssetsIDs, []string{"tok-a", "tok-b"}) {
		t.Errorf("resubscribe frame = %v, want [tok-a tok-b]", frame.AssetsIDs)
	}
}

func TestManager_StateNeverSkipsReconnecting(t *testing.T) {
	factory := &fakeFactory{}
	sink := &recordingSink{}
	m := NewManager(testManagerConfig(), sink, nil, WithClientFactory(factory.new))
	states, stopWatch := m.StateChanges()
	defer stopWatch()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	m.Acquire([]string{"tok-a"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	// Repeated unexpected closures.
	for i := 0; i < 3; i++ {
		factory.client(-1).fail(errors.New("connection reset"))
		waitFor(t, time.Second, func() bool {
			return factory.count() >= i+2 && m.State() == StateConnected
		})
	}

	var seen []State
drain:
	for {
		select {
		case st := <-states:
			seen = append(seen, st)
		default:
			break drain
		}
	}

	prev := StateDisconnected
	for _, st := range seen {
		if prev == StateConnected && st == StateDisconnected {
			t.Fatalf("illegal transition connected -> disconnected (history: %v)", seen)
		}
		if prev == StateConnected && st != StateReconnecting {
			t.Fatalf("transition out of connected must enter reconnecting, got %v (history: %v)", st, seen)
		}
		prev = st
	}
}

func TestManager_StateChangesUnregister(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, factory, nil)

	_, stop1 := m.StateChanges()
	_, stop2 := m.StateChanges()
	stop1()
	stop1() // double stop is harmless
	stop2()

	mgr := m.(*manager)
	mgr.mu.Lock()
	n := len(mgr.watchers)
	mgr.mu.Unlock()
	if n != 0 {
		t.Errorf("registered watchers after unregister = %d, want 0", n)
	}
}

func TestManager_DialFailureBacksOffThenConnects(t *testing.T) {
	factory := &fakeFactory{failures: 2}
	m := startManager(t, factory, nil)

	m.Acquire([]string{"tok-a"})
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected })

	if factory.count() != 3 {
		t.Errorf("dial attempts = %d, want 3", factory.count())
	}
}

func TestManager_RoutesBookAndPriceChange(t *testing.T) {
	factory := &fakeFactory{}
	sink := &recordingSink{}
	m := startManager(t, factory, sink)

	m.Acquire([]string{"111"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	c := factory.client(0)
	c.push(`{"event_type":"book","asset_id":"111","market":"0xabc","timestamp":"1700000000000","hash":"h1","bids":[{"price":"0.52","size":"120"}],"asks":[{"price":"0.54","size":"90"}]}`)
	c.push(`{"event_type":"price_change","asset_id":"111","price":"0.53","size":"40","side":"BUY"}`)

	waitFor(t, time.Second, func() bool { return sink.deltaCount() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !reflect.DeepEqual(sink.seeds, []string{"111"}) {
		t.Errorf("seeds = %v, want [111]", sink.seeds)
	}
	d := sink.deltas[0]
	if d.TokenID != "111" || d.Side != book.SideBid || d.Price != 530_000 || d.Size != 40_000_000 {
		t.Errorf("unexpected delta: %+v", d)
	}
}

func TestManager_RoutesBatchedPriceChanges(t *testing.T) {
	factory := &fakeFactory{}
	sink := &recordingSink{}
	m := startManager(t, factory, sink)

	m.Acquire([]string{"111"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	factory.client(0).push(`{"event_type":"price_change","asset_id":"111","changes":[{"price":"0.53","size":"40","side":"BUY"},{"price":"0.55","size":"0","side":"SELL"}]}`)

	waitFor(t, time.Second, func() bool { return sink.deltaCount() == 2 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.deltas[0].Side != book.SideBid || sink.deltas[1].Side != book.SideAsk {
		t.Errorf("unexpected delta sides: %+v", sink.deltas)
	}
	if sink.deltas[1].Size != 0 {
		t.Errorf("second delta size = %d, want 0", sink.deltas[1].Size)
	}
}

func TestManager_MalformedMessagesDropped(t *testing.T) {
	factory := &fakeFactory{}
	sink := &recordingSink{}
	m := startManager(t, factory, sink)

	m.Acquire([]string{"111"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	c := factory.client(0)
	c.push(`not json at all`)
	c.push(`{"event_type":"wat"}`)
	c.push(`{"event_type":"price_change","asset_id":"111","price":"0.5","size":"1","side":"SIDEWAYS"}`)
	c.push(`{"event_type":"price_change","asset_id":"111","price":"0.53","size":"40","side":"BUY"}`)

	// The valid trailing delta still gets through.
	waitFor(t, time.Second, func() bool { return sink.deltaCount() == 1 })

	if got := m.State(); got != StateConnected {
		t.Errorf("state after malformed input = %v, want connected", got)
	}
}

func TestManager_EventArrayFraming(t *testing.T) {
	factory := &fakeFactory{}
	sink := &recordingSink{}
	m := startManager(t, factory, sink)

	m.Acquire([]string{"111"})
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	factory.client(0).push(`[{"event_type":"price_change","asset_id":"111","price":"0.51","size":"5","side":"BUY"},{"event_type":"price_change","asset_id":"111","price":"0.56","size":"7","side":"SELL"}]`)

	waitFor(t, time.Second, func() bool { return sink.deltaCount() == 2 })
}
