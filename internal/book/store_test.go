package book

import (
	"sync"
	"testing"

	"github.com/mkarp/polybook/internal/price"
)

func seedLevels() (bids, asks []Level) {
	bids = []Level{level(520_000, 120_000_000), level(510_000, 30_000_000)}
	asks = []Level{level(540_000, 90_000_000), level(550_000, 60_000_000)}
	return bids, asks
}

func TestStore_SeedThenBest(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")

	bids, asks := seedLevels()
	s.Seed("111", bids, asks)

	if !s.Seeded("111") {
		t.Fatal("not seeded after Seed")
	}
	bid, ask, okBid, okAsk := s.Best("111")
	if !okBid || !okAsk {
		t.Fatalf("Best ok = %v/%v", okBid, okAsk)
	}
	if bid.Price != 520_000 || ask.Price != 540_000 {
		t.Errorf("best = %d/%d, want 520000/540000", bid.Price, ask.Price)
	}
	if s.LastUpdated("111").IsZero() {
		t.Error("LastUpdated zero after seed")
	}
}

func TestStore_DeltasBufferedUntilSeed(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")

	// Deltas before the snapshot must not surface.
	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 530_000, Size: 40_000_000})
	s.Apply(Delta{TokenID: "111", Side: SideAsk, Price: 540_000, Size: 0})

	if _, _, okBid, okAsk := s.Best("111"); okBid || okAsk {
		t.Fatal("levels visible before seed")
	}

	bids, asks := seedLevels()
	s.Seed("111", bids, asks)

	// Replay: new bid level added, the 540000 ask removed.
	bid, ask, _, _ := s.Best("111")
	if bid.Price != 530_000 {
		t.Errorf("best bid = %d, want 530000 (buffered delta)", bid.Price)
	}
	if ask.Price != 550_000 {
		t.Errorf("best ask = %d, want 550000 (540000 removed by buffered delta)", ask.Price)
	}
}

func TestStore_ReplayPreservesArrivalOrder(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")

	// Same price twice; the later value must win after replay.
	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 530_000, Size: 10_000_000})
	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 530_000, Size: 20_000_000})

	s.Seed("111", nil, nil)

	bid, _, okBid, _ := s.Best("111")
	if !okBid || bid.Size != 20_000_000 {
		t.Errorf("best bid = %+v ok=%v, want size 20000000", bid, okBid)
	}
}

func TestStore_SeedIfUnseeded(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")

	bids, asks := seedLevels()
	if !s.SeedIfUnseeded("111", bids, asks) {
		t.Fatal("first SeedIfUnseeded skipped")
	}
	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 530_000, Size: 40_000_000})

	// A stale snapshot must not displace the seeded book.
	if s.SeedIfUnseeded("111", []Level{level(500_000, 1_000_000)}, nil) {
		t.Fatal("SeedIfUnseeded overwrote a seeded book")
	}
	bid, _, okBid, _ := s.Best("111")
	if !okBid || bid.Price != 530_000 {
		t.Errorf("best bid = %d ok=%v, want 530000 intact", bid.Price, okBid)
	}

	if s.SeedIfUnseeded("999", bids, asks) {
		t.Error("SeedIfUnseeded accepted an untracked instrument")
	}
}

func TestStore_UntrackedDropped(t *testing.T) {
	s := NewStore(nil)

	// Neither call may create state for an untracked instrument.
	s.Apply(Delta{TokenID: "ghost", Side: SideBid, Price: 500_000, Size: 1_000_000})
	s.Seed("ghost", []Level{level(500_000, 1_000_000)}, nil)

	if s.Tracked("ghost") {
		t.Fatal("untracked instrument materialized")
	}
	if _, _, okBid, _ := s.Best("ghost"); okBid {
		t.Error("levels visible for untracked instrument")
	}
}

func TestStore_TrackResetsToUnseeded(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")
	s.Seed("111", []Level{level(520_000, 1_000_000)}, nil)

	// Re-track simulates a resubscribe: stale levels must vanish until a
	// fresh snapshot lands.
	s.Track("111")
	if s.Seeded("111") {
		t.Fatal("still seeded after re-track")
	}
	if _, _, okBid, _ := s.Best("111"); okBid {
		t.Error("stale levels visible after re-track")
	}
}

func TestStore_Evict(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")
	s.Seed("111", []Level{level(520_000, 1_000_000)}, nil)

	s.Evict("111")
	if s.Tracked("111") {
		t.Fatal("still tracked after evict")
	}
	if got := s.Instruments(); len(got) != 0 {
		t.Errorf("Instruments() = %v, want empty", got)
	}
}

func TestStore_PendingBufferOverflowDropsOldest(t *testing.T) {
	s := NewStore(nil)
	s.maxPending = 2
	s.Track("111")

	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 500_000, Size: 1_000_000})
	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 510_000, Size: 1_000_000})
	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 520_000, Size: 1_000_000})

	s.Seed("111", nil, nil)

	bids, _ := s.Depth("111", 0)
	if len(bids) != 2 {
		t.Fatalf("bids = %d, want 2 (oldest dropped)", len(bids))
	}
	if bids[0].Price != 520_000 || bids[1].Price != 510_000 {
		t.Errorf("surviving bids = %+v", bids)
	}
}

func TestStore_CrossedBookKeepsServing(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")
	s.Seed("111", []Level{level(520_000, 1_000_000)}, []Level{level(540_000, 1_000_000)})

	// A bid above the ask crosses the book; the store logs and carries on.
	s.Apply(Delta{TokenID: "111", Side: SideBid, Price: 550_000, Size: 1_000_000})

	bid, ask, okBid, okAsk := s.Best("111")
	if !okBid || !okAsk {
		t.Fatal("book stopped serving after cross")
	}
	if bid.Price != 550_000 || ask.Price != 540_000 {
		t.Errorf("best = %d/%d, want 550000/540000", bid.Price, ask.Price)
	}
}

func TestStore_DepthCopiesAreIndependent(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")
	bids, asks := seedLevels()
	s.Seed("111", bids, asks)

	got, _ := s.Depth("111", 1)
	if len(got) != 1 {
		t.Fatalf("Depth(1) = %d bids, want 1", len(got))
	}
	got[0].Size = 0

	bid, _, _, _ := s.Best("111")
	if bid.Size != 120_000_000 {
		t.Errorf("store mutated through Depth copy: %+v", bid)
	}
}

func TestStore_ConcurrentReadersAndWriters(t *testing.T) {
	s := NewStore(nil)
	s.Track("111")
	s.Seed("111", []Level{level(520_000, 1_000_000)}, []Level{level(540_000, 1_000_000)})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Apply(Delta{
					TokenID: "111",
					Side:    SideBid,
					Price:   price.Price(500_000 + w*1000 + i),
					Size:    1_000_000,
				})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Best("111")
				s.Depth("111", 5)
			}
		}()
	}
	wg.Wait()

	if _, _, okBid, _ := s.Best("111"); !okBid {
		t.Error("book empty after concurrent writes")
	}
}
