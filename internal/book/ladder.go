package book

import (
	"github.com/google/btree"

	"github.com/mkarp/polybook/internal/price"
)

// lessDesc orders bids highest price first.
func lessDesc(a, b Level) bool { return a.Price > b.Price }

// lessAsc orders asks lowest price first.
func lessAsc(a, b Level) bool { return a.Price < b.Price }

// Ladder holds one side's price levels sorted so that the best price is
// the tree minimum: descending for bids, ascending for asks. A price
// appears at most once; a level with size <= 0 does not exist.
type Ladder struct {
	tree *btree.BTreeG[Level]
}

func NewLadder(side Side) *Ladder {
	if side == SideBid {
		return &Ladder{tree: btree.NewG(32, lessDesc)}
	}
	return &Ladder{tree: btree.NewG(32, lessAsc)}
}

// Set replaces the size at a price. Size <= 0 removes the level.
func (l *Ladder) Set(p price.Price, s price.Size) {
	if s <= 0 {
		l.tree.Delete(Level{Price: p})
		return
	}
	l.tree.ReplaceOrInsert(Level{Price: p, Size: s})
}

// Replace discards all levels and installs the given ones. Levels with
// size <= 0 are skipped; duplicate prices keep the last occurrence.
func (l *Ladder) Replace(levels []Level) {
	l.tree.Clear(false)
	for _, lvl := range levels {
		l.Set(lvl.Price, lvl.Size)
	}
}

// Best returns the top of the ladder: highest bid or lowest ask.
func (l *Ladder) Best() (Level, bool) {
	return l.tree.Min()
}

// TopN copies out up to n levels from the top. n <= 0 returns all.
func (l *Ladder) TopN(n int) []Level {
	if n <= 0 || n > l.tree.Len() {
		n = l.tree.Len()
	}
	levels := make([]Level, 0, n)
	l.tree.Ascend(func(lvl Level) bool {
		levels = append(levels, lvl)
		return len(levels) < n
	})
	return levels
}

// Len returns the number of levels.
func (l *Ladder) Len() int {
	return l.tree.Len()
}
