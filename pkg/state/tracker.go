package state

import (
	"sync"

	"github.com/canopy-network/statex/pkg/db/models"
)

// Tracker records what one evaluation read: the dependent keys in first-read order and the
// newest block of any row it saw. Deleted events and null transformations count as rows.
type Tracker struct {
	mu      sync.Mutex
	seen    map[models.DependentKey]struct{}
	deps    []models.DependentKey
	latest  models.Block
	dynamic bool
}

func NewTracker() *Tracker {
	return &Tracker{seen: map[models.DependentKey]struct{}{}}
}

func (t *Tracker) Add(d models.DependentKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[d]; ok {
		return
	}
	t.seen[d] = struct{}{}
	t.deps = append(t.deps, d)
}

// Observe notes a row read at block b.
func (t *Tracker) Observe(b models.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b.Height > t.latest.Height {
		t.latest = b
	}
}

func (t *Tracker) Dependencies() []models.DependentKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.DependentKey(nil), t.deps...)
}

// LatestBlock is the newest block observed, or the zero block when nothing was read.
func (t *Tracker) LatestBlock() models.Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// MarkDynamic flags the evaluation as depending on something other than chain state, such as
// the wall clock. Its result must not be cached.
func (t *Tracker) MarkDynamic() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dynamic = true
}

func (t *Tracker) Dynamic() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dynamic
}
