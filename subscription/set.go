package subscription

import (
	"sort"
	"sync"
	"time"

	"polyflow/models"
)

// Diff is the minimal set of subscribe/unsubscribe actions needed to move the
// live connection from one subscription set to the next. Removals are always
// applied before additions to avoid transient over-subscription.
type Diff struct {
	Added   []models.Instrument
	Removed []models.Instrument
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Set is the canonical subscription set: every instrument the collector wants
// to be subscribed to on the live connection. It is mutated only by Apply and
// PruneExpired, and read wholesale by the connection manager on reconnect.
// A reconnect that races a diff observes either the pre- or post-diff set.
type Set struct {
	mu          sync.RWMutex
	instruments map[string]models.Instrument
}

func NewSet() *Set {
	return &Set{instruments: make(map[string]models.Instrument)}
}

// Apply reconciles a discovery snapshot against the current set. Instruments
// whose expiry has passed are removed even when the snapshot still reports
// them, and expired snapshot entries are never added. Applying the same
// snapshot twice yields an empty diff the second time.
func (s *Set) Apply(snapshot []models.Instrument, now time.Time) Diff {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]models.Instrument, len(snapshot))
	for _, inst := range snapshot {
		if inst.AssetID == "" || inst.Expired(now) {
			continue
		}
		next[inst.AssetID] = inst
	}

	var diff Diff
	for id, inst := range s.instruments {
		if _, ok := next[id]; !ok {
			diff.Removed = append(diff.Removed, inst)
		}
	}
	for id, inst := range next {
		if _, ok := s.instruments[id]; !ok {
			diff.Added = append(diff.Added, inst)
		}
	}

	s.instruments = next

	sortInstruments(diff.Removed)
	sortInstruments(diff.Added)
	return diff
}

// PruneExpired drops instruments whose expiry has passed. It covers ticks
// where discovery polling failed: markets keep resolving even when the
// catalog is unreachable.
func (s *Set) PruneExpired(now time.Time) []models.Instrument {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []models.Instrument
	for id, inst := range s.instruments {
		if inst.Expired(now) {
			removed = append(removed, inst)
			delete(s.instruments, id)
		}
	}
	sortInstruments(removed)
	return removed
}

// AssetIDs returns the subscribed asset ids in deterministic order. The
// connection manager replays exactly this list after every reconnect.
func (s *Set) AssetIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.instruments))
	for id := range s.instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup resolves an asset id to its instrument for inbound routing.
func (s *Set) Lookup(assetID string) (models.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[assetID]
	return inst, ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instruments)
}

// CountsByBucket reports how many instruments are tracked per bucket.
func (s *Set) CountsByBucket() map[models.Bucket]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Bucket]int)
	for _, inst := range s.instruments {
		counts[inst.Bucket]++
	}
	return counts
}

func sortInstruments(insts []models.Instrument) {
	sort.Slice(insts, func(i, j int) bool { return insts[i].AssetID < insts[j].AssetID })
}

// IDs extracts the asset ids from a list of instruments, preserving order.
func IDs(insts []models.Instrument) []string {
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.AssetID
	}
	return ids
}
