// Package outputstore implements the Output Store: a
// per-run map of (checkId, scope) -> latest ReviewSummary, plus an
// ordered per-check history across loops and a "-raw" aggregate alias
// for forEach producers.
package outputstore

import (
	"sort"
	"sync"

	"github.com/visor-run/visor/internal/domain"
)

type key struct {
	checkID string
	scope   domain.Scope
}

// Store is safe for concurrent use; Put is serialized per (checkId,
// scope) key.
type Store struct {
	mu       sync.RWMutex
	latest   map[key]domain.ReviewSummary
	history  map[string][]domain.ReviewSummary // keyed by checkID, all scopes, insertion order
	rawAgg   map[string]domain.ReviewSummary   // keyed by checkID, the pre-fan-out aggregate
	historyN map[string]int                     // optional per-check history cap, 0 = unbounded
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		latest:   make(map[key]domain.ReviewSummary),
		history:  make(map[string][]domain.ReviewSummary),
		rawAgg:   make(map[string]domain.ReviewSummary),
		historyN: make(map[string]int),
	}
}

// SetHistoryLimit caps how many entries history(checkID) retains,
// oldest dropped first; 0 (the default) keeps every entry for the run.
func (s *Store) SetHistoryLimit(checkID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyN[checkID] = n
}

// Put atomically sets the latest value for (checkID, scope) and appends
// it to checkID's history. isForEachProducer marks summaries that also
// become the "-raw" aggregate for downstream `outputs_raw` lookups.
func (s *Store) Put(checkID string, scope domain.Scope, summary domain.ReviewSummary, isForEachProducer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[key{checkID, scope}] = summary

	s.history[checkID] = append(s.history[checkID], summary)
	if limit := s.historyN[checkID]; limit > 0 && len(s.history[checkID]) > limit {
		s.history[checkID] = s.history[checkID][len(s.history[checkID])-limit:]
	}

	if isForEachProducer && scope.IsRoot() {
		s.rawAgg[checkID] = summary
	}
}

// PutItemValue binds one forEach item's individual value under
// (checkID, scope) for its child iteration scope,
// without recording it in checkID's global history or "-raw" aggregate:
// a dependent resolving its producer dependency at that exact scope
// must see only its own element, never the whole array, while
// GetLatest/History/Raw keep reflecting the producer's own completions.
func (s *Store) PutItemValue(checkID string, scope domain.Scope, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[key{checkID, scope}] = domain.ReviewSummary{Output: value}
}

// Get returns the last-written value for (checkID, scope).
func (s *Store) Get(checkID string, scope domain.Scope) (domain.ReviewSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.latest[key{checkID, scope}]
	return v, ok
}

// GetLatest returns the most recently written value for checkID across
// any scope (last-writer-wins).
func (s *Store) GetLatest(checkID string) (domain.ReviewSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[checkID]
	if len(h) == 0 {
		return domain.ReviewSummary{}, false
	}
	return h[len(h)-1], true
}

// Raw returns the pre-fan-out aggregate value for a forEach producer;
// for checks that never fan out, it is identical to GetLatest.
func (s *Store) Raw(checkID string) (domain.ReviewSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.rawAgg[checkID]; ok {
		return v, true
	}
	h := s.history[checkID]
	if len(h) == 0 {
		return domain.ReviewSummary{}, false
	}
	return h[len(h)-1], true
}

// History returns the ordered list of every ReviewSummary ever put for
// checkID, across all scopes and loops, in completion order.
func (s *Store) History(checkID string) []domain.ReviewSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReviewSummary, len(s.history[checkID]))
	copy(out, s.history[checkID])
	return out
}

// HistoryForScope returns the latest value put under exactly this
// scope, as a slice of zero or one entries; earlier values written at
// the same scope are not kept per scope. The Dispatcher concatenates it
// across sibling iterations to build `outputs_history[dependent]`.
func (s *Store) HistoryForScope(checkID string, scope domain.Scope) []domain.ReviewSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ReviewSummary
	for k, v := range s.latest {
		if k.checkID == checkID && k.scope == scope {
			out = append(out, v)
		}
	}
	return out
}

// ScopesFor returns every scope a checkID has ever been put under,
// sorted lexically, used by the Dispatcher to gather a dependency's
// history across sibling forEach iterations.
func (s *Store) ScopesFor(checkID string) []domain.Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[domain.Scope]bool{}
	var out []domain.Scope
	for k := range s.latest {
		if k.checkID == checkID && !seen[k.scope] {
			seen[k.scope] = true
			out = append(out, k.scope)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
