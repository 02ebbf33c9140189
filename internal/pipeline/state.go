package pipeline

import (
	"sort"
	"sync"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/scheduler"
)

// runState holds the counters of one run. The producer writes it and the
// consumer reads it to build a partial summary after cancellation.
type runState struct {
	mu        sync.Mutex
	kept      int
	filtered  int
	evaluated int
	results   map[int]deal.Result
}

func (s *runState) addKept() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kept++
	return s.kept + s.filtered
}

func (s *runState) addFiltered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filtered++
	return s.kept + s.filtered
}

func (s *runState) record(o scheduler.Outcome, evaluated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = evaluated
	if o.Result == nil {
		return
	}
	if s.results == nil {
		s.results = make(map[int]deal.Result)
	}
	s.results[o.Index] = *o.Result
}

// snapshot returns scanned, filtered and evaluated counts and the results
// gathered so far ordered by listing index.
func (s *runState) snapshot() (int, int, int, []deal.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := make([]int, 0, len(s.results))
	for i := range s.results {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	results := make([]deal.Result, 0, len(idx))
	for _, i := range idx {
		results = append(results, s.results[i])
	}
	return s.kept + s.filtered, s.filtered, s.evaluated, results
}
