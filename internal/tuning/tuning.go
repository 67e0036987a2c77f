// Package tuning holds process-wide retrieval knobs that can be changed at
// runtime without a restart.
package tuning

import (
	"fmt"
	"sync"

	"github.com/spacesai/spaces-engine/internal/domain"
)

const (
	maxTopK          = 1000
	maxProbes        = 10_000
	maxNumCandidates = 1_000_000
)

// Tuning is a thread-safe container for hot-swappable knobs. ANN probes and
// the candidate pool size are optional; zero means unset and defers to
// static configuration.
type Tuning struct {
	mu               sync.RWMutex
	defaultTopK      int
	annProbes        int
	annNumCandidates int
}

// New creates a Tuning seeded with the configured defaults. Out-of-range
// seeds are clamped rather than rejected; only runtime updates fail loudly.
func New(defaultTopK, annProbes, annNumCandidates int) *Tuning {
	if defaultTopK < 1 {
		defaultTopK = 25
	}
	if defaultTopK > maxTopK {
		defaultTopK = maxTopK
	}
	if annProbes < 0 {
		annProbes = 0
	}
	if annNumCandidates < 0 {
		annNumCandidates = 0
	}
	return &Tuning{
		defaultTopK:      defaultTopK,
		annProbes:        annProbes,
		annNumCandidates: annNumCandidates,
	}
}

// DefaultTopK returns the current default result count.
func (t *Tuning) DefaultTopK() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultTopK
}

// SetDefaultTopK updates the default result count, bounds 1..1000.
func (t *Tuning) SetDefaultTopK(v int) error {
	if v < 1 || v > maxTopK {
		return domain.InvalidArgument(fmt.Sprintf("default_top_k must be in 1..%d", maxTopK), nil)
	}
	t.mu.Lock()
	t.defaultTopK = v
	t.mu.Unlock()
	return nil
}

// ANNProbes returns the per-transaction probe count and whether it is set.
func (t *Tuning) ANNProbes() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.annProbes, t.annProbes > 0
}

// SetANNProbes updates the probe count, bounds 1..10000. Zero clears it.
func (t *Tuning) SetANNProbes(v int) error {
	if v < 0 || v > maxProbes {
		return domain.InvalidArgument(fmt.Sprintf("ann_probes must be in 1..%d", maxProbes), nil)
	}
	t.mu.Lock()
	t.annProbes = v
	t.mu.Unlock()
	return nil
}

// ANNNumCandidates returns the KNN candidate pool size and whether it is set.
func (t *Tuning) ANNNumCandidates() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.annNumCandidates, t.annNumCandidates > 0
}

// SetANNNumCandidates updates the candidate pool size, bounds 1..1000000.
// Zero clears it.
func (t *Tuning) SetANNNumCandidates(v int) error {
	if v < 0 || v > maxNumCandidates {
		return domain.InvalidArgument(fmt.Sprintf("ann_num_candidates must be in 1..%d", maxNumCandidates), nil)
	}
	t.mu.Lock()
	t.annNumCandidates = v
	t.mu.Unlock()
	return nil
}

// Snapshot captures all knobs at once for the runtime-config API.
type Snapshot struct {
	DefaultTopK      int
	ANNProbes        int
	ANNNumCandidates int
}

// Snapshot returns a consistent view of all knobs.
func (t *Tuning) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		DefaultTopK:      t.defaultTopK,
		ANNProbes:        t.annProbes,
		ANNNumCandidates: t.annNumCandidates,
	}
}
