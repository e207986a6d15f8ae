package conference

import (
	"sort"

	"github.com/riverine/focus/pkg/source"
)

// PreferenceAggregator computes the conference's effective codec ordering:
// the codecs supported by every current participant, ordered by the majority
// preference (lowest summed rank first). Consumers only react when the
// resulting list actually changes.
type PreferenceAggregator struct {
	preferences map[source.EndpointID][]string
	effective   []string
}

func NewPreferenceAggregator() *PreferenceAggregator {
	return &PreferenceAggregator{preferences: make(map[source.EndpointID][]string)}
}

// Update replaces a participant's codec preference and reports whether the
// effective ordering changed.
func (a *PreferenceAggregator) Update(id source.EndpointID, ordered []string) bool {
	a.preferences[id] = append([]string(nil), ordered...)
	return a.recompute()
}

// Remove drops a participant and reports whether the effective ordering
// changed.
func (a *PreferenceAggregator) Remove(id source.EndpointID) bool {
	if _, ok := a.preferences[id]; !ok {
		return false
	}
	delete(a.preferences, id)
	return a.recompute()
}

// Effective returns the current conference-wide ordering.
func (a *PreferenceAggregator) Effective() []string {
	return append([]string(nil), a.effective...)
}

func (a *PreferenceAggregator) recompute() bool {
	if len(a.preferences) == 0 {
		changed := len(a.effective) != 0
		a.effective = nil
		return changed
	}

	// Intersection of all participants' codec sets, with the summed rank of
	// each codec as the ordering key.
	rank := make(map[string]int)
	count := make(map[string]int)
	for _, ordered := range a.preferences {
		for i, codec := range ordered {
			rank[codec] += i
			count[codec]++
		}
	}

	var shared []string
	for codec, n := range count {
		if n == len(a.preferences) {
			shared = append(shared, codec)
		}
	}
	sort.Slice(shared, func(i, j int) bool {
		if rank[shared[i]] != rank[shared[j]] {
			return rank[shared[i]] < rank[shared[j]]
		}
		return shared[i] < shared[j]
	})

	if equalStrings(shared, a.effective) {
		return false
	}
	a.effective = shared
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
