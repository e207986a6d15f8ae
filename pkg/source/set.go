package source

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// EndpointSourceSet is all sources and groups of one endpoint.
type EndpointSourceSet struct {
	Sources []Source
	Groups  []SsrcGroup
}

func (s EndpointSourceSet) IsEmpty() bool {
	return len(s.Sources) == 0 && len(s.Groups) == 0
}

// SSRCs returns the set of SSRCs present in the source list.
func (s EndpointSourceSet) SSRCs() map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(s.Sources))
	for _, src := range s.Sources {
		set[src.SSRC] = struct{}{}
	}
	return set
}

// HasSource reports whether an equal source is present.
func (s EndpointSourceSet) HasSource(source Source) bool {
	for _, existing := range s.Sources {
		if existing.Equal(source) {
			return true
		}
	}
	return false
}

// HasSSRC reports whether any source carries the given SSRC.
func (s EndpointSourceSet) HasSSRC(ssrc uint32) bool {
	for _, existing := range s.Sources {
		if existing.SSRC == ssrc {
			return true
		}
	}
	return false
}

// HasGroup reports whether an equal group is present.
func (s EndpointSourceSet) HasGroup(group SsrcGroup) bool {
	for _, existing := range s.Groups {
		if existing.Equal(group) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s EndpointSourceSet) Clone() EndpointSourceSet {
	clone := EndpointSourceSet{
		Sources: make([]Source, len(s.Sources)),
		Groups:  make([]SsrcGroup, len(s.Groups)),
	}
	for i, src := range s.Sources {
		src.Params = maps.Clone(src.Params)
		clone.Sources[i] = src
	}
	for i, group := range s.Groups {
		group.SSRCs = append([]uint32(nil), group.SSRCs...)
		clone.Groups[i] = group
	}
	return clone
}

// Union merges another set into a copy of this one, collapsing duplicates.
func (s EndpointSourceSet) Union(other EndpointSourceSet) EndpointSourceSet {
	result := s.Clone()
	for _, src := range other.Sources {
		if !result.HasSSRC(src.SSRC) {
			result.Sources = append(result.Sources, src)
		}
	}
	for _, group := range other.Groups {
		if !result.HasGroup(group) {
			result.Groups = append(result.Groups, group)
		}
	}
	return result
}

func (s EndpointSourceSet) String() string {
	parts := make([]string, 0, len(s.Sources)+len(s.Groups))
	for _, src := range s.Sources {
		parts = append(parts, src.String())
	}
	for _, group := range s.Groups {
		parts = append(parts, group.String())
	}
	sort.Strings(parts)
	return "[" + strings.Join(parts, " ") + "]"
}

// ConferenceSourceMap is the whole conference source state: owner endpoint to
// its sources and groups.
type ConferenceSourceMap map[EndpointID]EndpointSourceSet

// Clone returns a deep copy.
func (m ConferenceSourceMap) Clone() ConferenceSourceMap {
	clone := make(ConferenceSourceMap, len(m))
	for owner, set := range m {
		clone[owner] = set.Clone()
	}
	return clone
}

// Add merges the given set into the owner's entry.
func (m ConferenceSourceMap) Add(owner EndpointID, set EndpointSourceSet) {
	if existing, ok := m[owner]; ok {
		m[owner] = existing.Union(set)
	} else {
		m[owner] = set.Clone()
	}
}

// AddMap merges another conference map into this one.
func (m ConferenceSourceMap) AddMap(other ConferenceSourceMap) {
	for owner, set := range other {
		m.Add(owner, set)
	}
}

// RemoveMap removes the matching entries of another conference map, dropping
// owners that become empty.
func (m ConferenceSourceMap) RemoveMap(other ConferenceSourceMap) {
	for owner, toRemove := range other {
		existing, ok := m[owner]
		if !ok {
			continue
		}
		remaining := EndpointSourceSet{}
		for _, src := range existing.Sources {
			if !toRemove.HasSSRC(src.SSRC) {
				remaining.Sources = append(remaining.Sources, src)
			}
		}
		for _, group := range existing.Groups {
			if !toRemove.HasGroup(group) {
				remaining.Groups = append(remaining.Groups, group)
			}
		}
		if remaining.IsEmpty() {
			delete(m, owner)
		} else {
			m[owner] = remaining
		}
	}
}

// Without returns a copy with the given owners removed.
func (m ConferenceSourceMap) Without(owners ...EndpointID) ConferenceSourceMap {
	clone := m.Clone()
	for _, owner := range owners {
		delete(clone, owner)
	}
	return clone
}

// IsEmpty reports whether no owner has any source.
func (m ConferenceSourceMap) IsEmpty() bool {
	for _, set := range m {
		if !set.IsEmpty() {
			return false
		}
	}
	return true
}

func (m ConferenceSourceMap) String() string {
	owners := maps.Keys(m)
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	parts := make([]string, 0, len(owners))
	for _, owner := range owners {
		parts = append(parts, fmt.Sprintf("%s=%s", owner, m[owner]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Diff computes the set-wise difference between two conference maps: what has
// to be added to `old` and removed from it to arrive at `new`.
func Diff(old, new ConferenceSourceMap) (added, removed ConferenceSourceMap) {
	added = make(ConferenceSourceMap)
	removed = make(ConferenceSourceMap)

	for owner, newSet := range new {
		oldSet := old[owner]
		delta := EndpointSourceSet{}
		for _, src := range newSet.Sources {
			if !oldSet.HasSource(src) {
				delta.Sources = append(delta.Sources, src)
			}
		}
		for _, group := range newSet.Groups {
			if !oldSet.HasGroup(group) {
				delta.Groups = append(delta.Groups, group)
			}
		}
		if !delta.IsEmpty() {
			added[owner] = delta
		}
	}

	for owner, oldSet := range old {
		newSet := new[owner]
		delta := EndpointSourceSet{}
		for _, src := range oldSet.Sources {
			if !newSet.HasSource(src) {
				delta.Sources = append(delta.Sources, src)
			}
		}
		for _, group := range oldSet.Groups {
			if !newSet.HasGroup(group) {
				delta.Groups = append(delta.Groups, group)
			}
		}
		if !delta.IsEmpty() {
			removed[owner] = delta
		}
	}

	return added, removed
}
