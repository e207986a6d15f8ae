package source

import "fmt"

// Limits caps how many sources and groups a single endpoint may signal.
type Limits struct {
	MaxSsrcsPerEndpoint  int
	MaxGroupsPerEndpoint int
}

// DefaultLimits mirrors the values commonly deployed: enough for audio, video
// with three simulcast layers plus RTX, and a screen share.
var DefaultLimits = Limits{
	MaxSsrcsPerEndpoint:  20,
	MaxGroupsPerEndpoint: 20,
}

// Graph is the conference-wide source state. It maintains the invariants:
// SSRC uniqueness across endpoints, group closure within an endpoint and media
// kind, and per-endpoint limits. All mutations happen on the owning
// conference's single-writer queue, so the graph itself is not synchronized.
type Graph struct {
	limits    Limits
	endpoints ConferenceSourceMap
	// owners indexes every SSRC in the graph by its owning endpoint.
	owners map[uint32]EndpointID
}

func NewGraph(limits Limits) *Graph {
	if limits.MaxSsrcsPerEndpoint <= 0 {
		limits.MaxSsrcsPerEndpoint = DefaultLimits.MaxSsrcsPerEndpoint
	}
	if limits.MaxGroupsPerEndpoint <= 0 {
		limits.MaxGroupsPerEndpoint = DefaultLimits.MaxGroupsPerEndpoint
	}
	return &Graph{
		limits:    limits,
		endpoints: make(ConferenceSourceMap),
		owners:    make(map[uint32]EndpointID),
	}
}

// TryAdd validates and applies an addition for one endpoint. Sources already
// present for the same endpoint are collapsed silently; sources owned by
// another endpoint reject the whole operation. The returned set is the subset
// actually added (empty if everything was already present). Validation happens
// before any mutation, so a rejection never leaves partial state.
func (g *Graph) TryAdd(endpoint EndpointID, set EndpointSourceSet) (EndpointSourceSet, error) {
	existing := g.endpoints[endpoint]

	added := EndpointSourceSet{}
	for _, src := range set.Sources {
		owner, taken := g.owners[src.SSRC]
		if taken && owner != endpoint {
			return EndpointSourceSet{}, &ValidationError{
				Reason: SsrcConflict,
				Detail: fmt.Sprintf("ssrc %d is already owned by %s", src.SSRC, owner),
			}
		}
		if taken || added.HasSSRC(src.SSRC) {
			continue // duplicate within the endpoint, collapse silently
		}
		added.Sources = append(added.Sources, src)
	}
	for _, group := range set.Groups {
		if existing.HasGroup(group) || added.HasGroup(group) {
			continue
		}
		added.Groups = append(added.Groups, group)
	}

	if len(existing.Sources)+len(added.Sources) > g.limits.MaxSsrcsPerEndpoint {
		return EndpointSourceSet{}, &ValidationError{
			Reason: SsrcLimitExceeded,
			Detail: fmt.Sprintf("%s would have %d sources, limit is %d",
				endpoint, len(existing.Sources)+len(added.Sources), g.limits.MaxSsrcsPerEndpoint),
		}
	}
	if len(existing.Groups)+len(added.Groups) > g.limits.MaxGroupsPerEndpoint {
		return EndpointSourceSet{}, &ValidationError{
			Reason: SsrcLimitExceeded,
			Detail: fmt.Sprintf("%s would have %d groups, limit is %d",
				endpoint, len(existing.Groups)+len(added.Groups), g.limits.MaxGroupsPerEndpoint),
		}
	}

	// Group closure is checked against the would-be endpoint set.
	wouldBe := existing.Union(added)
	for _, group := range wouldBe.Groups {
		for _, ssrc := range group.SSRCs {
			if !g.hasSourceOfKind(wouldBe, ssrc, group.MediaType) {
				return EndpointSourceSet{}, &ValidationError{
					Reason: GroupInconsistent,
					Detail: fmt.Sprintf("group %s references ssrc %d which is not a %s source of %s",
						group, ssrc, group.MediaType, endpoint),
				}
			}
		}
	}

	g.endpoints[endpoint] = wouldBe
	for _, src := range added.Sources {
		g.owners[src.SSRC] = endpoint
	}
	return added, nil
}

func (g *Graph) hasSourceOfKind(set EndpointSourceSet, ssrc uint32, media MediaType) bool {
	for _, src := range set.Sources {
		if src.SSRC == ssrc && src.MediaType == media {
			return true
		}
	}
	return false
}

// TryRemove removes matching entries for one endpoint and returns the subset
// actually removed. Groups orphaned by the removal (some member SSRC no longer
// present) are removed as a whole and included in the result.
func (g *Graph) TryRemove(endpoint EndpointID, set EndpointSourceSet) EndpointSourceSet {
	existing, ok := g.endpoints[endpoint]
	if !ok {
		return EndpointSourceSet{}
	}

	removed := EndpointSourceSet{}
	remaining := EndpointSourceSet{}
	for _, src := range existing.Sources {
		if set.HasSSRC(src.SSRC) {
			removed.Sources = append(removed.Sources, src)
		} else {
			remaining.Sources = append(remaining.Sources, src)
		}
	}
	for _, group := range existing.Groups {
		if set.HasGroup(group) {
			removed.Groups = append(removed.Groups, group)
			continue
		}
		orphaned := false
		for _, ssrc := range group.SSRCs {
			if !remaining.HasSSRC(ssrc) {
				orphaned = true
				break
			}
		}
		if orphaned {
			removed.Groups = append(removed.Groups, group)
		} else {
			remaining.Groups = append(remaining.Groups, group)
		}
	}

	if remaining.IsEmpty() {
		delete(g.endpoints, endpoint)
	} else {
		g.endpoints[endpoint] = remaining
	}
	for _, src := range removed.Sources {
		delete(g.owners, src.SSRC)
	}
	return removed
}

// RemoveEndpoint atomically removes all sources and groups of one endpoint.
func (g *Graph) RemoveEndpoint(endpoint EndpointID) EndpointSourceSet {
	existing, ok := g.endpoints[endpoint]
	if !ok {
		return EndpointSourceSet{}
	}
	delete(g.endpoints, endpoint)
	for _, src := range existing.Sources {
		delete(g.owners, src.SSRC)
	}
	return existing
}

// Snapshot returns an immutable copy of the whole conference source state.
func (g *Graph) Snapshot() ConferenceSourceMap {
	return g.endpoints.Clone()
}

// Endpoint returns a copy of one endpoint's sources.
func (g *Graph) Endpoint(endpoint EndpointID) EndpointSourceSet {
	return g.endpoints[endpoint].Clone()
}
