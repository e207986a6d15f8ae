package bridge

import "sort"

// RegionStrategy is the default placement policy:
//
//  1. a bridge already in the conference, in the participant's region, below
//     the participant cap;
//  2. any candidate in the participant's region, least loaded first;
//  3. a candidate in the same region group as the participant's region
//     (preferred over an out-of-region conference bridge: keeping media close
//     to the participant beats avoiding a relay);
//  4. a bridge already in the conference, least loaded;
//  5. any candidate, least loaded.
//
// Candidates are ordered by ascending estimated load with ties broken by fewer
// existing conference participants; overloaded bridges go last.
type RegionStrategy struct {
	config SelectionConfig
}

func NewRegionStrategy(config SelectionConfig) *RegionStrategy {
	return &RegionStrategy{config: config}
}

func (s *RegionStrategy) Select(
	candidates []Bridge,
	conferenceBridges map[ID]int,
	participantRegion string,
	octoEnabled bool,
) (Bridge, bool) {
	if len(candidates) == 0 {
		return Bridge{}, false
	}

	ordered := s.order(candidates, conferenceBridges)

	// Without octo the conference cannot span bridges: once placed, stay.
	if !octoEnabled && len(conferenceBridges) > 0 {
		for _, b := range ordered {
			if _, inConference := conferenceBridges[b.ID]; inConference {
				return b, true
			}
		}
		return Bridge{}, false
	}

	// 1. Conference bridge in the participant's region with headroom.
	for _, b := range ordered {
		count, inConference := conferenceBridges[b.ID]
		if inConference && b.Region == participantRegion && participantRegion != "" && !s.full(count) {
			return b, true
		}
	}

	// 2. Any bridge in the participant's region that still has headroom.
	if participantRegion != "" {
		for _, b := range ordered {
			if b.Region == participantRegion && !b.overloaded(s.config.StressThreshold) &&
				!s.full(conferenceBridges[b.ID]) {
				return b, true
			}
		}
	}

	// 3. A bridge in the participant's region group.
	if participantRegion != "" {
		for _, b := range ordered {
			if sameRegionGroup(s.config.RegionGroups, b.Region, participantRegion) {
				return b, true
			}
		}
	}

	// 4. A bridge already in the conference.
	for _, b := range ordered {
		if count, inConference := conferenceBridges[b.ID]; inConference && !s.full(count) {
			return b, true
		}
	}

	// 5. Anything operational.
	return ordered[0], true
}

func (s *RegionStrategy) full(participants int) bool {
	return s.config.MaxBridgeParticipants > 0 && participants >= s.config.MaxBridgeParticipants
}

func (b Bridge) overloaded(threshold float64) bool {
	return threshold > 0 && b.Stress >= threshold
}

// order sorts candidates by (overloaded or full last, stress ascending,
// conference participants ascending, id) to make selection deterministic.
func (s *RegionStrategy) order(candidates []Bridge, conferenceBridges map[ID]int) []Bridge {
	ordered := append([]Bridge(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		bi, bj := ordered[i], ordered[j]
		oi := bi.overloaded(s.config.StressThreshold) || s.full(conferenceBridges[bi.ID])
		oj := bj.overloaded(s.config.StressThreshold) || s.full(conferenceBridges[bj.ID])
		if oi != oj {
			return !oi
		}
		if bi.Stress != bj.Stress {
			return bi.Stress < bj.Stress
		}
		if conferenceBridges[bi.ID] != conferenceBridges[bj.ID] {
			return conferenceBridges[bi.ID] < conferenceBridges[bj.ID]
		}
		return bi.ID < bj.ID
	})
	return ordered
}
