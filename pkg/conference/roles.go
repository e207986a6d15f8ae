package conference

import "fmt"

// Role is what a participant may do beyond its own session. Owners can
// force-mute others, pin bridge versions and start recordings.
type Role int

const (
	RoleMember Role = iota
	RoleOwner
)

func (r Role) String() string {
	if r == RoleOwner {
		return "owner"
	}
	return "member"
}

// Role policy names accepted in the configuration.
const (
	RolePolicyFirstOccupant    = "first-occupant"
	RolePolicyAllAuthenticated = "all-authenticated"
)

// RoleManager decides who holds ownership. Implementations are pure policy;
// the conference applies the results under its own writer.
type RoleManager interface {
	// OnJoin returns the role of a newly joined participant given whether an
	// owner currently exists.
	OnJoin(p *Participant, ownerPresent bool) Role
	// OnLeave is called after a participant left; it may promote one of the
	// remaining participants (returned non-nil) to owner.
	OnLeave(left *Participant, remaining []*Participant) *Participant
}

func NewRoleManager(policy string) (RoleManager, error) {
	switch policy {
	case RolePolicyFirstOccupant, "":
		return &firstOccupantPolicy{}, nil
	case RolePolicyAllAuthenticated:
		return &allAuthenticatedPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown role policy %q", policy)
	}
}

// firstOccupantPolicy grants ownership to the first non-bot occupant and
// passes it to the longest-present participant when the owner leaves.
type firstOccupantPolicy struct{}

func (*firstOccupantPolicy) OnJoin(_ *Participant, ownerPresent bool) Role {
	if ownerPresent {
		return RoleMember
	}
	return RoleOwner
}

func (*firstOccupantPolicy) OnLeave(left *Participant, remaining []*Participant) *Participant {
	if left.role != RoleOwner {
		return nil
	}
	var oldest *Participant
	for _, p := range remaining {
		if p.role == RoleOwner {
			return nil
		}
		if oldest == nil || p.joined.Before(oldest.joined) {
			oldest = p
		}
	}
	return oldest
}

// allAuthenticatedPolicy makes every authenticated participant an owner.
type allAuthenticatedPolicy struct{}

func (*allAuthenticatedPolicy) OnJoin(p *Participant, _ bool) Role {
	if p.authenticated {
		return RoleOwner
	}
	return RoleMember
}

func (*allAuthenticatedPolicy) OnLeave(_ *Participant, _ []*Participant) *Participant {
	return nil
}
