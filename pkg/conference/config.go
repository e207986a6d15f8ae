package conference

import (
	"time"

	"github.com/riverine/focus/pkg/source"
)

// Config holds the per-conference tunables. One value is shared by every
// conference the focus hosts.
type Config struct {
	// GracePeriod is how long an empty conference is kept alive waiting for a
	// rejoin before it is destroyed.
	GracePeriod time.Duration `yaml:"gracePeriod"`
	// ReplyTimeout bounds how long a participant may take to answer a
	// session-initiate before the session is terminated with reason timeout.
	ReplyTimeout time.Duration `yaml:"replyTimeout"`
	// DiscoveryTimeout bounds the disco#info feature query; on expiry the
	// default feature list is assumed.
	DiscoveryTimeout time.Duration `yaml:"discoveryTimeout"`
	// MaxAllocationRetries caps how many distinct bridges are tried for one
	// invite before giving up.
	MaxAllocationRetries int `yaml:"maxAllocationRetries"`
	// MaxRestarts and RestartWindow configure the per-participant ICE restart
	// rate limit.
	MaxRestarts   int           `yaml:"maxRestarts"`
	RestartWindow time.Duration `yaml:"restartWindow"`
	// RoleManager selects the ownership policy: "first-occupant" or
	// "all-authenticated".
	RoleManager string `yaml:"roleManager"`

	Offer  OfferOptions  `yaml:"offer"`
	Limits source.Limits `yaml:"limits"`
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:          15 * time.Second,
		ReplyTimeout:         30 * time.Second,
		DiscoveryTimeout:     5 * time.Second,
		MaxAllocationRetries: 2,
		MaxRestarts:          3,
		RestartWindow:        time.Minute,
		RoleManager:          RolePolicyFirstOccupant,
		Offer:                DefaultOfferOptions(),
		Limits:               source.DefaultLimits,
	}
}
