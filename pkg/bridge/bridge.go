package bridge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/riverine/focus/pkg/xmpp"
)

// ID identifies a bridge: the JID it announces itself with.
type ID string

// Bridge is a snapshot of one known SFU: its self-reported load and the
// operational state the registry tracks for it. Snapshots are value copies;
// the registry owns the live state.
type Bridge struct {
	ID      ID
	Region  string
	Version string

	// Stress is the bridge's self-reported load in [0..1+]; above the
	// configured threshold the bridge counts as overloaded.
	Stress float64
	// PacketRate is the self-reported RTP packet rate, informational.
	PacketRate int

	// Operational is cleared when a health check fails or times out.
	Operational bool
	// GracefulShutdown is set when the bridge is draining: it finishes its
	// conferences but must not receive new endpoints.
	GracefulShutdown bool

	LastReport  time.Time
	LastFailure time.Time
}

func (b Bridge) String() string {
	return fmt.Sprintf("%s[region=%s version=%s stress=%.2f]", b.ID, b.Region, b.Version, b.Stress)
}

// RelayID is the identifier this bridge is addressed with on relay links.
func (b Bridge) RelayID() string {
	return string(b.ID)
}

// FailedRecently reports whether an allocation on this bridge failed within
// the cooldown window.
func (b Bridge) FailedRecently(now time.Time, cooldown time.Duration) bool {
	return !b.LastFailure.IsZero() && now.Sub(b.LastFailure) < cooldown
}

// LoadReport is the parsed form of the stats a bridge publishes in presence.
type LoadReport struct {
	Region           string
	Version          string
	Stress           float64
	PacketRate       int
	GracefulShutdown bool
}

// ParseLoadReport extracts a load report from bridge presence stats.
func ParseLoadReport(stats *xmpp.BridgeStats) LoadReport {
	var report LoadReport
	if stats == nil {
		return report
	}
	for _, stat := range stats.Stats {
		switch stat.Name {
		case "region":
			report.Region = stat.Value
		case "version":
			report.Version = stat.Value
		case "stress_level":
			report.Stress, _ = strconv.ParseFloat(stat.Value, 64)
		case "packet_rate":
			report.PacketRate, _ = strconv.Atoi(stat.Value)
		case "graceful_shutdown":
			report.GracefulShutdown = stat.Value == "true"
		}
	}
	return report
}
