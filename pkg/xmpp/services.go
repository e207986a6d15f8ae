package xmpp

import "encoding/xml"

// Namespaces of the auxiliary service dispatch IQs.
const (
	RayoNS        = "urn:xmpp:rayo:1"
	JibriNS       = "http://jitsi.org/protocol/jibri"
	HealthCheckNS = "http://jitsi.org/protocol/healthcheck"
)

// HealthCheck is the empty health check IQ sent to bridges.
type HealthCheck struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/healthcheck healthcheck"`
}

// Dial is the Rayo dial IQ sent to a SIP gateway instance to bridge a SIP
// participant into the conference.
type Dial struct {
	XMLName xml.Name     `xml:"urn:xmpp:rayo:1 dial"`
	To      string       `xml:"to,attr"`
	From    string       `xml:"from,attr,omitempty"`
	Headers []DialHeader `xml:"header"`
}

type DialHeader struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// JibriIQ is the recorder control IQ sent to a recorder instance (and the
// status updates it sends back).
type JibriIQ struct {
	XMLName       xml.Name `xml:"http://jitsi.org/protocol/jibri jibri"`
	Action        string   `xml:"action,attr,omitempty"` // start, stop
	Status        string   `xml:"status,attr,omitempty"` // pending, on, off, failed
	RecordingMode string   `xml:"recording_mode,attr,omitempty"`
	Room          JID      `xml:"room,attr,omitempty"`
	SessionID     string   `xml:"session_id,attr,omitempty"`
	FailureReason string   `xml:"failure_reason,attr,omitempty"`
	StreamID      string   `xml:"streamid,attr,omitempty"`
}

// Jibri status values carried in instance presence and IQ responses.
const (
	JibriStatusIdle = "idle"
	JibriStatusBusy = "busy"

	JibriHealthHealthy   = "healthy"
	JibriHealthUnhealthy = "unhealthy"
)

// JibriStatusExt is the status extension a recorder or SIP gateway instance
// publishes in its brewery presence.
type JibriStatusExt struct {
	XMLName xml.Name           `xml:"http://jitsi.org/protocol/jibri jibri-status"`
	Busy    *JibriBusyStatus   `xml:"busy-status,omitempty"`
	Health  *JibriHealthStatus `xml:"health-status,omitempty"`
}

type JibriBusyStatus struct {
	Status string `xml:"status,attr"`
}

type JibriHealthStatus struct {
	Status string `xml:"status,attr"`
}

// Namespaces of the force-mute IQs clients send to the focus.
const (
	AudioMuteNS = "http://jitsi.org/jitmeet/audio"
	VideoMuteNS = "http://jitsi.org/jitmeet/video"
)

// AudioMute asks the focus to force-mute (or permit unmuting) a participant's
// audio. The jid attribute names the target occupant; absent means self.
type AudioMute struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet/audio mute"`
	JID     JID      `xml:"jid,attr,omitempty"`
	Value   string   `xml:",chardata"` // "true" or "false"
}

func (m *AudioMute) Muted() bool { return m.Value == "true" }

// VideoMute is the video variant of AudioMute.
type VideoMute struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet/video mute"`
	JID     JID      `xml:"jid,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

func (m *VideoMute) Muted() bool { return m.Value == "true" }
