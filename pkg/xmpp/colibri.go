package xmpp

import "encoding/xml"

// ColibriNS is the namespace of the Colibri v2 conference control protocol
// spoken between the focus and the bridges.
const ColibriNS = "jitsi:colibri2"

// ConferenceModify is the request element of a conference-modify IQ. A single
// request can create or expire the conference, create/modify/expire endpoints
// and create/modify/expire relays.
type ConferenceModify struct {
	XMLName   xml.Name           `xml:"jitsi:colibri2 conference-modify"`
	MeetingID string             `xml:"meeting-id,attr"`
	Name      string             `xml:"name,attr,omitempty"` // room JID, informational
	Create    bool               `xml:"create,attr,omitempty"`
	Expire    bool               `xml:"expire,attr,omitempty"`
	Endpoints []Colibri2Endpoint `xml:"endpoint"`
	Relays    []Colibri2Relay    `xml:"relay"`
}

// ConferenceModified is the response element of a successful conference-modify.
type ConferenceModified struct {
	XMLName   xml.Name           `xml:"jitsi:colibri2 conference-modified"`
	Endpoints []Colibri2Endpoint `xml:"endpoint"`
	Relays    []Colibri2Relay    `xml:"relay"`
	// Feedback sources the bridge synthesizes on its own behalf.
	Sources *EndpointSources `xml:"sources,omitempty"`
}

// Colibri2Endpoint describes one endpoint on a bridge.
type Colibri2Endpoint struct {
	ID      string `xml:"id,attr"`
	StatsID string `xml:"stats-id,attr,omitempty"`
	Create  bool   `xml:"create,attr,omitempty"`
	Expire  bool   `xml:"expire,attr,omitempty"`
	// MuteAudio/MuteVideo are the force-mute flags: media the bridge must not
	// forward from this endpoint even if the endpoint sends it.
	ForceMute *ForceMute        `xml:"force-mute,omitempty"`
	Media     []Colibri2Media   `xml:"media"`
	Transport *ColibriTransport `xml:"transport,omitempty"`
	Sources   *EndpointSources  `xml:"sources,omitempty"`
}

type ForceMute struct {
	Audio bool `xml:"audio,attr,omitempty"`
	Video bool `xml:"video,attr,omitempty"`
}

// Colibri2Media carries the negotiated RTP parameters for one media kind.
type Colibri2Media struct {
	Type         string        `xml:"type,attr"` // audio, video
	PayloadTypes []PayloadType `xml:"urn:xmpp:jingle:apps:rtp:1 payload-type"`
	HdrExts      []RTPHdrExt   `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
}

// ColibriTransport wraps an ICE-UDP transport together with colibri-specific
// attributes.
type ColibriTransport struct {
	IceControlling bool             `xml:"ice-controlling,attr,omitempty"`
	UseUniquePort  bool             `xml:"use-unique-port,attr,omitempty"`
	Sctp           bool             `xml:"sctp,attr,omitempty"`
	IceUdp         *IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// EndpointSources groups the sources of one endpoint per media kind.
type EndpointSources struct {
	MediaSources []MediaSource `xml:"media-source"`
}

type MediaSource struct {
	Type       string             `xml:"type,attr"` // audio, video
	ID         string             `xml:"id,attr,omitempty"`
	Sources    []SourceElement    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SsrcGroups []SsrcGroupElement `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
}

// Colibri2Relay describes one side of an inter-bridge relay link.
type Colibri2Relay struct {
	ID        string            `xml:"id,attr"` // relay id of the *peer* bridge
	MeshID    string            `xml:"mesh-id,attr,omitempty"`
	Create    bool              `xml:"create,attr,omitempty"`
	Expire    bool              `xml:"expire,attr,omitempty"`
	Transport *ColibriTransport `xml:"transport,omitempty"`
	Medias    []Colibri2Media   `xml:"media"`
	// Endpoints signaled over this relay: the remote endpoints whose sources
	// the peer bridge forwards to this one.
	Endpoints *RelayEndpoints `xml:"endpoints,omitempty"`
}

type RelayEndpoints struct {
	Endpoints []Colibri2Endpoint `xml:"endpoint"`
}
