package xmpp

import "encoding/xml"

// Namespaces of the payloads the focus speaks.
const (
	JingleNS    = "urn:xmpp:jingle:1"
	RTPNS       = "urn:xmpp:jingle:apps:rtp:1"
	SourcesNS   = "urn:xmpp:jingle:apps:rtp:ssma:0"
	IceUdpNS    = "urn:xmpp:jingle:transports:ice-udp:1"
	DTLSNS      = "urn:xmpp:jingle:apps:dtls:0"
	SctpNS      = "urn:xmpp:jingle:transports:dtls-sctp:1"
	JitMeetNS   = "http://jitsi.org/jitmeet"
	JSONSourceN = "http://jitsi.org/json-sources"
)

// JingleAction is the action attribute of a jingle element.
type JingleAction string

const (
	ActionSessionInitiate  JingleAction = "session-initiate"
	ActionSessionAccept    JingleAction = "session-accept"
	ActionSessionTerminate JingleAction = "session-terminate"
	ActionTransportReplace JingleAction = "transport-replace"
	ActionTransportAccept  JingleAction = "transport-accept"
	ActionSourceAdd        JingleAction = "source-add"
	ActionSourceRemove     JingleAction = "source-remove"
)

// Jingle is the jingle element of a Jingle IQ (XEP-0166).
type Jingle struct {
	XMLName   xml.Name     `xml:"urn:xmpp:jingle:1 jingle"`
	Action    JingleAction `xml:"action,attr"`
	Initiator string       `xml:"initiator,attr,omitempty"`
	Responder string       `xml:"responder,attr,omitempty"`
	SID       string       `xml:"sid,attr"`
	Contents  []Content    `xml:"content"`
	Reason    *Reason      `xml:"reason,omitempty"`
	// JSONSources carries the alternate JSON source encoding for clients
	// advertising the json-encoded-sources feature.
	JSONSources string `xml:"http://jitsi.org/json-sources json-sources,omitempty"`
	// GroupContents is the XEP-0338 grouping element naming bundled contents.
	Group *ContentGroup `xml:"urn:xmpp:jingle:apps:grouping:0 group,omitempty"`
}

// ContentByName returns the content with the given name, or nil.
func (j *Jingle) ContentByName(name string) *Content {
	for i := range j.Contents {
		if j.Contents[i].Name == name {
			return &j.Contents[i]
		}
	}
	return nil
}

type ContentGroup struct {
	Semantics string         `xml:"semantics,attr"` // BUNDLE
	Contents  []GroupContent `xml:"content"`
}

type GroupContent struct {
	Name string `xml:"name,attr"`
}

type Reason struct {
	Condition ReasonCondition `xml:",any"`
	Text      string          `xml:"text,omitempty"`
}

type ReasonCondition struct {
	XMLName xml.Name
}

// Reason condition names from XEP-0166 §7.4.
const (
	ReasonSuccess            = "success"
	ReasonGone               = "gone"
	ReasonExpired            = "expired"
	ReasonTimeout            = "timeout"
	ReasonGeneralError       = "general-error"
	ReasonConnectivityError  = "connectivity-error"
	ReasonFailedTransport    = "failed-transport"
	ReasonAlternativeSession = "alternative-session"
)

// NewReason builds a reason element with the given condition name.
func NewReason(condition, text string) *Reason {
	return &Reason{
		Condition: ReasonCondition{XMLName: xml.Name{Local: condition}},
		Text:      text,
	}
}

// Content is one content element ("audio", "video" or "data").
type Content struct {
	Creator     string           `xml:"creator,attr,omitempty"`
	Name        string           `xml:"name,attr"`
	Senders     string           `xml:"senders,attr,omitempty"`
	Description *RTPDescription  `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// RTPDescription describes the RTP parameters for one media kind.
type RTPDescription struct {
	Media        string             `xml:"media,attr"`
	Maxptime     int                `xml:"maxptime,attr,omitempty"`
	PayloadTypes []PayloadType      `xml:"payload-type"`
	HdrExts      []RTPHdrExt        `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	Sources      []SourceElement    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SsrcGroups   []SsrcGroupElement `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	RtcpMux      *struct{}          `xml:"rtcp-mux,omitempty"`
}

type PayloadType struct {
	ID        int         `xml:"id,attr"`
	Name      string      `xml:"name,attr,omitempty"`
	ClockRate int         `xml:"clockrate,attr,omitempty"`
	Channels  int         `xml:"channels,attr,omitempty"`
	Params    []Parameter `xml:"parameter"`
	Feedback  []RtcpFb    `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
}

type RtcpFb struct {
	Type    string `xml:"type,attr"`
	Subtype string `xml:"subtype,attr,omitempty"`
}

type RTPHdrExt struct {
	ID  int    `xml:"id,attr"`
	URI string `xml:"uri,attr"`
}

type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// SourceElement is one source element of the source-specific media attributes
// extension (XEP-0339) with the jitmeet owner tag.
type SourceElement struct {
	SSRC      uint32      `xml:"ssrc,attr"`
	Name      string      `xml:"name,attr,omitempty"`
	VideoType string      `xml:"videoType,attr,omitempty"`
	Params    []Parameter `xml:"parameter"`
	Info      *SsrcInfo   `xml:"http://jitsi.org/jitmeet ssrc-info,omitempty"`
}

type SsrcInfo struct {
	Owner string `xml:"owner,attr"`
}

type SsrcGroupElement struct {
	Semantics string      `xml:"semantics,attr"`
	Sources   []GroupSsrc `xml:"source"`
}

type GroupSsrc struct {
	SSRC uint32 `xml:"ssrc,attr"`
}

// IceUdpTransport is the ICE-UDP transport element (XEP-0176) with the DTLS
// fingerprint (XEP-0320) and optional SCTP map and colibri websocket.
type IceUdpTransport struct {
	Ufrag       string        `xml:"ufrag,attr,omitempty"`
	Pwd         string        `xml:"pwd,attr,omitempty"`
	Fingerprint *Fingerprint  `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint,omitempty"`
	Candidates  []Candidate   `xml:"candidate"`
	Sctp        *SctpMap      `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap,omitempty"`
	WebSocket   *WebSocketURL `xml:"http://jitsi.org/protocol/colibri web-socket,omitempty"`
}

type Fingerprint struct {
	Hash  string `xml:"hash,attr"`
	Setup string `xml:"setup,attr,omitempty"`
	Value string `xml:",chardata"`
}

type Candidate struct {
	ID         string `xml:"id,attr,omitempty"`
	Component  int    `xml:"component,attr"`
	Foundation string `xml:"foundation,attr"`
	Generation int    `xml:"generation,attr"`
	IP         string `xml:"ip,attr"`
	Port       int    `xml:"port,attr"`
	Priority   uint32 `xml:"priority,attr"`
	Protocol   string `xml:"protocol,attr"`
	Type       string `xml:"type,attr"`
	RelAddr    string `xml:"rel-addr,attr,omitempty"`
	RelPort    int    `xml:"rel-port,attr,omitempty"`
}

type SctpMap struct {
	Number  int `xml:"number,attr"`
	Streams int `xml:"streams,attr,omitempty"`
}

type WebSocketURL struct {
	URL string `xml:"url,attr"`
}
