package xmpp

import "encoding/xml"

// DiscoInfoNS is the namespace of service discovery queries (XEP-0030) used
// for participant feature discovery.
const DiscoInfoNS = "http://jabber.org/protocol/disco#info"

// Feature URIs the focus cares about when building an offer.
const (
	FeatureAudio       = "urn:xmpp:jingle:apps:rtp:audio"
	FeatureVideo       = "urn:xmpp:jingle:apps:rtp:video"
	FeatureIceUdp      = "urn:xmpp:jingle:transports:ice-udp:1"
	FeatureDtlsSrtp    = "urn:xmpp:jingle:apps:dtls:0"
	FeatureSctp        = "urn:xmpp:jingle:transports:dtls-sctp:1"
	FeatureRtx         = "urn:ietf:rfc:4588"
	FeatureTcc         = "http://jitsi.org/tcc"
	FeatureRemb        = "http://jitsi.org/remb"
	FeatureOpusRed     = "http://jitsi.org/opus-red"
	FeatureJSONSources = "http://jitsi.org/json-encoded-sources"
)

// DefaultFeatures is assumed for participants whose disco#info query failed
// or timed out.
var DefaultFeatures = []string{
	FeatureAudio,
	FeatureVideo,
	FeatureIceUdp,
	FeatureDtlsSrtp,
}

// DiscoInfoQuery is both the disco#info request (empty) and response
// (identities + features).
type DiscoInfoQuery struct {
	XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string          `xml:"node,attr,omitempty"`
	Identities []DiscoIdentity `xml:"identity"`
	Features   []DiscoFeature  `xml:"feature"`
}

type DiscoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

type DiscoFeature struct {
	Var string `xml:"var,attr"`
}

// FeatureSet returns the feature vars as a set.
func (q *DiscoInfoQuery) FeatureSet() map[string]bool {
	set := make(map[string]bool, len(q.Features))
	for _, f := range q.Features {
		set[f.Var] = true
	}
	return set
}
