package xmpp

import (
	"encoding/xml"
	"fmt"
)

// IQType is the type attribute of an iq stanza.
type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// Condition is a defined error condition from RFC 6120 §8.3.3.
type Condition string

const (
	BadRequest          Condition = "bad-request"
	Conflict            Condition = "conflict"
	FeatureNotSupported Condition = "feature-not-implemented"
	Forbidden           Condition = "forbidden"
	InternalServerError Condition = "internal-server-error"
	ItemNotFound        Condition = "item-not-found"
	NotAllowed          Condition = "not-allowed"
	RemoteServerTimeout Condition = "remote-server-timeout"
	ResourceConstraint  Condition = "resource-constraint"
	ServiceUnavailable  Condition = "service-unavailable"
)

const stanzaErrorNS = "urn:ietf:params:xml:ns:xmpp-stanzas"

// StanzaError is the error element of an iq stanza of type error.
type StanzaError struct {
	XMLName   xml.Name  `xml:"error"`
	Type      string    `xml:"type,attr"` // auth, cancel, modify, wait
	Condition Condition `xml:"-"`
	Text      string    `xml:"-"`
}

func (e *StanzaError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("%s (%s)", e.Condition, e.Text)
	}
	return string(e.Condition)
}

func (e *StanzaError) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "error"}
	start.Attr = []xml.Attr{{Name: xml.Name{Local: "type"}, Value: e.Type}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{
		Name: xml.Name{Space: stanzaErrorNS, Local: string(e.Condition)},
	}
	if err := enc.EncodeToken(cond); err != nil {
		return err
	}
	if err := enc.EncodeToken(cond.End()); err != nil {
		return err
	}
	if e.Text != "" {
		text := xml.StartElement{Name: xml.Name{Space: stanzaErrorNS, Local: "text"}}
		if err := enc.EncodeToken(text); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
		if err := enc.EncodeToken(text.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (e *StanzaError) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	e.XMLName = start.Name
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" {
			e.Type = attr.Value
		}
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == stanzaErrorNS && t.Name.Local == "text" {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return err
				}
				e.Text = text
			} else {
				if t.Name.Space == stanzaErrorNS {
					e.Condition = Condition(t.Name.Local)
				}
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

// IQ is an info/query stanza. The payload is one of the typed payload structs
// of this package; unknown payloads are preserved as raw XML for logging.
type IQ struct {
	From    JID
	To      JID
	ID      string
	Type    IQType
	Payload any
	Error   *StanzaError
}

// Result builds an empty result stanza answering this IQ.
func (iq *IQ) Result() *IQ {
	return &IQ{From: iq.To, To: iq.From, ID: iq.ID, Type: IQResult}
}

// ResultWith builds a result stanza with a payload answering this IQ.
func (iq *IQ) ResultWith(payload any) *IQ {
	res := iq.Result()
	res.Payload = payload
	return res
}

// ErrorWith builds an error stanza answering this IQ.
func (iq *IQ) ErrorWith(errType string, cond Condition, text string) *IQ {
	return &IQ{
		From:  iq.To,
		To:    iq.From,
		ID:    iq.ID,
		Type:  IQError,
		Error: &StanzaError{Type: errType, Condition: cond, Text: text},
	}
}

func (iq *IQ) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "iq"}}
	if iq.From != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: string(iq.From)})
	}
	if iq.To != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: string(iq.To)})
	}
	if iq.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: iq.ID})
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(iq.Type)})
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if iq.Payload != nil {
		if err := enc.Encode(iq.Payload); err != nil {
			return err
		}
	}
	if iq.Error != nil {
		if err := enc.Encode(iq.Error); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (iq *IQ) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "from":
			iq.From = JID(attr.Value)
		case "to":
			iq.To = JID(attr.Value)
		case "id":
			iq.ID = attr.Value
		case "type":
			iq.Type = IQType(attr.Value)
		}
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "error" {
				iq.Error = &StanzaError{}
				if err := dec.DecodeElement(iq.Error, &t); err != nil {
					return err
				}
				continue
			}
			payload, err := decodePayload(dec, t)
			if err != nil {
				return err
			}
			iq.Payload = payload
		case xml.EndElement:
			return nil
		}
	}
}

// decodePayload dispatches on the namespace+name of the first child element.
func decodePayload(dec *xml.Decoder, start xml.StartElement) (any, error) {
	var payload any
	switch {
	case start.Name.Space == JingleNS && start.Name.Local == "jingle":
		payload = &Jingle{}
	case start.Name.Space == ColibriNS && start.Name.Local == "conference-modify":
		payload = &ConferenceModify{}
	case start.Name.Space == ColibriNS && start.Name.Local == "conference-modified":
		payload = &ConferenceModified{}
	case start.Name.Space == FocusNS && start.Name.Local == "conference":
		payload = &ConferenceRequest{}
	case start.Name.Space == DiscoInfoNS && start.Name.Local == "query":
		payload = &DiscoInfoQuery{}
	case start.Name.Space == RayoNS && start.Name.Local == "dial":
		payload = &Dial{}
	case start.Name.Space == JibriNS && start.Name.Local == "jibri":
		payload = &JibriIQ{}
	case start.Name.Space == HealthCheckNS && start.Name.Local == "healthcheck":
		payload = &HealthCheck{}
	case start.Name.Space == AudioMuteNS && start.Name.Local == "mute":
		payload = &AudioMute{}
	case start.Name.Space == VideoMuteNS && start.Name.Local == "mute":
		payload = &VideoMute{}
	default:
		raw := &RawPayload{}
		if err := dec.DecodeElement(raw, &start); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if err := dec.DecodeElement(payload, &start); err != nil {
		return nil, err
	}
	return payload, nil
}

// RawPayload preserves an unrecognized IQ child element.
type RawPayload struct {
	XMLName xml.Name
	Inner   string `xml:",innerxml"`
}

// Presence is a presence stanza, reduced to what the focus consumes: MUC
// occupant announcements and the extension elements it cares about.
type Presence struct {
	XMLName xml.Name        `xml:"presence"`
	From    JID             `xml:"from,attr,omitempty"`
	To      JID             `xml:"to,attr,omitempty"`
	Type    string          `xml:"type,attr,omitempty"` // "" or "unavailable"
	MUC     *MUCJoin        `xml:"http://jabber.org/protocol/muc x,omitempty"`
	User    *MUCUser        `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
	StatsID string          `xml:"http://jitsi.org/jitmeet/stats-id stats-id,omitempty"`
	Region  string          `xml:"http://jitsi.org/jitsi-meet region,omitempty"`
	Status  *BridgeStats    `xml:"http://jitsi.org/protocol/colibri stats,omitempty"`
	Jibri   *JibriStatusExt `xml:"http://jitsi.org/protocol/jibri jibri-status,omitempty"`
}

// MUCJoin is the extension a client adds when entering a room.
type MUCJoin struct{}

// MUCUser is the muc#user extension carried in occupant presence.
type MUCUser struct {
	Item     *MUCItem    `xml:"item,omitempty"`
	Statuses []MUCStatus `xml:"status"`
}

type MUCItem struct {
	JID         JID    `xml:"jid,attr,omitempty"` // real JID, visible to admins
	Affiliation string `xml:"affiliation,attr,omitempty"`
	Role        string `xml:"role,attr,omitempty"`
	Nick        string `xml:"nick,attr,omitempty"`
}

type MUCStatus struct {
	Code int `xml:"code,attr"`
}

// BridgeStats is the load report a bridge publishes in its presence.
type BridgeStats struct {
	Stats []Stat `xml:"stat"`
}

type Stat struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}
