package xmpp

import "encoding/xml"

// FocusNS is the namespace of the conference request IQ a client sends to the
// focus component to create or look up a conference.
const FocusNS = "http://jitsi.org/protocol/focus"

// ConferenceRequest is both the request and the response element of the
// conference IQ: the response echoes the room with ready=true and the
// conference configuration properties.
type ConferenceRequest struct {
	XMLName    xml.Name   `xml:"http://jitsi.org/protocol/focus conference"`
	Room       JID        `xml:"room,attr"`
	Ready      bool       `xml:"ready,attr,omitempty"`
	FocusJID   JID        `xml:"focusjid,attr,omitempty"`
	MachineUID string     `xml:"machine-uid,attr,omitempty"`
	Identity   string     `xml:"identity,attr,omitempty"`
	VNode      string     `xml:"vnode,attr,omitempty"`
	Properties []Property `xml:"property"`
}

type Property struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// PropertyValue returns the value of a named property, or "".
func (c *ConferenceRequest) PropertyValue(name string) string {
	for _, p := range c.Properties {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// ConferenceRequestJSON is the JSON mirror of the conference IQ used by the
// REST /conference-request/v1 surface. It is a thin translator: the HTTP
// handler converts it to a ConferenceRequest and back.
type ConferenceRequestJSON struct {
	Room       string            `json:"room"`
	Ready      bool              `json:"ready,omitempty"`
	FocusJID   string            `json:"focusJid,omitempty"`
	MachineUID string            `json:"machineUid,omitempty"`
	Identity   string            `json:"identity,omitempty"`
	VNode      string            `json:"vnode,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ToXML converts the JSON form to the stanza form.
func (r *ConferenceRequestJSON) ToXML() *ConferenceRequest {
	req := &ConferenceRequest{
		Room:       JID(r.Room),
		Ready:      r.Ready,
		FocusJID:   JID(r.FocusJID),
		MachineUID: r.MachineUID,
		Identity:   r.Identity,
		VNode:      r.VNode,
	}
	for name, value := range r.Properties {
		req.Properties = append(req.Properties, Property{Name: name, Value: value})
	}
	return req
}

// FromXML converts the stanza form to the JSON form.
func (r *ConferenceRequestJSON) FromXML(req *ConferenceRequest) {
	r.Room = string(req.Room)
	r.Ready = req.Ready
	r.FocusJID = string(req.FocusJID)
	r.MachineUID = req.MachineUID
	r.Identity = req.Identity
	r.VNode = req.VNode
	if len(req.Properties) > 0 {
		r.Properties = make(map[string]string, len(req.Properties))
		for _, p := range req.Properties {
			r.Properties[p.Name] = p.Value
		}
	}
}
