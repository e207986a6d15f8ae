package xmpp

import "strings"

// JID is an XMPP address of the form local@domain/resource. We keep it as a
// thin string wrapper: the focus never needs full JID normalization, only
// splitting into its parts and bare/full comparisons.
type JID string

// NewJID assembles a JID from its parts. Empty parts are omitted.
func NewJID(local, domain, resource string) JID {
	var b strings.Builder
	if local != "" {
		b.WriteString(local)
		b.WriteByte('@')
	}
	b.WriteString(domain)
	if resource != "" {
		b.WriteByte('/')
		b.WriteString(resource)
	}
	return JID(b.String())
}

func (j JID) String() string { return string(j) }

// Bare strips the resource part.
func (j JID) Bare() JID {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return j[:i]
	}
	return j
}

// Resource returns the resource part or "".
func (j JID) Resource() string {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return string(j[i+1:])
	}
	return ""
}

// Local returns the part before '@' or "".
func (j JID) Local() string {
	bare := string(j.Bare())
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[:i]
	}
	return ""
}

// Domain returns the domain part.
func (j JID) Domain() string {
	bare := string(j.Bare())
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[i+1:]
	}
	return bare
}
