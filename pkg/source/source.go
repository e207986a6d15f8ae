package source

import (
	"fmt"
	"sort"
	"strings"
)

// EndpointID identifies one endpoint (conference occupant) in the source map.
type EndpointID string

// FeedbackOwner is the sentinel owner of sources a bridge synthesizes on its
// own behalf. Feedback sources are never propagated back to the bridge that
// created them.
const FeedbackOwner EndpointID = "jvb"

// MediaType is the kind of an RTP stream.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// VideoType distinguishes camera from screen-share video.
type VideoType string

const (
	VideoCamera  VideoType = "camera"
	VideoDesktop VideoType = "desktop"
)

// Group semantics from RFC 5888 / XEP-0339 as used in conferencing.
const (
	SemanticsSim   = "SIM"
	SemanticsFid   = "FID"
	SemanticsFecFr = "FEC-FR"
)

// Source is a single RTP stream, identified by its 32-bit SSRC.
type Source struct {
	SSRC      uint32
	MediaType MediaType
	// Name is the client-assigned source name, e.g. "alice-v0".
	Name      string
	VideoType VideoType
	Muted     bool
	// Params carries RTP-level parameters (cname, msid, ...) opaquely.
	Params map[string]string
}

// Equal compares two sources including their parameters.
func (s Source) Equal(other Source) bool {
	if s.SSRC != other.SSRC || s.MediaType != other.MediaType ||
		s.Name != other.Name || s.VideoType != other.VideoType || s.Muted != other.Muted {
		return false
	}
	if len(s.Params) != len(other.Params) {
		return false
	}
	for name, value := range s.Params {
		if other.Params[name] != value {
			return false
		}
	}
	return true
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%d", s.MediaType, s.SSRC)
}

// SsrcGroup relates SSRCs of a single endpoint and media kind, e.g. the
// simulcast layers of one video source.
type SsrcGroup struct {
	Semantics string
	SSRCs     []uint32
	MediaType MediaType
}

// Equal compares semantics, media type and the ordered SSRC list.
func (g SsrcGroup) Equal(other SsrcGroup) bool {
	if g.Semantics != other.Semantics || g.MediaType != other.MediaType || len(g.SSRCs) != len(other.SSRCs) {
		return false
	}
	for i, ssrc := range g.SSRCs {
		if other.SSRCs[i] != ssrc {
			return false
		}
	}
	return true
}

func (g SsrcGroup) String() string {
	parts := make([]string, len(g.SSRCs))
	for i, ssrc := range g.SSRCs {
		parts[i] = fmt.Sprint(ssrc)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s[%s]", g.Semantics, strings.Join(parts, ","))
}
