package source

import (
	"encoding/json"
	"sort"

	"github.com/riverine/focus/pkg/xmpp"
	"golang.org/x/exp/maps"
)

// Conversions between the source model and its wire encodings: the Jingle
// source-specific media attributes (XEP-0339), the Colibri v2 media-source
// element, and the compact JSON form for clients advertising the
// json-encoded-sources feature.

// ToJingleContents renders a conference map as per-content descriptions named
// "audio" and "video". Empty content elements are omitted.
func ToJingleContents(m ConferenceSourceMap) []xmpp.Content {
	var contents []xmpp.Content
	for _, media := range []MediaType{MediaAudio, MediaVideo} {
		description := xmpp.RTPDescription{Media: string(media)}

		owners := maps.Keys(m)
		sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
		for _, owner := range owners {
			set := m[owner]
			for _, src := range set.Sources {
				if src.MediaType != media {
					continue
				}
				description.Sources = append(description.Sources, toJingleSource(src, owner))
			}
			for _, group := range set.Groups {
				if group.MediaType != media {
					continue
				}
				description.SsrcGroups = append(description.SsrcGroups, toJingleGroup(group))
			}
		}

		if len(description.Sources) == 0 && len(description.SsrcGroups) == 0 {
			continue
		}
		contents = append(contents, xmpp.Content{
			Name:        string(media),
			Description: &description,
		})
	}
	return contents
}

func toJingleSource(src Source, owner EndpointID) xmpp.SourceElement {
	element := xmpp.SourceElement{
		SSRC:      src.SSRC,
		Name:      src.Name,
		VideoType: string(src.VideoType),
	}
	if owner != "" {
		element.Info = &xmpp.SsrcInfo{Owner: string(owner)}
	}
	names := maps.Keys(src.Params)
	sort.Strings(names)
	for _, name := range names {
		element.Params = append(element.Params, xmpp.Parameter{Name: name, Value: src.Params[name]})
	}
	return element
}

func toJingleGroup(group SsrcGroup) xmpp.SsrcGroupElement {
	element := xmpp.SsrcGroupElement{Semantics: group.Semantics}
	for _, ssrc := range group.SSRCs {
		element.Sources = append(element.Sources, xmpp.GroupSsrc{SSRC: ssrc})
	}
	return element
}

// FromJingle extracts the sources of per-content descriptions. Any owner the
// peer reported on the wire is discarded: ownership is established by the
// graph entry the caller files the set under, so a peer cannot claim someone
// else's identity.
func FromJingle(contents []xmpp.Content) EndpointSourceSet {
	set := EndpointSourceSet{}
	for _, content := range contents {
		if content.Description == nil {
			continue
		}
		media := MediaType(content.Description.Media)
		if media == "" {
			media = MediaType(content.Name)
		}
		for _, element := range content.Description.Sources {
			set.Sources = append(set.Sources, fromJingleSource(element, media))
		}
		for _, element := range content.Description.SsrcGroups {
			set.Groups = append(set.Groups, fromJingleGroup(element, media))
		}
	}
	return set
}

func fromJingleSource(element xmpp.SourceElement, media MediaType) Source {
	src := Source{
		SSRC:      element.SSRC,
		MediaType: media,
		Name:      element.Name,
		VideoType: VideoType(element.VideoType),
	}
	if len(element.Params) > 0 {
		src.Params = make(map[string]string, len(element.Params))
		for _, p := range element.Params {
			src.Params[p.Name] = p.Value
		}
	}
	return src
}

func fromJingleGroup(element xmpp.SsrcGroupElement, media MediaType) SsrcGroup {
	group := SsrcGroup{Semantics: element.Semantics, MediaType: media}
	for _, s := range element.Sources {
		group.SSRCs = append(group.SSRCs, s.SSRC)
	}
	return group
}

// ToColibriSources renders one endpoint's sources as a Colibri v2
// media-source list.
func ToColibriSources(set EndpointSourceSet, id string) *xmpp.EndpointSources {
	if set.IsEmpty() {
		return nil
	}
	sources := &xmpp.EndpointSources{}
	for _, media := range []MediaType{MediaAudio, MediaVideo} {
		ms := xmpp.MediaSource{Type: string(media), ID: id + "-" + string(media)}
		for _, src := range set.Sources {
			if src.MediaType == media {
				ms.Sources = append(ms.Sources, toJingleSource(src, ""))
			}
		}
		for _, group := range set.Groups {
			if group.MediaType == media {
				ms.SsrcGroups = append(ms.SsrcGroups, toJingleGroup(group))
			}
		}
		if len(ms.Sources) > 0 || len(ms.SsrcGroups) > 0 {
			sources.MediaSources = append(sources.MediaSources, ms)
		}
	}
	return sources
}

// FromColibriSources parses a Colibri v2 media-source list.
func FromColibriSources(sources *xmpp.EndpointSources) EndpointSourceSet {
	set := EndpointSourceSet{}
	if sources == nil {
		return set
	}
	for _, ms := range sources.MediaSources {
		media := MediaType(ms.Type)
		for _, element := range ms.Sources {
			set.Sources = append(set.Sources, fromJingleSource(element, media))
		}
		for _, element := range ms.SsrcGroups {
			set.Groups = append(set.Groups, fromJingleGroup(element, media))
		}
	}
	return set
}

// Compact JSON encoding of a conference map, used in the json-sources
// extension element instead of the XML source lists.

type jsonSource struct {
	SSRC      uint32 `json:"s"`
	Name      string `json:"n,omitempty"`
	VideoType string `json:"v,omitempty"`
	Muted     bool   `json:"m,omitempty"`
}

type jsonGroup struct {
	Semantics string   `json:"sem"`
	SSRCs     []uint32 `json:"ssrcs"`
}

type jsonEndpoint struct {
	Audio       []jsonSource `json:"audio,omitempty"`
	Video       []jsonSource `json:"video,omitempty"`
	AudioGroups []jsonGroup  `json:"audioGroups,omitempty"`
	VideoGroups []jsonGroup  `json:"videoGroups,omitempty"`
}

// EncodeJSON renders a conference map in the compact JSON source encoding.
func EncodeJSON(m ConferenceSourceMap) (string, error) {
	encoded := make(map[string]jsonEndpoint, len(m))
	for owner, set := range m {
		var ep jsonEndpoint
		for _, src := range set.Sources {
			js := jsonSource{SSRC: src.SSRC, Name: src.Name, VideoType: string(src.VideoType), Muted: src.Muted}
			if src.MediaType == MediaAudio {
				ep.Audio = append(ep.Audio, js)
			} else {
				ep.Video = append(ep.Video, js)
			}
		}
		for _, group := range set.Groups {
			jg := jsonGroup{Semantics: group.Semantics, SSRCs: group.SSRCs}
			if group.MediaType == MediaAudio {
				ep.AudioGroups = append(ep.AudioGroups, jg)
			} else {
				ep.VideoGroups = append(ep.VideoGroups, jg)
			}
		}
		encoded[string(owner)] = ep
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeJSON parses the compact JSON source encoding.
func DecodeJSON(data string) (ConferenceSourceMap, error) {
	var encoded map[string]jsonEndpoint
	if err := json.Unmarshal([]byte(data), &encoded); err != nil {
		return nil, err
	}
	m := make(ConferenceSourceMap, len(encoded))
	for owner, ep := range encoded {
		set := EndpointSourceSet{}
		for _, js := range ep.Audio {
			set.Sources = append(set.Sources, Source{
				SSRC: js.SSRC, MediaType: MediaAudio, Name: js.Name, Muted: js.Muted,
			})
		}
		for _, js := range ep.Video {
			set.Sources = append(set.Sources, Source{
				SSRC: js.SSRC, MediaType: MediaVideo, Name: js.Name,
				VideoType: VideoType(js.VideoType), Muted: js.Muted,
			})
		}
		for _, jg := range ep.AudioGroups {
			set.Groups = append(set.Groups, SsrcGroup{Semantics: jg.Semantics, SSRCs: jg.SSRCs, MediaType: MediaAudio})
		}
		for _, jg := range ep.VideoGroups {
			set.Groups = append(set.Groups, SsrcGroup{Semantics: jg.Semantics, SSRCs: jg.SSRCs, MediaType: MediaVideo})
		}
		m[EndpointID(owner)] = set
	}
	return m, nil
}
