package conference

import (
	"strconv"
	"strings"

	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
)

// OfferOptions is everything configurable about a synthesized offer. The
// effective options for one participant are the configured ones intersected
// with the participant's discovered features.
type OfferOptions struct {
	Audio   bool `yaml:"audio"`
	Video   bool `yaml:"video"`
	Ice     bool `yaml:"ice"`
	Dtls    bool `yaml:"dtls"`
	Sctp    bool `yaml:"sctp"`
	Rtx     bool `yaml:"rtx"`
	Tcc     bool `yaml:"tcc"`
	Remb    bool `yaml:"remb"`
	OpusRed bool `yaml:"opusRed"`

	MinBitrate            int `yaml:"minBitrate"`
	StartBitrate          int `yaml:"startBitrate"`
	OpusMaxAverageBitrate int `yaml:"opusMaxAverageBitrate"`
}

func DefaultOfferOptions() OfferOptions {
	return OfferOptions{
		Audio: true,
		Video: true,
		Ice:   true,
		Dtls:  true,
		Sctp:  true,
		Rtx:   true,
		Tcc:   true,
	}
}

// Intersect disables every capability the participant did not advertise.
func (o OfferOptions) Intersect(features map[string]bool) OfferOptions {
	o.Audio = o.Audio && features[xmpp.FeatureAudio]
	o.Video = o.Video && features[xmpp.FeatureVideo]
	o.Ice = o.Ice && features[xmpp.FeatureIceUdp]
	o.Dtls = o.Dtls && features[xmpp.FeatureDtlsSrtp]
	o.Sctp = o.Sctp && features[xmpp.FeatureSctp]
	o.Rtx = o.Rtx && features[xmpp.FeatureRtx]
	o.Tcc = o.Tcc && features[xmpp.FeatureTcc]
	o.Remb = o.Remb && features[xmpp.FeatureRemb]
	o.OpusRed = o.OpusRed && features[xmpp.FeatureOpusRed]
	return o
}

// Well-known payload type numbers, matching what the bridges assume.
const (
	ptOpus    = 111
	ptOpusRed = 112
	ptVP8     = 100
	ptVP9     = 101
	ptRtxVP8  = 96
	ptRtxVP9  = 97
)

// BuildOffer synthesizes the session-initiate contents: codecs per the
// options, the bridge transport on each content, and the given remote sources
// attached to their media descriptions. codecOrder optionally reorders the
// video codecs (conference-wide majority preference).
func BuildOffer(
	options OfferOptions,
	transport *xmpp.IceUdpTransport,
	remote source.ConferenceSourceMap,
	codecOrder []string,
) ([]xmpp.Content, *xmpp.ContentGroup) {
	remoteContents := source.ToJingleContents(remote)
	sourcesFor := func(name string) (sources []xmpp.SourceElement, groups []xmpp.SsrcGroupElement) {
		for _, c := range remoteContents {
			if c.Name == name && c.Description != nil {
				return c.Description.Sources, c.Description.SsrcGroups
			}
		}
		return nil, nil
	}

	var contents []xmpp.Content
	if options.Audio {
		desc := &xmpp.RTPDescription{
			Media:        "audio",
			Maxptime:     60,
			PayloadTypes: audioPayloadTypes(options),
			HdrExts: []xmpp.RTPHdrExt{
				{ID: 1, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level"},
			},
			RtcpMux: &struct{}{},
		}
		if options.Tcc {
			desc.HdrExts = append(desc.HdrExts, xmpp.RTPHdrExt{
				ID: 5, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
			})
		}
		desc.Sources, desc.SsrcGroups = sourcesFor("audio")
		contents = append(contents, xmpp.Content{
			Creator:     "initiator",
			Name:        "audio",
			Senders:     "both",
			Description: desc,
			Transport:   transport,
		})
	}
	if options.Video {
		desc := &xmpp.RTPDescription{
			Media:        "video",
			PayloadTypes: videoPayloadTypes(options, codecOrder),
			RtcpMux:      &struct{}{},
		}
		if options.Tcc {
			desc.HdrExts = append(desc.HdrExts, xmpp.RTPHdrExt{
				ID: 5, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
			})
		}
		desc.Sources, desc.SsrcGroups = sourcesFor("video")
		contents = append(contents, xmpp.Content{
			Creator:     "initiator",
			Name:        "video",
			Senders:     "both",
			Description: desc,
			Transport:   transport,
		})
	}

	if len(contents) == 0 {
		return nil, nil
	}
	group := &xmpp.ContentGroup{Semantics: "BUNDLE"}
	for _, c := range contents {
		group.Contents = append(group.Contents, xmpp.GroupContent{Name: c.Name})
	}
	return contents, group
}

func audioPayloadTypes(options OfferOptions) []xmpp.PayloadType {
	opus := xmpp.PayloadType{
		ID:        ptOpus,
		Name:      "opus",
		ClockRate: 48000,
		Channels:  2,
		Params: []xmpp.Parameter{
			{Name: "minptime", Value: "10"},
			{Name: "useinbandfec", Value: "1"},
		},
	}
	if options.OpusMaxAverageBitrate > 0 {
		opus.Params = append(opus.Params, xmpp.Parameter{
			Name: "maxaveragebitrate", Value: strconv.Itoa(options.OpusMaxAverageBitrate),
		})
	}
	if options.Tcc {
		opus.Feedback = append(opus.Feedback, xmpp.RtcpFb{Type: "transport-cc"})
	}
	types := []xmpp.PayloadType{opus}
	if options.OpusRed {
		types = append([]xmpp.PayloadType{{
			ID:        ptOpusRed,
			Name:      "red",
			ClockRate: 48000,
			Channels:  2,
			Params:    []xmpp.Parameter{{Name: "", Value: strconv.Itoa(ptOpus) + "/" + strconv.Itoa(ptOpus)}},
		}}, types...)
	}
	return types
}

func videoPayloadTypes(options OfferOptions, codecOrder []string) []xmpp.PayloadType {
	build := func(name string, id, rtxID int) []xmpp.PayloadType {
		codec := xmpp.PayloadType{ID: id, Name: name, ClockRate: 90000}
		codec.Feedback = []xmpp.RtcpFb{
			{Type: "ccm", Subtype: "fir"},
			{Type: "nack"},
			{Type: "nack", Subtype: "pli"},
		}
		if options.Tcc {
			codec.Feedback = append(codec.Feedback, xmpp.RtcpFb{Type: "transport-cc"})
		}
		if options.Remb {
			codec.Feedback = append(codec.Feedback, xmpp.RtcpFb{Type: "goog-remb"})
		}
		if options.StartBitrate > 0 {
			codec.Params = append(codec.Params, xmpp.Parameter{
				Name: "x-google-start-bitrate", Value: strconv.Itoa(options.StartBitrate),
			})
		}
		if options.MinBitrate > 0 {
			codec.Params = append(codec.Params, xmpp.Parameter{
				Name: "x-google-min-bitrate", Value: strconv.Itoa(options.MinBitrate),
			})
		}
		types := []xmpp.PayloadType{codec}
		if options.Rtx {
			types = append(types, xmpp.PayloadType{
				ID:        rtxID,
				Name:      "rtx",
				ClockRate: 90000,
				Params:    []xmpp.Parameter{{Name: "apt", Value: strconv.Itoa(id)}},
			})
		}
		return types
	}

	codecs := []string{"vp8", "vp9"}
	if len(codecOrder) > 0 {
		// Keep only codecs we can offer, in the agreed order, then the rest.
		var ordered []string
		for _, name := range codecOrder {
			name = strings.ToLower(name)
			if (name == "vp8" || name == "vp9") && !contains(ordered, name) {
				ordered = append(ordered, name)
			}
		}
		for _, name := range codecs {
			if !contains(ordered, name) {
				ordered = append(ordered, name)
			}
		}
		codecs = ordered
	}

	var types []xmpp.PayloadType
	for _, name := range codecs {
		switch name {
		case "vp8":
			types = append(types, build("VP8", ptVP8, ptRtxVP8)...)
		case "vp9":
			types = append(types, build("VP9", ptVP9, ptRtxVP9)...)
		}
	}
	return types
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
