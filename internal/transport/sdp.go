package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// preferredVideoCodec is moved to the front of the video format list
// when present, so the remote picks it during negotiation.
const preferredVideoCodec = "H264"

// Shaping carries the bitrate and framerate constraints applied to a
// session description before it is sent and again after the answer is
// applied.
type Shaping struct {
	// VideoBitrate is the target video bitrate in bits per second.
	// Zero leaves the description untouched.
	VideoBitrate uint64
	// VideoMaxFramerate caps the sender framerate. Zero means no cap.
	VideoMaxFramerate float64
	// AudioBitrate is the target audio bitrate in bits per second.
	AudioBitrate uint64
}

func (s Shaping) isZero() bool {
	return s.VideoBitrate == 0 && s.VideoMaxFramerate == 0 && s.AudioBitrate == 0
}

// preferCodec reorders the video format list so payload types mapped to
// codec come first. Descriptions without a matching rtpmap pass through
// unchanged. Returns the (possibly rewritten) SDP text.
func preferCodec(raw, codec string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	changed := false
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		preferred := matchingPayloadTypes(md, codec)
		if len(preferred) == 0 {
			continue
		}
		reordered := make([]string, 0, len(md.MediaName.Formats))
		for _, f := range md.MediaName.Formats {
			if preferred[f] {
				reordered = append(reordered, f)
			}
		}
		for _, f := range md.MediaName.Formats {
			if !preferred[f] {
				reordered = append(reordered, f)
			}
		}
		md.MediaName.Formats = reordered
		changed = true
	}
	if !changed {
		return raw, nil
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// matchingPayloadTypes collects the payload types whose rtpmap names
// the given codec, including their RTX repair streams.
func matchingPayloadTypes(md *sdp.MediaDescription, codec string) map[string]bool {
	preferred := make(map[string]bool)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, name, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.SplitN(name, "/", 2)[0], codec) {
			preferred[pt] = true
		}
	}
	if len(preferred) == 0 {
		return preferred
	}
	// Pull the matching apt=N repair payloads along with the codec.
	for _, attr := range md.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		pt, params, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		for _, p := range strings.Split(params, ";") {
			if apt, found := strings.CutPrefix(strings.TrimSpace(p), "apt="); found && preferred[apt] {
				preferred[pt] = true
			}
		}
	}
	return preferred
}

// applyShaping rewrites per-media bandwidth (b=TIAS) and the video
// framerate cap. Media sections keep any other attributes untouched.
func applyShaping(raw string, shaping Shaping) (string, error) {
	if shaping.isZero() {
		return raw, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		switch md.MediaName.Media {
		case "video":
			if shaping.VideoBitrate > 0 {
				setBandwidth(md, shaping.VideoBitrate)
			}
			if shaping.VideoMaxFramerate > 0 {
				setAttribute(md, "framerate", strconv.FormatFloat(shaping.VideoMaxFramerate, 'f', -1, 64))
			}
		case "audio":
			if shaping.AudioBitrate > 0 {
				setBandwidth(md, shaping.AudioBitrate)
			}
		}
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

func setBandwidth(md *sdp.MediaDescription, bps uint64) {
	for i := range md.Bandwidth {
		if md.Bandwidth[i].Type == "TIAS" {
			md.Bandwidth[i].Bandwidth = bps
			return
		}
	}
	md.Bandwidth = append(md.Bandwidth, sdp.Bandwidth{Type: "TIAS", Bandwidth: bps})
}

func setAttribute(md *sdp.MediaDescription, key, value string) {
	for i := range md.Attributes {
		if md.Attributes[i].Key == key {
			md.Attributes[i].Value = value
			return
		}
	}
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: key, Value: value})
}
