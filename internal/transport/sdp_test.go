package transport

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
)

const videoOffer = "v=0\r\n" +
	"o=- 123 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 102 103\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n" +
	"a=fmtp:97 apt=96\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f\r\n" +
	"a=rtpmap:103 rtx/90000\r\n" +
	"a=fmtp:103 apt=102\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func videoFormats(t *testing.T, raw string) []string {
	t.Helper()
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		t.Fatalf("parse sdp: %v", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return md.MediaName.Formats
		}
	}
	t.Fatal("no video media section")
	return nil
}

func TestPreferCodecReordersFormats(t *testing.T) {
	t.Parallel()

	out, err := preferCodec(videoOffer, "H264")
	if err != nil {
		t.Fatalf("preferCodec: %v", err)
	}
	got := videoFormats(t, out)
	want := []string{"102", "103", "96", "97"}
	if len(got) != len(want) {
		t.Fatalf("formats: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("formats: got %v, want %v", got, want)
		}
	}
}

func TestPreferCodecAbsentCodecUntouched(t *testing.T) {
	t.Parallel()

	out, err := preferCodec(videoOffer, "AV1")
	if err != nil {
		t.Fatalf("preferCodec: %v", err)
	}
	if out != videoOffer {
		t.Error("description without the codec must pass through unchanged")
	}
}

func TestApplyShaping(t *testing.T) {
	t.Parallel()

	out, err := applyShaping(videoOffer, Shaping{
		VideoBitrate:      2_000_000,
		VideoMaxFramerate: 30,
		AudioBitrate:      128_000,
	})
	if err != nil {
		t.Fatalf("applyShaping: %v", err)
	}
	if !strings.Contains(out, "b=TIAS:2000000") {
		t.Error("missing video TIAS bandwidth")
	}
	if !strings.Contains(out, "b=TIAS:128000") {
		t.Error("missing audio TIAS bandwidth")
	}
	if !strings.Contains(out, "a=framerate:30") {
		t.Error("missing framerate cap")
	}
}

func TestApplyShapingZeroIsNoop(t *testing.T) {
	t.Parallel()

	out, err := applyShaping(videoOffer, Shaping{})
	if err != nil {
		t.Fatalf("applyShaping: %v", err)
	}
	if out != videoOffer {
		t.Error("zero shaping must pass through unchanged")
	}
}

func TestApplyShapingIdempotentBandwidth(t *testing.T) {
	t.Parallel()

	// Re-applying after the answer must replace, not stack, the
	// bandwidth line.
	once, err := applyShaping(videoOffer, Shaping{VideoBitrate: 1_000_000})
	if err != nil {
		t.Fatalf("applyShaping: %v", err)
	}
	twice, err := applyShaping(once, Shaping{VideoBitrate: 2_000_000})
	if err != nil {
		t.Fatalf("applyShaping: %v", err)
	}
	if strings.Contains(twice, "b=TIAS:1000000") {
		t.Error("old bandwidth line should be replaced")
	}
	if got := strings.Count(twice, "b=TIAS:2000000"); got != 1 {
		t.Errorf("TIAS line count: got %d, want 1", got)
	}
}
