package sdp

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/rs/zerolog"
)

// Codec builds camera-facing SDP offers and rewrites media-server answers
// into the form the camera firmware accepts. The output is wire-exact: the
// firmware string-matches several attributes, so every line and terminator
// here is deliberate.
type Codec struct {
	log zerolog.Logger
}

func NewCodec(log zerolog.Logger) *Codec {
	return &Codec{log: log.With().Str("component", "sdp").Logger()}
}

// BuildOffer synthesizes the minimal offer submitted to the media server on
// behalf of the camera. The connection address stays 0.0.0.0 so the media
// server derives its RTCP route from where RTP actually arrives; the answer
// sent to the camera gets the real IP during RewriteAnswer.
func (c *Codec) BuildOffer(meta Metadata) string {
	lines := []string{
		"v=0",
		fmt.Sprintf("o=- %d %d IN IP4 0.0.0.0", rand10(), rand10()),
		"s=Camera Livestream",
		"c=IN IP4 0.0.0.0",
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVPF 96 0", meta.AudioPort),
		fmt.Sprintf("a=rtcp:%d", meta.AudioPort+1),
		"a=rtpmap:96 opus/48000/2",
		"a=rtpmap:0 PCMU/8000",
		"a=sendrecv",
		"a=direction:active",
		fmt.Sprintf("a=ssrc:%d cname:%s", meta.AudioSSRC, meta.CName),
		fmt.Sprintf("m=video %d RTP/AVPF 103", meta.VideoPort),
		fmt.Sprintf("a=rtcp:%d", meta.VideoPort+1),
		"a=rtpmap:103 H264/90000",
		"a=fmtp:103 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		"a=rtcp-fb:103 nack",
		"a=rtcp-fb:103 nack pli",
		"a=rtcp-fb:103 goog-remb",
		"a=rtcp-fb:103 ccm fir",
		"a=sendonly",
		"a=direction:active",
		fmt.Sprintf("a=ssrc:%d cname:%s", meta.VideoSSRC, meta.CName),
	}

	c.log.Debug().
		Uint32("audio_ssrc", meta.AudioSSRC).
		Uint32("video_ssrc", meta.VideoSSRC).
		Str("cname", meta.CName).
		Int("audio_rtcp", meta.AudioPort+1).
		Int("video_rtcp", meta.VideoPort+1).
		Msg("Built vendor SDP offer")

	return strings.Join(lines, "\r\n") + "\r\n"
}

func rand10() int64 {
	return 1000000000 + rand.Int64N(9000000000)
}
