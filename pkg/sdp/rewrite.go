package sdp

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	audioSSRCRe = regexp.MustCompile(`(?s)(m=audio.*?)a=ssrc:\d+`)
	videoSSRCRe = regexp.MustCompile(`(?s)(m=video.*?)a=ssrc:\d+`)
	cnameRe     = regexp.MustCompile(`cname:[^\s\r\n]+`)
	ipv4Re      = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
)

// RewriteAnswer turns the media server's answer into the SDP the camera
// firmware accepts:
//
//  1. the first a=ssrc in each media section becomes the fixed vendor SSRC,
//  2. every cname token becomes the session CNAME,
//  3. the three x-skl attributes are appended (last line unterminated,
//     matching the vendor's own tooling),
//  4. every IPv4 literal becomes externalIP,
//  5. a=direction:passive is inserted after a=recvonly in the video section.
//
// A missing a=direction:passive in the input means the media server is not
// configured for REMB feedback; that is logged but not fatal.
func (c *Codec) RewriteAnswer(answer, externalIP string, meta Metadata) string {
	if !strings.Contains(answer, "a=direction:passive") {
		c.log.Warn().Msg("Answer does not contain a=direction:passive; REMB feedback may not be produced")
	}

	rewritten := replaceFirstSSRC(answer, audioSSRCRe, meta.AudioSSRC)
	rewritten = replaceFirstSSRC(rewritten, videoSSRCRe, meta.VideoSSRC)
	rewritten = cnameRe.ReplaceAllString(rewritten, "cname:"+meta.CName)

	rewritten += fmt.Sprintf("a=x-skl-ssrca:%d\r\n", meta.AudioSSRC) +
		fmt.Sprintf("a=x-skl-ssrcv:%d\r\n", meta.VideoSSRC) +
		"a=x-skl-cname:" + meta.CName

	rewritten = ipv4Re.ReplaceAllLiteralString(rewritten, externalIP)
	rewritten = insertVideoPassive(rewritten)

	c.log.Debug().
		Str("external_ip", externalIP).
		Uint32("audio_ssrc", meta.AudioSSRC).
		Uint32("video_ssrc", meta.VideoSSRC).
		Msg("Rewrote media-server answer for camera")
	c.log.Trace().Str("sdp", rewritten).Msg("Rewritten answer")

	return rewritten
}

// replaceFirstSSRC rewrites the first a=ssrc line that follows the matched
// media line, leaving every later occurrence alone.
func replaceFirstSSRC(s string, re *regexp.Regexp, ssrc uint32) string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[3]] + fmt.Sprintf("a=ssrc:%d", ssrc) + s[loc[1]:]
}

// insertVideoPassive adds a=direction:passive after a=recvonly, video
// section only. The camera reads the direction attribute there and nowhere
// else.
func insertVideoPassive(s string) string {
	lines := strings.Split(s, "\r\n")
	out := make([]string, 0, len(lines)+1)
	inVideo := false
	added := false

	for _, line := range lines {
		if strings.HasPrefix(line, "m=video") {
			inVideo = true
			added = false
		} else if strings.HasPrefix(line, "m=") {
			inVideo = false
		}

		out = append(out, line)

		if inVideo && !added && line == "a=recvonly" {
			out = append(out, "a=direction:passive")
			added = true
		}
	}

	return strings.Join(out, "\r\n")
}
