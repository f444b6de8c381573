package sdp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// ValidateAnswer checks a rewritten SDP against everything the camera
// firmware verifies before it starts streaming. Returns the individual
// checks by name plus the overall verdict.
func ValidateAnswer(s string) (map[string]bool, bool) {
	checks := map[string]bool{
		"well_formed":     false,
		"has_goog_remb":   strings.Contains(s, "goog-remb"),
		"has_x_skl_ssrca": strings.Contains(s, "x-skl-ssrca:"),
		"has_x_skl_ssrcv": strings.Contains(s, "x-skl-ssrcv:"),
		"has_x_skl_cname": strings.Contains(s, "x-skl-cname:"),
		"has_audio_media": strings.Contains(s, "m=audio"),
		"has_video_media": strings.Contains(s, "m=video"),
		"has_h264":        strings.Contains(s, "H264"),
	}

	// The rewritten answer's last line carries no terminator; the parser
	// wants one.
	parseable := s
	if !strings.HasSuffix(parseable, "\r\n") {
		parseable += "\r\n"
	}

	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal([]byte(parseable)); err == nil {
		checks["well_formed"] = true
		audio, video := false, false
		for _, m := range sd.MediaDescriptions {
			switch m.MediaName.Media {
			case "audio":
				audio = true
			case "video":
				video = true
			}
		}
		checks["has_audio_media"] = audio
		checks["has_video_media"] = video
	}

	ok := true
	for _, v := range checks {
		ok = ok && v
	}
	return checks, ok
}

// FailedChecks lists the names of failed validation checks, sorted.
func FailedChecks(checks map[string]bool) []string {
	var failed []string
	for name, passed := range checks {
		if !passed {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// Info summarizes an SDP for logging and session stats.
type Info struct {
	ConnectionIP string
	AudioPort    int
	VideoPort    int
	AudioSSRC    uint32
	VideoSSRC    uint32
	CName        string
}

// ExtractInfo pulls the connection address, media ports and SSRC/CNAME
// values out of an SDP. Used on media-server answers, whose m= lines carry
// the ports the server actually listens on.
func ExtractInfo(s string) (Info, error) {
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal([]byte(s)); err != nil {
		return Info{}, fmt.Errorf("parse sdp: %w", err)
	}

	var info Info
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		info.ConnectionIP = sd.ConnectionInformation.Address.Address
	}

	for _, m := range sd.MediaDescriptions {
		ssrc, cname := firstSSRC(m)
		switch m.MediaName.Media {
		case "audio":
			info.AudioPort = m.MediaName.Port.Value
			info.AudioSSRC = ssrc
		case "video":
			info.VideoPort = m.MediaName.Port.Value
			info.VideoSSRC = ssrc
		}
		if cname != "" {
			info.CName = cname
		}
		if info.ConnectionIP == "" && m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			info.ConnectionIP = m.ConnectionInformation.Address.Address
		}
	}

	return info, nil
}

func firstSSRC(m *pionsdp.MediaDescription) (uint32, string) {
	for _, a := range m.Attributes {
		if a.Key != "ssrc" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		var cname string
		for _, f := range fields[1:] {
			if v, ok := strings.CutPrefix(f, "cname:"); ok {
				cname = v
			}
		}
		return uint32(n), cname
	}
	return 0, ""
}
