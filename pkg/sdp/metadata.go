package sdp

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
)

// Fixed SSRC values the camera firmware expects. The firmware matches these
// byte-for-byte against the a=ssrc and x-skl attributes in the answer.
const (
	AudioSSRC uint32 = 229236353
	VideoSSRC uint32 = 1607797317
)

// Metadata holds the per-session values woven into the vendor SDP. It is
// created once when a stream session starts and never changes afterwards.
type Metadata struct {
	AudioSSRC uint32
	VideoSSRC uint32
	CName     string
	AudioPort int
	VideoPort int
	RTCPPort  int
}

// NewMetadata returns session metadata with the fixed vendor SSRCs and a
// fresh CNAME of the shape user<10 digits>@host-<8 hex chars>.
func NewMetadata(audioPort, videoPort, rtcpPort int) Metadata {
	return Metadata{
		AudioSSRC: AudioSSRC,
		VideoSSRC: VideoSSRC,
		CName:     newCName(),
		AudioPort: audioPort,
		VideoPort: videoPort,
		RTCPPort:  rtcpPort,
	}
}

func newCName() string {
	user := 1000000000 + rand.Int64N(9000000000)
	host := uuid.New()
	return fmt.Sprintf("user%d@host-%s", user, hex.EncodeToString(host[:4]))
}
