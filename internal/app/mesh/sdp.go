package mesh

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// offeredKinds counts the usable media sections of a session description per codec type.
func offeredKinds(raw string) (map[webrtc.RTPCodecType]int, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, err
	}
	out := make(map[webrtc.RTPCodecType]int, 2)
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			out[webrtc.RTPCodecTypeAudio]++
		case "video":
			out[webrtc.RTPCodecTypeVideo]++
		}
	}
	return out, nil
}
