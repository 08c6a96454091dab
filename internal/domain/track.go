package domain

type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// IsVideo is true for camera and screen tracks.
func (k TrackKind) IsVideo() bool { return k == TrackVideo || k == TrackScreen }

// TrackRef points at a device-owned track; peer records only reference it.
type TrackRef struct {
	Kind           TrackKind `json:"kind"`
	SourceDeviceID string    `json:"sourceDeviceId"`
}
