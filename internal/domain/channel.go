package domain

import "errors"

var ErrChannelKind = errors.New("unknown channel kind")

type ChannelID string

type ChannelKind string

const (
	ChannelAudio      ChannelKind = "audio"
	ChannelAudioVideo ChannelKind = "audio_video"
)

func ParseChannelKind(s string) (ChannelKind, error) {
	switch ChannelKind(s) {
	case "", ChannelAudio:
		return ChannelAudio, nil
	case ChannelAudioVideo:
		return ChannelAudioVideo, nil
	}
	return "", ErrChannelKind
}

// AllowsVideo reports whether camera and screen tracks may be published.
func (k ChannelKind) AllowsVideo() bool { return k == ChannelAudioVideo }

type Channel struct {
	ID   ChannelID   `json:"id"`
	Kind ChannelKind `json:"kind"`
}
