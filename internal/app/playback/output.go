// Package playback pumps remote mesh tracks into local output devices.
package playback

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type OutputState int32

const (
	OutputOk OutputState = iota
	OutputMuted
	OutputClosed
)

// Output renders one remote track on a local device.
type Output interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Player opens outputs on a device; "" selects the system default.
type Player interface {
	Open(deviceID string, kind webrtc.RTPCodecType, trackID string) (Output, error)
}

type outputState struct {
	v atomic.Int32 // zero is OutputOk
}

func (s *outputState) get() OutputState   { return OutputState(s.v.Load()) }
func (s *outputState) set(st OutputState) { s.v.Store(int32(st)) }

// DiscardPlayer is the headless player: packets are counted and dropped.
type DiscardPlayer struct{}

func (DiscardPlayer) Open(string, webrtc.RTPCodecType, string) (Output, error) {
	return &DiscardOutput{}, nil
}

type DiscardOutput struct {
	Packets atomic.Int64
}

func (d *DiscardOutput) WriteRTP(*rtp.Packet) error {
	d.Packets.Add(1)
	return nil
}

func (d *DiscardOutput) Close() error { return nil }
