// Package devices owns local capture tracks and output selection.
//
// Capture and playback hardware sit behind Capturer and Sink so the manager
// can be driven by mediadevices in the peer binary and by fakes in tests.
package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/carlcord/voice/internal/domain"
)

var (
	ErrDenied = errors.New("devices: permission denied")
	ErrBusy   = errors.New("devices: device busy")
	ErrAbsent = errors.New("devices: no such device")

	ErrNoCapture  = errors.New("devices: nothing captured for kind")
	ErrNoPCMTap   = errors.New("devices: track has no pcm tap")
	ErrSelfTestOn = errors.New("devices: self test already running")
)

type Reason string

const (
	ReasonDenied Reason = "denied"
	ReasonBusy   Reason = "busy"
	ReasonAbsent Reason = "absent"
)

// MediaAcquisitionError is returned to the caller whenever a device cannot be opened.
type MediaAcquisitionError struct {
	Kind     domain.TrackKind
	DeviceID string
	Reason   Reason
	Err      error
}

func (e *MediaAcquisitionError) Error() string {
	dev := e.DeviceID
	if dev == "" {
		dev = "default"
	}
	msg := fmt.Sprintf("devices: cannot acquire %s device %q: %s", e.Kind, dev, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

func acquisitionError(kind domain.TrackKind, deviceID string, err error) error {
	var mae *MediaAcquisitionError
	if errors.As(err, &mae) {
		return err
	}
	reason := ReasonAbsent
	switch {
	case errors.Is(err, ErrDenied):
		reason = ReasonDenied
	case errors.Is(err, ErrBusy):
		reason = ReasonBusy
	}
	return &MediaAcquisitionError{Kind: kind, DeviceID: deviceID, Reason: reason, Err: err}
}

type Info struct {
	ID      string           `json:"id"`
	Label   string           `json:"label"`
	Kind    domain.TrackKind `json:"kind,omitempty"`
	Default bool             `json:"default,omitempty"`
}

type Devices struct {
	Inputs  []Info `json:"inputs"`
	Outputs []Info `json:"outputs"`
}

func (d Devices) input(id string) (Info, bool) {
	for _, in := range d.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return Info{}, false
}

func (d Devices) output(id string) (Info, bool) {
	for _, out := range d.Outputs {
		if out.ID == id {
			return out, true
		}
	}
	return Info{}, false
}

// CaptureTrack is a live local track bound to one device.
type CaptureTrack interface {
	webrtc.TrackLocal
	DeviceID() string
	Stop() error
}

// PCMTap is implemented by audio tracks that expose raw samples.
// ReadPCM blocks for the next chunk and fails once the track is stopped.
type PCMTap interface {
	ReadPCM() ([]int16, error)
}

type Capturer interface {
	Enumerate(ctx context.Context) (Devices, error)
	// Capture opens deviceID, or the default device of kind when deviceID is empty.
	Capture(ctx context.Context, kind domain.TrackKind, deviceID string) (CaptureTrack, error)
}

// Sink is anything that plays audio on an output device.
type Sink interface {
	SetOutputDevice(deviceID string) error
	SetMuted(muted bool)
}

// LoopbackSink plays the self test back to the user.
type LoopbackSink interface {
	Sink
	WritePCM(samples []int16) error
}

// TrackFanout publishes a local track on every open connection. A nil track mutes.
type TrackFanout interface {
	SetLocalTrack(ctx context.Context, kind domain.TrackKind, track webrtc.TrackLocal) error
}
