// Package mediadev captures microphone, camera and screen through pion/mediadevices.
//
// Drivers register themselves through blank imports, so the binary decides
// which hardware is reachable. Without drivers Enumerate returns nothing and
// every Capture fails with devices.ErrAbsent.
package mediadev

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlcord/voice/internal/app/devices"
	"github.com/carlcord/voice/internal/domain"
)

type Options struct {
	SampleRate   int
	ChannelCount int
	Width        int
	Height       int
	FrameRate    float64
	// VideoBitRate is in bits per second.
	VideoBitRate int
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = 48000
	}
	if o.ChannelCount <= 0 {
		o.ChannelCount = 1
	}
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height <= 0 {
		o.Height = 480
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 1_000_000
	}
	return o
}

// Capturer implements devices.Capturer on top of the registered mediadevices drivers.
type Capturer struct {
	opts     Options
	selector *mediadevices.CodecSelector
	log      zerolog.Logger

	enumerate func() []mediadevices.MediaDeviceInfo
}

var _ devices.Capturer = (*Capturer)(nil)

func NewCapturer(opts Options) (*Capturer, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("mediadev: vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("mediadev: opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Capturer{
		opts:      opts,
		selector:  selector,
		log:       log.With().Str("module", "mediadev").Logger(),
		enumerate: mediadevices.EnumerateDevices,
	}, nil
}

func (c *Capturer) Enumerate(ctx context.Context) (devices.Devices, error) {
	if err := ctx.Err(); err != nil {
		return devices.Devices{}, err
	}
	return collect(c.enumerate()), nil
}

// collect sorts driver infos into inputs and outputs. The first device of each
// kind is the default since drivers list the system default first.
func collect(infos []mediadevices.MediaDeviceInfo) devices.Devices {
	out := devices.Devices{Inputs: []devices.Info{}, Outputs: []devices.Info{}}
	seen := make(map[mediadevices.MediaDeviceType]bool)
	for _, d := range infos {
		info := devices.Info{ID: d.DeviceID, Label: d.Label, Default: !seen[d.Kind]}
		if info.Label == "" {
			info.Label = d.DeviceID
		}
		switch d.Kind {
		case mediadevices.AudioInput:
			info.Kind = domain.TrackAudio
			out.Inputs = append(out.Inputs, info)
		case mediadevices.VideoInput:
			info.Kind = domain.TrackVideo
			out.Inputs = append(out.Inputs, info)
		case mediadevices.AudioOutput:
			out.Outputs = append(out.Outputs, info)
		default:
			continue
		}
		seen[d.Kind] = true
	}
	return out
}

func (c *Capturer) Capture(ctx context.Context, kind domain.TrackKind, deviceID string) (devices.CaptureTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deviceID != "" && !c.known(kind, deviceID) {
		return nil, fmt.Errorf("%w: %s", devices.ErrAbsent, deviceID)
	}

	var (
		stream mediadevices.MediaStream
		err    error
	)
	switch kind {
	case domain.TrackAudio:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(mc *mediadevices.MediaTrackConstraints) {
				if deviceID != "" {
					mc.DeviceID = prop.String(deviceID)
				}
				mc.SampleRate = prop.Int(c.opts.SampleRate)
				mc.ChannelCount = prop.Int(c.opts.ChannelCount)
				mc.Latency = prop.Duration(20 * time.Millisecond)
			},
			Codec: c.selector,
		})
	case domain.TrackVideo:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(mc *mediadevices.MediaTrackConstraints) {
				if deviceID != "" {
					mc.DeviceID = prop.String(deviceID)
				}
				mc.Width = prop.Int(c.opts.Width)
				mc.Height = prop.Int(c.opts.Height)
				mc.FrameRate = prop.Float(c.opts.FrameRate)
			},
			Codec: c.selector,
		})
	case domain.TrackScreen:
		stream, err = mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(mc *mediadevices.MediaTrackConstraints) {
				mc.FrameRate = prop.Float(c.opts.FrameRate)
			},
			Codec: c.selector,
		})
	default:
		return nil, fmt.Errorf("%w: kind %q", devices.ErrAbsent, kind)
	}
	if err != nil {
		return nil, classify(err)
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: driver returned no track", devices.ErrAbsent)
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	tr, err := newTrack(tracks[0], kind, deviceID, c.log)
	if err != nil {
		_ = tracks[0].Close()
		return nil, err
	}
	c.log.Debug().Str("kind", string(kind)).Str("device", deviceID).Msg("captured")
	return tr, nil
}

// known reports whether deviceID is listed for kind. Screens are not enumerated.
func (c *Capturer) known(kind domain.TrackKind, deviceID string) bool {
	if kind == domain.TrackScreen {
		return true
	}
	for _, in := range collect(c.enumerate()).Inputs {
		if in.ID == deviceID && in.Kind == kind {
			return true
		}
	}
	return false
}

// classify maps driver errors onto the device error kinds. Drivers only
// report text, so anything unrecognised counts as absent.
func classify(err error) error {
	if errors.Is(err, devices.ErrDenied) || errors.Is(err, devices.ErrBusy) || errors.Is(err, devices.ErrAbsent) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", devices.ErrDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"), strings.Contains(msg, "already open"):
		return fmt.Errorf("%w: %v", devices.ErrBusy, err)
	default:
		return fmt.Errorf("%w: %v", devices.ErrAbsent, err)
	}
}
