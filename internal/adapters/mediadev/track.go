package mediadev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/carlcord/voice/internal/app/devices"
	"github.com/carlcord/voice/internal/app/vad"
	"github.com/carlcord/voice/internal/domain"
)

var ErrStopped = errors.New("mediadev: track stopped")

const pcmBacklog = 16

// Track wraps a driver track as a devices.CaptureTrack. Audio tracks also
// expose their input level and raw samples.
type Track struct {
	webrtc.TrackLocal

	src      mediadevices.Track
	kind     domain.TrackKind
	deviceID string

	meter *vad.PCMMeter
	pcm   chan []int16

	stopOnce sync.Once
	done     chan struct{}
}

var (
	_ devices.CaptureTrack = (*Track)(nil)
	_ devices.PCMTap       = (*Track)(nil)
)

func newTrack(src mediadevices.Track, kind domain.TrackKind, deviceID string, lg zerolog.Logger) (*Track, error) {
	local, ok := src.(webrtc.TrackLocal)
	if !ok {
		return nil, fmt.Errorf("%w: driver track cannot be sent", devices.ErrAbsent)
	}
	t := &Track{
		TrackLocal: local,
		src:        src,
		kind:       kind,
		deviceID:   deviceID,
		done:       make(chan struct{}),
	}
	src.OnEnded(func(err error) {
		if err != nil {
			lg.Warn().Err(err).Str("kind", string(kind)).Str("device", deviceID).Msg("track ended")
		}
	})

	if at, ok := src.(*mediadevices.AudioTrack); ok {
		t.meter = vad.NewPCMMeter()
		t.pcm = make(chan []int16, pcmBacklog)
		reader := at.NewReader(false)
		go t.tap(func() (wave.Audio, func(), error) { return reader.Read() })
	}
	return t, nil
}

func (t *Track) DeviceID() string { return t.deviceID }

// Level reports the RMS of everything captured since the previous call.
func (t *Track) Level() (float64, error) {
	if t.meter == nil {
		return 0, vad.ErrSourceGone
	}
	return t.meter.Level()
}

func (t *Track) ReadPCM() ([]int16, error) {
	if t.pcm == nil {
		return nil, devices.ErrNoPCMTap
	}
	select {
	case s := <-t.pcm:
		return s, nil
	case <-t.done:
		return nil, ErrStopped
	}
}

func (t *Track) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		if t.meter != nil {
			t.meter.Close()
		}
		err = t.src.Close()
	})
	return err
}

// tap pulls decoded chunks until the track stops, feeding the meter and
// offering each chunk to ReadPCM. Chunks nobody reads in time are dropped.
func (t *Track) tap(read func() (wave.Audio, func(), error)) {
	for {
		chunk, release, err := read()
		if err != nil {
			return
		}
		samples := mono(chunk)
		if release != nil {
			release()
		}
		t.meter.Write(samples)
		select {
		case <-t.done:
			return
		case t.pcm <- samples:
		default:
		}
	}
}

// mono returns the first channel of chunk as int16.
func mono(chunk wave.Audio) []int16 {
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		ch := a.Size.Channels
		if ch <= 1 {
			return append([]int16(nil), a.Data...)
		}
		out := make([]int16, a.Size.Len)
		for i := range out {
			out[i] = a.Data[i*ch]
		}
		return out
	case *wave.Int16NonInterleaved:
		if len(a.Data) == 0 {
			return nil
		}
		return append([]int16(nil), a.Data[0]...)
	}
	info := chunk.ChunkInfo()
	out := make([]int16, info.Len)
	for i := range out {
		out[i] = int16(chunk.At(i, 0).Int() >> 48)
	}
	return out
}
