package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlcord/voice/internal/domain"
)

type Manager struct {
	capturer Capturer
	log      zerolog.Logger

	mu            sync.Mutex
	fanout        TrackFanout
	active        map[domain.TrackKind]CaptureTrack
	inputMuted    map[domain.TrackKind]bool
	preferred     map[domain.TrackKind]string
	sinks         map[Sink]struct{}
	output        string
	playbackMuted bool
	test          *selfTest
}

func NewManager(c Capturer) *Manager {
	return &Manager{
		capturer:   c,
		log:        log.With().Str("module", "devices").Logger(),
		active:     make(map[domain.TrackKind]CaptureTrack),
		inputMuted: make(map[domain.TrackKind]bool),
		preferred:  make(map[domain.TrackKind]string),
		sinks:      make(map[Sink]struct{}),
	}
}

// SetFanout selects where captured tracks are published; nil detaches.
func (m *Manager) SetFanout(f TrackFanout) {
	m.mu.Lock()
	m.fanout = f
	m.mu.Unlock()
}

func (m *Manager) Enumerate(ctx context.Context) (Devices, error) {
	d, err := m.capturer.Enumerate(ctx)
	if err != nil {
		return Devices{}, fmt.Errorf("enumerate devices: %w", err)
	}
	return d, nil
}

// publish hands track to the fanout unless the kind is muted.
func (m *Manager) publish(ctx context.Context, kind domain.TrackKind, track CaptureTrack) error {
	m.mu.Lock()
	f, muted := m.fanout, m.inputMuted[kind]
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	var t webrtc.TrackLocal
	if track != nil && !muted {
		t = track
	}
	return f.SetLocalTrack(ctx, kind, t)
}

// Acquire opens a capture track for kind and publishes it. An empty deviceID
// uses the last device chosen for kind, or the system default.
func (m *Manager) Acquire(ctx context.Context, kind domain.TrackKind, deviceID string) (CaptureTrack, error) {
	m.mu.Lock()
	if deviceID == "" {
		deviceID = m.preferred[kind]
	}
	m.mu.Unlock()

	track, err := m.capturer.Capture(ctx, kind, deviceID)
	if err != nil {
		return nil, acquisitionError(kind, deviceID, err)
	}

	m.mu.Lock()
	old := m.active[kind]
	m.active[kind] = track
	if deviceID != "" {
		m.preferred[kind] = deviceID
	}
	m.mu.Unlock()

	err = m.publish(ctx, kind, track)
	m.stopTrack(old)
	m.log.Info().Str("kind", string(kind)).Str("device", track.DeviceID()).Msg("capture started")
	if err != nil {
		return track, fmt.Errorf("publish %s track: %w", kind, err)
	}
	return track, nil
}

// Release stops the capture of kind and mutes its senders.
func (m *Manager) Release(ctx context.Context, kind domain.TrackKind) error {
	m.mu.Lock()
	old, ok := m.active[kind]
	delete(m.active, kind)
	f := m.fanout
	m.mu.Unlock()
	if !ok {
		return nil
	}
	var err error
	if f != nil {
		err = f.SetLocalTrack(ctx, kind, nil)
	}
	m.stopTrack(old)
	m.log.Info().Str("kind", string(kind)).Msg("capture released")
	return err
}

func (m *Manager) Track(kind domain.TrackKind) (CaptureTrack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[kind]
	return t, ok
}

// SwitchInput moves the capture of the device's kind onto deviceID. The new
// track replaces the old one on every connection before the old one stops.
func (m *Manager) SwitchInput(ctx context.Context, deviceID string) error {
	devs, err := m.Enumerate(ctx)
	if err != nil {
		return err
	}
	info, ok := devs.input(deviceID)
	if !ok {
		return &MediaAcquisitionError{Kind: domain.TrackAudio, DeviceID: deviceID, Reason: ReasonAbsent, Err: ErrAbsent}
	}
	kind := info.Kind
	if kind == "" {
		kind = domain.TrackAudio
	}

	m.mu.Lock()
	_, live := m.active[kind]
	if !live {
		m.preferred[kind] = deviceID
	}
	m.mu.Unlock()
	if !live {
		return nil
	}
	_, err = m.Acquire(ctx, kind, deviceID)
	return err
}

// SwitchOutput moves every registered sink, the self test included, to deviceID.
func (m *Manager) SwitchOutput(ctx context.Context, deviceID string) error {
	if deviceID != "" {
		devs, err := m.Enumerate(ctx)
		if err != nil {
			return err
		}
		if _, ok := devs.output(deviceID); !ok {
			return &MediaAcquisitionError{Kind: domain.TrackAudio, DeviceID: deviceID, Reason: ReasonAbsent, Err: ErrAbsent}
		}
	}
	m.mu.Lock()
	m.output = deviceID
	sinks := m.sinksLocked()
	m.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.SetOutputDevice(deviceID); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Info().Str("device", deviceID).Int("sinks", len(sinks)).Msg("output switched")
	return errors.Join(errs...)
}

func (m *Manager) Output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

func (m *Manager) sinksLocked() []Sink {
	out := make([]Sink, 0, len(m.sinks))
	for s := range m.sinks {
		out = append(out, s)
	}
	return out
}

// SetInputMuted swaps the published track of kind for silence, or back.
func (m *Manager) SetInputMuted(ctx context.Context, kind domain.TrackKind, muted bool) error {
	m.mu.Lock()
	m.inputMuted[kind] = muted
	track := m.active[kind]
	m.mu.Unlock()
	if track == nil {
		return nil
	}
	return m.publish(ctx, kind, track)
}

// RegisterSink starts applying output and mute changes to s.
func (m *Manager) RegisterSink(s Sink) error {
	m.mu.Lock()
	m.sinks[s] = struct{}{}
	out, muted := m.output, m.playbackMuted
	m.mu.Unlock()
	s.SetMuted(muted)
	if out == "" {
		return nil
	}
	return s.SetOutputDevice(out)
}

func (m *Manager) UnregisterSink(s Sink) {
	m.mu.Lock()
	delete(m.sinks, s)
	m.mu.Unlock()
}

func (m *Manager) SetPlaybackMuted(muted bool) {
	m.mu.Lock()
	m.playbackMuted = muted
	sinks := m.sinksLocked()
	test := m.test
	m.mu.Unlock()
	for _, s := range sinks {
		if test != nil && s == Sink(test.sink) {
			continue
		}
		s.SetMuted(muted)
	}
}

// StopAll stops every channel capture. The self test has its own lifetime and
// keeps running; connections are not touched.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tracks := make([]CaptureTrack, 0, len(m.active))
	for k, t := range m.active {
		tracks = append(tracks, t)
		delete(m.active, k)
	}
	m.mu.Unlock()
	for _, t := range tracks {
		m.stopTrack(t)
	}
}

func (m *Manager) stopTrack(t CaptureTrack) {
	if t == nil {
		return
	}
	if err := t.Stop(); err != nil {
		m.log.Warn().Err(err).Str("device", t.DeviceID()).Msg("stop capture")
	}
}
