package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlcord/voice/internal/app/vad"
	"github.com/carlcord/voice/internal/domain"
)

type fakeTrack struct {
	webrtc.TrackLocal
	device string

	mu      sync.Mutex
	stopped bool
	pcm     chan []int16
}

func (f *fakeTrack) DeviceID() string { return f.device }

func (f *fakeTrack) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.pcm)
	}
	return nil
}

func (f *fakeTrack) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTrack) ReadPCM() ([]int16, error) {
	s, ok := <-f.pcm
	if !ok {
		return nil, io.EOF
	}
	return s, nil
}

type fakeCapturer struct {
	devs Devices

	mu     sync.Mutex
	opened []*fakeTrack
	fail   map[string]error
}

func (c *fakeCapturer) Enumerate(context.Context) (Devices, error) { return c.devs, nil }

func (c *fakeCapturer) Capture(_ context.Context, kind domain.TrackKind, deviceID string) (CaptureTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[deviceID]; err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID = "default-" + string(kind)
	}
	mime := webrtc.MimeTypeOpus
	if kind.IsVideo() {
		mime = webrtc.MimeTypeVP8
	}
	tl, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind)+"-"+deviceID, "local")
	if err != nil {
		return nil, err
	}
	t := &fakeTrack{TrackLocal: tl, device: deviceID, pcm: make(chan []int16, 8)}
	c.opened = append(c.opened, t)
	return t, nil
}

func (c *fakeCapturer) last() *fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened[len(c.opened)-1]
}

type publish struct {
	kind       domain.TrackKind
	track      webrtc.TrackLocal
	oldStopped bool
}

type fakeFanout struct {
	mu    sync.Mutex
	calls []publish
	prev  map[domain.TrackKind]*fakeTrack
}

func (f *fakeFanout) SetLocalTrack(_ context.Context, kind domain.TrackKind, t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prev == nil {
		f.prev = make(map[domain.TrackKind]*fakeTrack)
	}
	p := publish{kind: kind, track: t}
	if old := f.prev[kind]; old != nil {
		p.oldStopped = old.isStopped()
	}
	if ft, ok := t.(*fakeTrack); ok {
		f.prev[kind] = ft
	}
	f.calls = append(f.calls, p)
	return nil
}

func (f *fakeFanout) got() []publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publish(nil), f.calls...)
}

type fakeSink struct {
	mu      sync.Mutex
	device  string
	muted   bool
	written int
	failOn  string
}

func (s *fakeSink) SetOutputDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.failOn {
		return errors.New("cannot open")
	}
	s.device = id
	return nil
}

func (s *fakeSink) SetMuted(m bool) {
	s.mu.Lock()
	s.muted = m
	s.mu.Unlock()
}

func (s *fakeSink) WritePCM(samples []int16) error {
	s.mu.Lock()
	s.written += len(samples)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) snapshot() (string, bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.muted, s.written
}

func newTestManager() (*Manager, *fakeCapturer, *fakeFanout) {
	c := &fakeCapturer{
		devs: Devices{
			Inputs: []Info{
				{ID: "mic-1", Label: "Built-in", Kind: domain.TrackAudio, Default: true},
				{ID: "mic-2", Label: "USB", Kind: domain.TrackAudio},
				{ID: "cam-1", Label: "Webcam", Kind: domain.TrackVideo},
			},
			Outputs: []Info{{ID: "spk-1", Label: "Speakers", Default: true}, {ID: "hp-1", Label: "Headphones"}},
		},
		fail: map[string]error{},
	}
	f := &fakeFanout{}
	m := NewManager(c)
	m.SetFanout(f)
	return m, c, f
}

func TestAcquire_Publishes(t *testing.T) {
	m, c, f := newTestManager()
	tr, err := m.Acquire(context.Background(), domain.TrackAudio, "mic-1")
	require.NoError(t, err)
	assert.Equal(t, "mic-1", tr.DeviceID())

	calls := f.got()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.TrackAudio, calls[0].kind)
	assert.Equal(t, webrtc.TrackLocal(c.last()), calls[0].track)

	got, ok := m.Track(domain.TrackAudio)
	require.True(t, ok)
	assert.Equal(t, tr, got)
}

func TestAcquire_ErrorsSurfaceAsMediaAcquisitionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"denied", fmt.Errorf("os: %w", ErrDenied), ReasonDenied},
		{"busy", ErrBusy, ReasonBusy},
		{"absent", ErrAbsent, ReasonAbsent},
		{"unknown", errors.New("driver exploded"), ReasonAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c, f := newTestManager()
			c.fail["mic-x"] = tt.err
			_, err := m.Acquire(context.Background(), domain.TrackAudio, "mic-x")

			var mae *MediaAcquisitionError
			require.ErrorAs(t, err, &mae)
			assert.Equal(t, tt.want, mae.Reason)
			assert.Equal(t, "mic-x", mae.DeviceID)
			assert.ErrorIs(t, err, tt.err)
			assert.Empty(t, f.got())
			_, ok := m.Track(domain.TrackAudio)
			assert.False(t, ok)
		})
	}
}

func TestSwitchInput_ReplacesBeforeStopping(t *testing.T) {
	m, c, f := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, domain.TrackAudio, "mic-1")
	require.NoError(t, err)
	first := c.last()

	require.NoError(t, m.SwitchInput(ctx, "mic-2"))
	second := c.last()
	assert.NotSame(t, first, second)

	calls := f.got()
	require.Len(t, calls, 2)
	assert.Equal(t, webrtc.TrackLocal(second), calls[1].track)
	assert.False(t, calls[1].oldStopped, "old track must still run while being replaced")
	assert.True(t, first.isStopped())
	assert.False(t, second.isStopped())
}

func TestSwitchInput_KindFromEnumeration(t *testing.T) {
	m, _, f := newTestManager()
	ctx := context.Background()

	// no camera running: the choice is remembered for the next capture
	require.NoError(t, m.SwitchInput(ctx, "cam-1"))
	assert.Empty(t, f.got())

	tr, err := m.Acquire(ctx, domain.TrackVideo, "")
	require.NoError(t, err)
	assert.Equal(t, "cam-1", tr.DeviceID())
}

func TestSwitchInput_UnknownDevice(t *testing.T) {
	m, _, _ := newTestManager()
	err := m.SwitchInput(context.Background(), "nope")
	var mae *MediaAcquisitionError
	require.ErrorAs(t, err, &mae)
	assert.Equal(t, ReasonAbsent, mae.Reason)
}

func TestSwitchInput_FailureKeepsOldTrack(t *testing.T) {
	m, c, _ := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, domain.TrackAudio, "mic-1")
	require.NoError(t, err)
	first := c.last()
	c.fail["mic-2"] = ErrBusy

	err = m.SwitchInput(ctx, "mic-2")
	var mae *MediaAcquisitionError
	require.ErrorAs(t, err, &mae)
	assert.Equal(t, ReasonBusy, mae.Reason)
	assert.False(t, first.isStopped())
	cur, _ := m.Track(domain.TrackAudio)
	assert.Equal(t, "mic-1", cur.DeviceID())
}

func TestSetInputMuted(t *testing.T) {
	m, c, f := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, domain.TrackAudio, "")
	require.NoError(t, err)

	require.NoError(t, m.SetInputMuted(ctx, domain.TrackAudio, true))
	require.NoError(t, m.SetInputMuted(ctx, domain.TrackAudio, false))

	calls := f.got()
	require.Len(t, calls, 3)
	assert.Nil(t, calls[1].track)
	assert.Equal(t, webrtc.TrackLocal(c.last()), calls[2].track)
	assert.False(t, c.last().isStopped())
}

func TestMutedInputStaysMutedAcrossSwitch(t *testing.T) {
	m, _, f := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, domain.TrackAudio, "mic-1")
	require.NoError(t, err)
	require.NoError(t, m.SetInputMuted(ctx, domain.TrackAudio, true))
	require.NoError(t, m.SwitchInput(ctx, "mic-2"))

	calls := f.got()
	assert.Nil(t, calls[len(calls)-1].track)
}

func TestRelease(t *testing.T) {
	m, c, f := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, domain.TrackVideo, "cam-1")
	require.NoError(t, err)
	cam := c.last()

	require.NoError(t, m.Release(ctx, domain.TrackVideo))
	require.NoError(t, m.Release(ctx, domain.TrackVideo))
	calls := f.got()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[1].track)
	assert.True(t, cam.isStopped())
}

func TestSinks(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	a, b := &fakeSink{}, &fakeSink{failOn: "hp-1"}
	require.NoError(t, m.RegisterSink(a))
	require.NoError(t, m.RegisterSink(b))

	require.NoError(t, m.SwitchOutput(ctx, "spk-1"))
	dev, _, _ := a.snapshot()
	assert.Equal(t, "spk-1", dev)

	err := m.SwitchOutput(ctx, "hp-1")
	require.Error(t, err, "one failing sink is reported")
	dev, _, _ = a.snapshot()
	assert.Equal(t, "hp-1", dev, "other sinks still move")

	var mae *MediaAcquisitionError
	require.ErrorAs(t, m.SwitchOutput(ctx, "ghost"), &mae)
	assert.Equal(t, "hp-1", m.Output())

	m.SetPlaybackMuted(true)
	_, muted, _ := a.snapshot()
	assert.True(t, muted)

	late := &fakeSink{}
	require.NoError(t, m.RegisterSink(late))
	dev, muted, _ = late.snapshot()
	assert.Equal(t, "hp-1", dev)
	assert.True(t, muted)

	m.UnregisterSink(a)
	m.SetPlaybackMuted(false)
	_, muted, _ = a.snapshot()
	assert.True(t, muted, "unregistered sinks are left alone")
}

func TestSelfTest_IsolatedLoopback(t *testing.T) {
	m, c, f := newTestManager()
	ctx := context.Background()
	sink := &fakeSink{}

	meter, err := m.StartSelfTest(ctx, "mic-2", sink)
	require.NoError(t, err)
	tr := c.last()
	assert.Equal(t, "mic-2", tr.DeviceID())
	assert.True(t, m.SelfTestRunning())

	_, err = m.StartSelfTest(ctx, "", &fakeSink{})
	assert.ErrorIs(t, err, ErrSelfTestOn)

	tr.pcm <- []int16{16384, -16384}
	require.Eventually(t, func() bool {
		_, _, n := sink.snapshot()
		return n == 2
	}, time.Second, 5*time.Millisecond)
	lvl, err := meter.Level()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, lvl, 1e-9)

	require.NoError(t, m.SwitchOutput(ctx, "hp-1"))
	dev, _, _ := sink.snapshot()
	assert.Equal(t, "hp-1", dev)

	assert.Empty(t, f.got(), "self test never reaches connections")

	m.StopSelfTest()
	m.StopSelfTest()
	assert.True(t, tr.isStopped())
	assert.False(t, m.SelfTestRunning())
	_, err = meter.Level()
	assert.ErrorIs(t, err, vad.ErrSourceGone)
}

func TestStopAll(t *testing.T) {
	m, c, _ := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, domain.TrackAudio, "mic-1")
	require.NoError(t, err)
	mic := c.last()
	_, err = m.Acquire(ctx, domain.TrackVideo, "cam-1")
	require.NoError(t, err)
	cam := c.last()

	m.StopAll()
	assert.True(t, mic.isStopped())
	assert.True(t, cam.isStopped())
	_, ok := m.Track(domain.TrackAudio)
	assert.False(t, ok)
}

func TestStopAll_KeepsSelfTest(t *testing.T) {
	m, c, _ := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, domain.TrackAudio, "mic-1")
	require.NoError(t, err)
	mic := c.last()

	sink := &fakeSink{}
	_, err = m.StartSelfTest(ctx, "mic-2", sink)
	require.NoError(t, err)
	looped := c.last()

	m.StopAll()
	assert.True(t, mic.isStopped())
	assert.False(t, looped.isStopped())
	require.True(t, m.SelfTestRunning())

	looped.pcm <- []int16{100, 200, 300}
	require.Eventually(t, func() bool {
		_, _, n := sink.snapshot()
		return n == 3
	}, time.Second, 5*time.Millisecond)

	m.StopSelfTest()
	assert.True(t, looped.isStopped())
}
