package devices

import (
	"context"

	"github.com/carlcord/voice/internal/app/vad"
	"github.com/carlcord/voice/internal/domain"
)

type selfTest struct {
	track  CaptureTrack
	sink   LoopbackSink
	meter  *vad.PCMMeter
	cancel context.CancelFunc
	done   chan struct{}
}

// StartSelfTest captures deviceID on a track of its own and plays it back
// through sink. Nothing is published to the fanout. The returned meter
// reports the input level for as long as the test runs.
func (m *Manager) StartSelfTest(ctx context.Context, deviceID string, sink LoopbackSink) (*vad.PCMMeter, error) {
	m.mu.Lock()
	if m.test != nil {
		m.mu.Unlock()
		return nil, ErrSelfTestOn
	}
	if deviceID == "" {
		deviceID = m.preferred[domain.TrackAudio]
	}
	m.mu.Unlock()

	track, err := m.capturer.Capture(ctx, domain.TrackAudio, deviceID)
	if err != nil {
		return nil, acquisitionError(domain.TrackAudio, deviceID, err)
	}
	tap, ok := track.(PCMTap)
	if !ok {
		m.stopTrack(track)
		return nil, &MediaAcquisitionError{Kind: domain.TrackAudio, DeviceID: deviceID, Reason: ReasonAbsent, Err: ErrNoPCMTap}
	}

	testCtx, cancel := context.WithCancel(context.Background())
	st := &selfTest{track: track, sink: sink, meter: vad.NewPCMMeter(), cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.test != nil {
		m.mu.Unlock()
		cancel()
		m.stopTrack(track)
		return nil, ErrSelfTestOn
	}
	m.test = st
	out := m.output
	m.sinks[sink] = struct{}{}
	m.mu.Unlock()

	if out != "" {
		if err := sink.SetOutputDevice(out); err != nil {
			m.log.Warn().Err(err).Msg("self test output")
		}
	}
	go m.loopback(testCtx, st, tap)
	m.log.Info().Str("device", track.DeviceID()).Msg("self test started")
	return st.meter, nil
}

func (m *Manager) loopback(ctx context.Context, st *selfTest, tap PCMTap) {
	defer close(st.done)
	for ctx.Err() == nil {
		samples, err := tap.ReadPCM()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("self test capture ended")
			}
			return
		}
		st.meter.Write(samples)
		if err := st.sink.WritePCM(samples); err != nil {
			m.log.Debug().Err(err).Msg("self test playback")
		}
	}
}

// StopSelfTest ends the loopback. It is a no-op when no test runs.
func (m *Manager) StopSelfTest() {
	m.mu.Lock()
	st := m.test
	m.test = nil
	if st != nil {
		delete(m.sinks, st.sink)
	}
	m.mu.Unlock()
	if st == nil {
		return
	}
	st.cancel()
	m.stopTrack(st.track)
	<-st.done
	st.meter.Close()
	m.log.Info().Msg("self test stopped")
}

func (m *Manager) SelfTestRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.test != nil
}
