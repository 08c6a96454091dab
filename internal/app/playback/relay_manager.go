package playback

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carlcord/voice/internal/app/mesh"
	"github.com/carlcord/voice/internal/app/vad"
	"github.com/carlcord/voice/internal/domain"
)

// Manager owns one Relay per remote track.
type Manager struct {
	player     Player
	newDecoder func() (vad.Decoder, error)

	mu     sync.Mutex
	relays map[string]*Relay
	device string
	muted  bool

	// OnEnded runs after a relay stopped on its own or was stopped.
	OnEnded func(r *Relay)
}

func NewManager(player Player) *Manager {
	if player == nil {
		player = DiscardPlayer{}
	}
	return &Manager{player: player, relays: make(map[string]*Relay)}
}

// SetDecoder gives every later audio relay its own payload decoder, so
// remote speech is metered from the decoded samples.
func (m *Manager) SetDecoder(fn func() (vad.Decoder, error)) {
	m.mu.Lock()
	m.newDecoder = fn
	m.mu.Unlock()
}

// Start opens an output for in and starts pumping it. A track that was
// already relayed under the same key replaces the old relay.
func (m *Manager) Start(ctx context.Context, remote domain.UserID, in mesh.IncomingTrack) (*Relay, error) {
	logger := log.With().
		Str("module", "playback").
		Str("remote", string(remote)).
		Str("track_id", in.Track.ID()).
		Str("kind", in.Track.Kind().String()).
		Logger()

	m.mu.Lock()
	device, muted, newDecoder := m.device, m.muted, m.newDecoder
	m.mu.Unlock()

	var dec vad.Decoder
	if newDecoder != nil && in.Track.Kind() == webrtc.RTPCodecTypeAudio {
		d, err := newDecoder()
		if err != nil {
			logger.Warn().Err(err).Msg("audio decoder, metering from header levels only")
		} else {
			dec = d
		}
	}

	r, err := newRelay(remote, in, m.player, device, muted, dec, logger)
	if err != nil {
		return nil, err
	}
	relayCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	m.mu.Lock()
	if old, ok := m.relays[r.Key()]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.stop()
	}
	m.relays[r.Key()] = r
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go func() {
		r.loop(relayCtx)
		cancel()
		m.forget(r)
	}()
	return r, nil
}

func (m *Manager) forget(r *Relay) {
	m.mu.Lock()
	if cur, ok := m.relays[r.Key()]; ok && cur == r {
		delete(m.relays, r.Key())
	}
	m.mu.Unlock()
	if m.OnEnded != nil {
		m.OnEnded(r)
	}
}

// StopRemote stops every relay of one remote member.
func (m *Manager) StopRemote(remote domain.UserID) {
	for _, r := range m.Relays() {
		if r.Remote == remote {
			r.stop()
		}
	}
}

func (m *Manager) StopAll() {
	for _, r := range m.Relays() {
		r.stop()
	}
}

func (m *Manager) Relays() []*Relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Relay, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SetOutputDevice moves every relay, and future ones, to deviceID.
func (m *Manager) SetOutputDevice(deviceID string) error {
	m.mu.Lock()
	m.device = deviceID
	m.mu.Unlock()
	var first error
	for _, r := range m.Relays() {
		if err := r.SetOutputDevice(deviceID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetMuted mutes or unmutes every relay, and future ones.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
	for _, r := range m.Relays() {
		r.SetMuted(muted)
	}
}
