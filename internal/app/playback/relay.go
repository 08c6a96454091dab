package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/carlcord/voice/internal/app/mesh"
	"github.com/carlcord/voice/internal/app/vad"
	"github.com/carlcord/voice/internal/domain"
)

// Relay reads one remote track and forwards its packets to a local output.
// Audio relays also feed a meter for voice activity.
type Relay struct {
	Remote domain.UserID
	Src    mesh.RemoteTrack
	Meter  *vad.TrackMeter

	player Player
	state  outputState
	log    zerolog.Logger

	mu     sync.Mutex
	device string
	out    Output

	cancel context.CancelFunc
	done   chan struct{}
}

func newRelay(remote domain.UserID, in mesh.IncomingTrack, player Player, device string, muted bool, dec vad.Decoder, logger zerolog.Logger) (*Relay, error) {
	out, err := player.Open(device, in.Track.Kind(), in.Track.ID())
	if err != nil {
		return nil, fmt.Errorf("open output %q: %w", device, err)
	}
	r := &Relay{
		Remote: remote,
		Src:    in.Track,
		player: player,
		device: device,
		out:    out,
		log:    logger,
		done:   make(chan struct{}),
	}
	if in.Track.Kind() == webrtc.RTPCodecTypeAudio {
		r.Meter = vad.NewTrackMeter(in.AudioLevelExtID, dec)
	}
	if muted {
		r.state.set(OutputMuted)
	}
	return r, nil
}

// Key identifies the relay among all remote tracks.
func (r *Relay) Key() string { return string(r.Remote) + "/" + r.Src.ID() }

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)
	defer r.finish()
	for {
		if ctx.Err() != nil {
			r.log.Debug().Msg("relay ctx done")
			return
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Info().Msg("remote track ended")
			} else {
				r.log.Error().Err(err).Msg("relay read RTP error, stopping")
			}
			return
		}
		if r.Meter != nil {
			r.Meter.Observe(pkt)
		}
		switch r.state.get() {
		case OutputClosed:
			return
		case OutputMuted:
		case OutputOk:
			r.mu.Lock()
			err := r.out.WriteRTP(pkt)
			r.mu.Unlock()
			if err != nil {
				r.log.Error().Err(err).Msg("relay write RTP error, closing output")
				return
			}
		}
	}
}

func (r *Relay) finish() {
	r.state.set(OutputClosed)
	if r.Meter != nil {
		r.Meter.Close()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.out.Close(); err != nil {
		r.log.Warn().Err(err).Msg("close output")
	}
}

// SetOutputDevice reopens the output on deviceID; packets keep flowing to the old one until it succeeds.
func (r *Relay) SetOutputDevice(deviceID string) error {
	if r.state.get() == OutputClosed {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID == r.device {
		return nil
	}
	out, err := r.player.Open(deviceID, r.Src.Kind(), r.Src.ID())
	if err != nil {
		return fmt.Errorf("open output %q: %w", deviceID, err)
	}
	old := r.out
	r.out, r.device = out, deviceID
	if err := old.Close(); err != nil {
		r.log.Warn().Err(err).Msg("close previous output")
	}
	r.log.Info().Str("device", deviceID).Msg("output switched")
	return nil
}

func (r *Relay) SetMuted(muted bool) {
	want, from := OutputOk, OutputMuted
	if muted {
		want, from = OutputMuted, OutputOk
	}
	r.state.v.CompareAndSwap(int32(from), int32(want))
}

func (r *Relay) State() OutputState { return r.state.get() }

func (r *Relay) Device() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}

func (r *Relay) stop() {
	r.state.set(OutputClosed)
	if r.cancel != nil {
		r.cancel()
	}
}

// Done is closed once the relay has released its output.
func (r *Relay) Done() <-chan struct{} { return r.done }
