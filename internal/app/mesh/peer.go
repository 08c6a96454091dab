package mesh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/carlcord/voice/internal/domain"
)

const mailboxSize = 64

// peer is one PeerConnectionRecord together with the goroutine that owns it.
type peer struct {
	key  Key
	role Role
	conn PeerConn
	c    *Coordinator
	log  zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	mailbox   chan func()
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	// Fields below are touched only from run().
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	senders    map[domain.TrackKind]TrackSender
	pending    map[domain.TrackKind]bool
	inflight   map[domain.TrackKind]bool
	attempts   int
	timer      *time.Timer
	timerGen   uint64
}

func newPeer(parent context.Context, c *Coordinator, key Key, role Role, conn PeerConn) *peer {
	ctx, cancel := context.WithCancel(parent)
	p := &peer{
		key:      key,
		role:     role,
		conn:     conn,
		c:        c,
		log:      c.log.With().Str("remote", string(key.Remote)).Str("channel", string(key.Channel)).Str("role", role.String()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan func(), mailboxSize),
		done:     make(chan struct{}),
		senders:  make(map[domain.TrackKind]TrackSender),
		pending:  make(map[domain.TrackKind]bool),
		inflight: make(map[domain.TrackKind]bool),
	}
	p.state.Store(int32(StateNew))
	return p
}

func (p *peer) State() SignalingState { return SignalingState(p.state.Load()) }

func (p *peer) setState(s SignalingState) {
	old := SignalingState(p.state.Swap(int32(s)))
	if old == s {
		return
	}
	p.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("signaling state")
	if h := p.c.hooks().OnPeerState; h != nil {
		h(p.key.Remote, s)
	}
}

// idleState is where a rollback lands: stable once any remote description was applied.
func (p *peer) idleState() SignalingState {
	if p.remoteSet {
		return StateStable
	}
	return StateNew
}

// polite is the side that yields on glare.
func (p *peer) polite() bool { return p.role == RoleAnswerer }

func (p *peer) run() {
	defer close(p.done)
	defer p.shutdown()
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn := <-p.mailbox:
			if p.ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

func (p *peer) shutdown() {
	p.stopTimer()
	p.pendingICE = nil
	p.setState(StateClosed)
	if err := p.conn.Close(); err != nil {
		p.log.Error().Err(err).Msg("close peer connection")
	}
	p.log.Info().Msg("peer closed")
}

// close is idempotent and safe from any goroutine, including the actor itself.
func (p *peer) close() { p.closeOnce.Do(p.cancel) }

func (p *peer) post(fn func()) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case p.mailbox <- fn:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// call runs fn on the actor and waits for its result.
func (p *peer) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !p.post(func() { errc <- fn() }) {
		return ErrPeerClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPeerClosed
	}
}

func (p *peer) fail(reason error) {
	p.log.Warn().Err(reason).Msg("peer failed")
	p.c.removePeer(p, reason)
}

func (p *peer) armAnswerTimer() {
	p.stopTimer()
	p.timerGen++
	gen := p.timerGen
	p.timer = time.AfterFunc(p.c.cfg.AnswerTimeout, func() {
		p.post(func() { p.onAnswerTimeout(gen) })
	})
}

func (p *peer) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *peer) wire() {
	p.conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.c.signaler.SendCandidate(p.ctx, p.key.Channel, p.key.Remote, ci); err != nil && p.ctx.Err() == nil {
			p.log.Warn().Err(err).Str("candidate", ci.Candidate).Msg("candidate lost")
		}
	})
	p.conn.OnTrack(func(in IncomingTrack) {
		if p.ctx.Err() != nil {
			return
		}
		p.log.Info().Str("kind", in.Track.Kind().String()).Str("track_id", in.Track.ID()).Msg("remote track")
		if h := p.c.hooks().OnRemoteTrack; h != nil {
			h(p.key.Remote, in)
		}
	})
	p.conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("peer_connection_state", s.String()).Msg("connection state")
		if s == webrtc.PeerConnectionStateFailed {
			p.post(func() { p.fail(ErrConnectionFailed) })
		}
	})
}

// setup attaches the current local tracks and, on the offerer side, starts negotiation.
func (p *peer) setup(tracks map[domain.TrackKind]webrtc.TrackLocal) {
	for _, kind := range trackOrder {
		t, ok := tracks[kind]
		if !ok || t == nil {
			continue
		}
		s, err := p.conn.AddTrack(kind, t)
		if err != nil {
			p.log.Error().Err(err).Str("kind", string(kind)).Msg("attach local track")
			continue
		}
		p.senders[kind] = s
		p.pending[kind] = true
	}
	p.negotiate()
}

// setTrack replaces the media on an existing sender, or adds a sender and renegotiates.
func (p *peer) setTrack(kind domain.TrackKind, track webrtc.TrackLocal) error {
	if s, ok := p.senders[kind]; ok {
		return s.ReplaceTrack(track)
	}
	if track == nil {
		return nil
	}
	s, err := p.conn.AddTrack(kind, track)
	if err != nil {
		return err
	}
	p.senders[kind] = s
	p.pending[kind] = true
	p.negotiate()
	return nil
}
