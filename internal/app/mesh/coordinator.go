package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/carlcord/voice/internal/domain"
)

const fanoutLimit = 8

type Coordinator struct {
	local    domain.UserID
	cfg      Config
	factory  Factory
	signaler Signaler
	log      zerolog.Logger

	mu      sync.Mutex
	closed  bool
	channel domain.ChannelID
	ctx     context.Context
	cancel  context.CancelFunc
	peers   *registry
	tracks  map[domain.TrackKind]webrtc.TrackLocal
	h       Hooks
}

func NewCoordinator(local domain.UserID, cfg Config, factory Factory, signaler Signaler) *Coordinator {
	return &Coordinator{
		local:    local,
		cfg:      cfg.withDefaults(),
		factory:  factory,
		signaler: signaler,
		log:      log.With().Str("module", "mesh").Str("local", string(local)).Logger(),
		peers:    newRegistry(),
		tracks:   make(map[domain.TrackKind]webrtc.TrackLocal),
	}
}

func (c *Coordinator) SetHooks(h Hooks) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *Coordinator) hooks() Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *Coordinator) Local() domain.UserID { return c.local }

// Join starts an empty mesh for ch, tearing down any previous one.
func (c *Coordinator) Join(ch domain.ChannelID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.channel == ch {
		c.mu.Unlock()
		return nil
	}
	old := c.detachLocked()
	c.channel = ch
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.closePeers(old)
	c.log.Info().Str("channel", string(ch)).Msg("mesh joined")
	return nil
}

// Leave closes every record and forgets local tracks. Calling it again is a no-op.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	ch := c.channel
	old := c.detachLocked()
	c.mu.Unlock()

	c.closePeers(old)
	if ch != "" {
		c.log.Info().Str("channel", string(ch)).Int("closed", len(old)).Msg("mesh left")
	}
}

// Close is Leave plus refusing any further Join.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	old := c.detachLocked()
	c.mu.Unlock()
	c.closePeers(old)
}

func (c *Coordinator) detachLocked() []*peer {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.channel = ""
	c.tracks = make(map[domain.TrackKind]webrtc.TrackLocal)
	return c.peers.drain()
}

func (c *Coordinator) closePeers(peers []*peer) {
	hook := c.hooks().OnPeerRemoved
	for _, p := range peers {
		p.close()
		if hook != nil {
			hook(p.key.Remote, nil)
		}
	}
}

func (c *Coordinator) Channel() domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Count is the number of live records.
func (c *Coordinator) Count() int { return c.peers.len() }

func (c *Coordinator) Peers() []domain.UserID {
	ps := c.peers.snapshot()
	out := make([]domain.UserID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.key.Remote)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Coordinator) State(remote domain.UserID) (SignalingState, bool) {
	p, ok := c.lookup(remote, "")
	if !ok {
		return StateClosed, false
	}
	return p.State(), true
}

func (c *Coordinator) lookup(remote domain.UserID, ch domain.ChannelID) (*peer, bool) {
	c.mu.Lock()
	cur := c.channel
	c.mu.Unlock()
	if cur == "" || (ch != "" && ch != cur) {
		return nil, false
	}
	return c.peers.get(Key{Local: c.local, Remote: remote, Channel: cur})
}

// ensure returns the record for remote in ch, creating it on first sight.
func (c *Coordinator) ensure(remote domain.UserID, ch domain.ChannelID) (*peer, error) {
	if remote == c.local || remote == "" {
		return nil, fmt.Errorf("mesh: invalid remote %q", remote)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.channel == "" || (ch != "" && ch != c.channel) {
		return nil, ErrNotJoined
	}
	key := Key{Local: c.local, Remote: remote, Channel: c.channel}
	p, created, err := c.peers.getOrCreate(key, func() (*peer, error) {
		role := RoleFor(c.local, remote)
		conn, err := c.factory(key, role)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return newPeer(c.ctx, c, key, role, conn), nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		p.wire()
		go p.run()
		tracks := make(map[domain.TrackKind]webrtc.TrackLocal, len(c.tracks))
		for k, t := range c.tracks {
			tracks[k] = t
		}
		p.post(func() { p.setup(tracks) })
		p.log.Info().Msg("peer created")
	}
	return p, nil
}

func (c *Coordinator) removePeer(p *peer, reason error) {
	removed := c.peers.remove(p.key, p)
	p.close()
	if !removed {
		return
	}
	if h := c.hooks().OnPeerRemoved; h != nil {
		h(p.key.Remote, reason)
	}
}

// PeerSeen makes sure a record exists for a co-member.
func (c *Coordinator) PeerSeen(remote domain.UserID) error {
	_, err := c.ensure(remote, "")
	return err
}

// PeerLeft destroys the record of a departed member.
func (c *Coordinator) PeerLeft(remote domain.UserID) {
	if p, ok := c.lookup(remote, ""); ok {
		c.removePeer(p, nil)
	}
}

// SyncMembers converges the mesh onto members: missing records are created, stale ones dropped.
func (c *Coordinator) SyncMembers(members []domain.UserID) error {
	want := make(map[domain.UserID]bool, len(members))
	var errs []error
	for _, m := range members {
		if m == c.local {
			continue
		}
		want[m] = true
		if _, err := c.ensure(m, ""); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range c.peers.snapshot() {
		if !want[p.key.Remote] {
			c.removePeer(p, nil)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) HandleOffer(from domain.UserID, ch domain.ChannelID, sd webrtc.SessionDescription) {
	p, err := c.ensure(from, ch)
	if err != nil {
		c.log.Debug().Err(err).Str("from", string(from)).Msg("drop offer")
		return
	}
	p.post(func() { p.onOffer(sd) })
}

func (c *Coordinator) HandleAnswer(from domain.UserID, ch domain.ChannelID, sd webrtc.SessionDescription) {
	p, ok := c.lookup(from, ch)
	if !ok {
		c.log.Warn().Str("from", string(from)).Msg("answer for unknown peer")
		return
	}
	p.post(func() { p.onAnswer(sd) })
}

func (c *Coordinator) HandleCandidate(from domain.UserID, ch domain.ChannelID, ci webrtc.ICECandidateInit) {
	p, err := c.ensure(from, ch)
	if err != nil {
		c.log.Debug().Err(err).Str("from", string(from)).Msg("drop candidate")
		return
	}
	p.post(func() { p.onCandidate(ci) })
}

// HandleRelayFailed discards the offer the gateway could not deliver. The
// record and any settled connection stay; a departed member is removed by
// PeerLeft when the gateway reports it.
func (c *Coordinator) HandleRelayFailed(target domain.UserID, ch domain.ChannelID) {
	if p, ok := c.lookup(target, ch); ok {
		p.post(p.abandonOffer)
	}
}

// SetLocalTrack publishes track for kind on every record. A nil track mutes the
// sender without renegotiation; a kind a record has no sender for yet triggers a new offer.
func (c *Coordinator) SetLocalTrack(ctx context.Context, kind domain.TrackKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	if c.channel == "" {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.tracks[kind] = track
	c.mu.Unlock()
	peers := c.peers.snapshot()

	errs := make([]error, len(peers))
	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for i, p := range peers {
		g.Go(func() error {
			err := p.call(ctx, func() error { return p.setTrack(kind, track) })
			if err != nil && !errors.Is(err, ErrPeerClosed) {
				errs[i] = fmt.Errorf("peer %s: %w", p.key.Remote, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
