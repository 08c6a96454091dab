package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/carlcord/voice/internal/domain"
)

// fakeSDP renders a minimal parseable description with one audio section
// and one video section per video-like kind.
func fakeSDP(kinds []domain.TrackKind) string {
	var b strings.Builder
	b.WriteString("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	mid := 0
	section := func(media string) {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=mid:%d\r\na=sendrecv\r\n", media, mid)
		mid++
	}
	section("audio")
	for _, k := range kinds {
		if k.IsVideo() {
			section("video")
		}
	}
	return b.String()
}

type fakeSender struct {
	mu    sync.Mutex
	kind  domain.TrackKind
	track webrtc.TrackLocal
	swaps int
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.swaps++
	return nil
}

func (s *fakeSender) current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// fakePC enforces the same signaling transitions a real peer connection does.
type fakePC struct {
	key  Key
	role Role

	mu         sync.Mutex
	state      webrtc.SignalingState
	remoteSet  bool
	closed     bool
	offers     int
	answers    int
	rollbacks  int
	remoteSDPs []webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	iceErrors  int
	senders    []*fakeSender
}

func newFakePC(key Key, role Role) *fakePC {
	return &fakePC{key: key, role: role, state: webrtc.SignalingStateStable}
}

func (f *fakePC) kindsLocked() []domain.TrackKind {
	out := make([]domain.TrackKind, 0, len(f.senders))
	for _, s := range f.senders {
		out = append(out, s.kind)
	}
	return out
}

func (f *fakePC) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer in %s", f.state)
	}
	f.state = webrtc.SignalingStateHaveLocalOffer
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP(f.kindsLocked())}, nil
}

func (f *fakePC) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", f.state)
	}
	f.state = webrtc.SignalingStateStable
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP(f.kindsLocked())}, nil
}

func (f *fakePC) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if f.state != webrtc.SignalingStateStable {
			return fmt.Errorf("remote offer in %s", f.state)
		}
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote answer in %s", f.state)
		}
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unexpected %s", sd.Type)
	}
	f.remoteSet = true
	f.remoteSDPs = append(f.remoteSDPs, sd)
	return nil
}

func (f *fakePC) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in %s", f.state)
	}
	f.state = webrtc.SignalingStateStable
	f.rollbacks++
	return nil
}

func (f *fakePC) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		f.iceErrors++
		return errors.New("no remote description")
	}
	f.applied = append(f.applied, ci)
	return nil
}

func (f *fakePC) AddTrack(kind domain.TrackKind, t webrtc.TrackLocal) (TrackSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{kind: kind, track: t}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakePC) OnICECandidate(func(webrtc.ICECandidateInit))             {}
func (f *fakePC) OnTrack(func(IncomingTrack))                              {}
func (f *fakePC) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = webrtc.SignalingStateClosed
	return nil
}

type pcStats struct {
	state     webrtc.SignalingState
	closed    bool
	offers    int
	answers   int
	rollbacks int
	applied   []string
	iceErrors int
	remotes   int
	senders   []*fakeSender
}

func (f *fakePC) stats() pcStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := pcStats{
		state:     f.state,
		closed:    f.closed,
		offers:    f.offers,
		answers:   f.answers,
		rollbacks: f.rollbacks,
		iceErrors: f.iceErrors,
		remotes:   len(f.remoteSDPs),
		senders:   append([]*fakeSender(nil), f.senders...),
	}
	for _, ci := range f.applied {
		st.applied = append(st.applied, ci.Candidate)
	}
	return st
}

type envelope struct {
	kind     string
	from, to domain.UserID
	ch       domain.ChannelID
	sd       webrtc.SessionDescription
	ci       webrtc.ICECandidateInit
}

// network delivers signaling between coordinators the way the gateway does:
// per sender in order, to members only.
type network struct {
	mu     sync.Mutex
	nodes  map[domain.UserID]*Coordinator
	pcs    map[Key][]*fakePC
	hold   bool
	queue  []envelope
	failed map[domain.UserID]int
}

func newNetwork() *network {
	return &network{
		nodes:  make(map[domain.UserID]*Coordinator),
		pcs:    make(map[Key][]*fakePC),
		failed: make(map[domain.UserID]int),
	}
}

func (n *network) add(t *testing.T, id domain.UserID, cfg Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(id, cfg, n.factory, &nodeSignaler{net: n, from: id})
	n.mu.Lock()
	n.nodes[id] = c
	n.mu.Unlock()
	t.Cleanup(c.Close)
	return c
}

func (n *network) factory(key Key, role Role) (PeerConn, error) {
	pc := newFakePC(key, role)
	n.mu.Lock()
	n.pcs[key] = append(n.pcs[key], pc)
	n.mu.Unlock()
	return pc, nil
}

// pc returns the newest connection local opened towards remote.
func (n *network) pc(t *testing.T, local, remote domain.UserID, ch domain.ChannelID) *fakePC {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.pcs[Key{Local: local, Remote: remote, Channel: ch}]
	require.NotEmpty(t, list, "no connection %s -> %s", local, remote)
	return list[len(list)-1]
}

func (n *network) allPCs(local domain.UserID) []*fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakePC
	for k, list := range n.pcs {
		if k.Local == local {
			out = append(out, list...)
		}
	}
	return out
}

func (n *network) setHold(h bool) {
	n.mu.Lock()
	n.hold = h
	n.mu.Unlock()
}

// release delivers held messages in the given order. New messages keep
// queueing behind them until the queue drains, so per-sender order holds.
func (n *network) release(order func(q []envelope) []envelope) {
	n.mu.Lock()
	if order != nil {
		n.queue = order(n.queue)
	}
	n.mu.Unlock()
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.hold = false
			n.mu.Unlock()
			return
		}
		e := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		_ = n.dispatch(e)
	}
}

func (n *network) held() []envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]envelope(nil), n.queue...)
}

func (n *network) send(e envelope) error {
	n.mu.Lock()
	if n.hold {
		n.queue = append(n.queue, e)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.dispatch(e)
}

func (n *network) dispatch(e envelope) error {
	n.mu.Lock()
	dst, ok := n.nodes[e.to]
	n.mu.Unlock()
	if !ok || dst.Channel() != e.ch {
		n.mu.Lock()
		n.failed[e.from]++
		n.mu.Unlock()
		return ErrTargetUnavailable
	}
	switch e.kind {
	case "offer":
		dst.HandleOffer(e.from, e.ch, e.sd)
	case "answer":
		dst.HandleAnswer(e.from, e.ch, e.sd)
	case "candidate":
		dst.HandleCandidate(e.from, e.ch, e.ci)
	}
	return nil
}

type nodeSignaler struct {
	net  *network
	from domain.UserID
}

func (s *nodeSignaler) SendOffer(_ context.Context, ch domain.ChannelID, to domain.UserID, sd webrtc.SessionDescription) error {
	return s.net.send(envelope{kind: "offer", from: s.from, to: to, ch: ch, sd: sd})
}

func (s *nodeSignaler) SendAnswer(_ context.Context, ch domain.ChannelID, to domain.UserID, sd webrtc.SessionDescription) error {
	return s.net.send(envelope{kind: "answer", from: s.from, to: to, ch: ch, sd: sd})
}

func (s *nodeSignaler) SendCandidate(_ context.Context, ch domain.ChannelID, to domain.UserID, ci webrtc.ICECandidateInit) error {
	return s.net.send(envelope{kind: "candidate", from: s.from, to: to, ch: ch, ci: ci})
}

func audioTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "carlcord")
	require.NoError(t, err)
	return tr
}

func videoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "carlcord")
	require.NoError(t, err)
	return tr
}
