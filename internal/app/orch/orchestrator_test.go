package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlcord/voice/internal/app"
	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   []core.Frame
	full     bool
	canceled bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return core.ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		typ, _ := protocol.PeekType(fr)
		out = append(out, typ)
	}
	return out
}

func (f *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.frames)
	require.NoError(t, json.Unmarshal(f.frames[len(f.frames)-1], v))
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

type fakeStore struct {
	mu   sync.Mutex
	recs map[domain.UserID]domain.MemberRecord
}

func (s *fakeStore) List(_ context.Context, ch domain.ChannelID) ([]domain.MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MemberRecord
	for _, r := range s.recs {
		if r.ChannelID == ch {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(_ context.Context, rec domain.MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.UserID] = rec
	return nil
}

func (s *fakeStore) Remove(_ context.Context, _ domain.ChannelID, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, user)
	return nil
}

type denyAll struct{}

func (denyAll) Allow(domain.UserID) bool { return false }

type harness struct {
	o     *Orchestrator
	conns map[string]*fakeConn
	store *fakeStore
}

func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()
	h := &harness{
		o: &Orchestrator{
			Registry: app.NewRegistry(),
			Channels: app.NewChannelManager(),
			Policy:   app.SimplePolicy{Action: app.KickMember},
		},
		conns: make(map[string]*fakeConn),
		store: &fakeStore{recs: make(map[domain.UserID]domain.MemberRecord)},
	}
	h.o.Store = h.store
	for _, u := range users {
		conn := &fakeConn{}
		sess := core.NewMemberSession(domain.NewMember(&domain.User{ID: domain.UserID(u), Username: u}), conn)
		require.NoError(t, h.o.Connect(core.SessionID("sid-"+u), sess, func() {
			conn.mu.Lock()
			conn.canceled = true
			conn.mu.Unlock()
		}))
		h.conns[u] = conn
	}
	return h
}

func sid(u string) core.SessionID { return core.SessionID("sid-" + u) }

var voice = domain.Channel{ID: "general", Kind: domain.ChannelAudio}

// ---------------------------------------------------------------------------
// presence
// ---------------------------------------------------------------------------

func TestJoin_ReturnsParticipantsAndBroadcasts(t *testing.T) {
	h := newHarness(t, "alice", "bob")

	ch, parts, err := h.o.Join(sid("alice"), voice)
	require.NoError(t, err)
	assert.Equal(t, voice, ch)
	require.Len(t, parts, 1)

	_, parts, err = h.o.Join(sid("bob"), voice)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	var upd protocol.VoiceStateUpdate
	h.conns["alice"].last(t, &upd)
	assert.Equal(t, protocol.TypeVoiceStateUpdate, upd.Type)
	assert.Equal(t, domain.UserID("bob"), upd.UserID)
	assert.Empty(t, h.conns["bob"].types(), "joiner gets participants from the return value")

	recs, _ := h.store.List(context.Background(), voice.ID)
	assert.Len(t, recs, 2)
}

func TestJoin_SameChannelTwiceIsNoop(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, err := h.o.Join(sid("alice"), voice)
	require.NoError(t, err)
	_, _, err = h.o.Join(sid("bob"), voice)
	require.NoError(t, err)
	h.conns["alice"].reset()

	_, parts, err := h.o.Join(sid("bob"), voice)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
	assert.Empty(t, h.conns["alice"].types())
}

func TestJoin_OneChannelPerUser(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	other := domain.Channel{ID: "raid", Kind: domain.ChannelAudioVideo}

	_, _, err := h.o.Join(sid("alice"), voice)
	require.NoError(t, err)
	_, _, err = h.o.Join(sid("bob"), voice)
	require.NoError(t, err)
	h.conns["bob"].reset()

	_, parts, err := h.o.Join(sid("alice"), other)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, domain.ChannelID("raid"), parts[0].ChannelID)

	var left protocol.VoiceUserLeft
	h.conns["bob"].last(t, &left)
	assert.Equal(t, protocol.TypeVoiceUserLeft, left.Type)
	assert.Equal(t, domain.UserID("alice"), left.UserID)

	svc, ok := h.o.Channels.Get(voice.ID)
	require.True(t, ok)
	assert.Equal(t, 1, svc.MemberCount())
}

func TestJoin_RateLimited(t *testing.T) {
	h := newHarness(t, "alice")
	h.o.Limiter = denyAll{}
	_, _, err := h.o.Join(sid("alice"), voice)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestJoin_UnknownSession(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.o.Join("nope", voice)
	assert.ErrorIs(t, err, core.ErrUnknownSession)
}

func TestLeave_Idempotent(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)
	h.conns["bob"].reset()

	assert.True(t, h.o.Leave(sid("alice")))
	assert.False(t, h.o.Leave(sid("alice")))
	assert.Equal(t, []string{protocol.TypeVoiceUserLeft}, h.conns["bob"].types())

	recs, _ := h.store.List(context.Background(), voice.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.UserID("bob"), recs[0].UserID)
}

func TestLeave_LastMemberClosesChannel(t *testing.T) {
	h := newHarness(t, "alice")
	_, _, _ = h.o.Join(sid("alice"), voice)
	h.o.Leave(sid("alice"))
	_, ok := h.o.Channels.Get(voice.ID)
	assert.False(t, ok)
}

func TestDisconnect_ImplicitLeave(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)
	h.conns["bob"].reset()

	h.o.Disconnect(sid("alice"))
	assert.Equal(t, []string{protocol.TypeVoiceUserLeft}, h.conns["bob"].types())
	_, ok := h.o.Registry.GetSession(sid("alice"))
	assert.False(t, ok)

	h.o.Disconnect(sid("alice"))
	assert.Len(t, h.conns["bob"].types(), 1)
}

func TestConnect_SecondSessionRejected(t *testing.T) {
	h := newHarness(t, "alice")
	sess := core.NewMemberSession(domain.NewMember(&domain.User{ID: "alice"}), &fakeConn{})
	err := h.o.Connect("sid-alice-2", sess, func() {})
	assert.ErrorIs(t, err, core.ErrAlreadyConnected)
}

// ---------------------------------------------------------------------------
// relay
// ---------------------------------------------------------------------------

func TestRelay_ForwardsUntouchedWithSender(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)

	payload := json.RawMessage(`{"type":"offer","sdp":"opaque"}`)
	err := h.o.Relay(sid("alice"), protocol.Signal{
		Type:         protocol.TypeOffer,
		ChannelID:    voice.ID,
		TargetUserID: "bob",
		FromUserID:   "mallory",
		Offer:        payload,
	})
	require.NoError(t, err)

	var got protocol.Signal
	h.conns["bob"].last(t, &got)
	assert.Equal(t, domain.UserID("alice"), got.FromUserID)
	assert.JSONEq(t, string(payload), string(got.Offer))
}

func TestRelay_TargetUnavailable(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)

	err := h.o.Relay(sid("alice"), protocol.Signal{Type: protocol.TypeOffer, ChannelID: voice.ID, TargetUserID: "carol"})
	assert.ErrorIs(t, err, core.ErrTargetUnavailable)

	err = h.o.Relay(sid("alice"), protocol.Signal{Type: protocol.TypeOffer, ChannelID: voice.ID, TargetUserID: "alice"})
	assert.ErrorIs(t, err, core.ErrTargetUnavailable)

	h.conns["bob"].mu.Lock()
	h.conns["bob"].full = true
	h.conns["bob"].mu.Unlock()
	err = h.o.Relay(sid("alice"), protocol.Signal{Type: protocol.TypeAnswer, ChannelID: voice.ID, TargetUserID: "bob"})
	assert.ErrorIs(t, err, core.ErrBackpressure)
	assert.NotErrorIs(t, err, core.ErrTargetUnavailable, "a slow member has not left")
}

func TestRelay_WrongChannel(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)

	err := h.o.Relay(sid("alice"), protocol.Signal{Type: protocol.TypeOffer, ChannelID: "elsewhere", TargetUserID: "bob"})
	assert.ErrorIs(t, err, core.ErrNotInChannel)
}

func TestRelay_PerSenderOrder(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)
	h.conns["bob"].reset()

	seq := []string{protocol.TypeOffer, protocol.TypeICECandidate, protocol.TypeICECandidate, protocol.TypeAnswer}
	for _, typ := range seq {
		require.NoError(t, h.o.Relay(sid("alice"), protocol.Signal{Type: typ, ChannelID: voice.ID, TargetUserID: "bob"}))
	}
	assert.Equal(t, seq, h.conns["bob"].types())
}

// ---------------------------------------------------------------------------
// state updates
// ---------------------------------------------------------------------------

func TestPublishStateUpdate_BroadcastsToAll(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)
	h.conns["alice"].reset()
	h.conns["bob"].reset()

	st, err := h.o.PublishStateUpdate(sid("alice"), voice.ID, domain.VoiceFlags{SelfMute: true})
	require.NoError(t, err)
	assert.True(t, st.SelfMute)

	for _, u := range []string{"alice", "bob"} {
		var upd protocol.VoiceStateUpdate
		h.conns[u].last(t, &upd)
		assert.Equal(t, domain.UserID("alice"), upd.UserID)
		assert.True(t, upd.SelfMute)
	}
	recs, _ := h.store.List(context.Background(), voice.ID)
	for _, r := range recs {
		if r.UserID == "alice" {
			assert.True(t, r.Flags.SelfMute)
		}
	}
}

func TestPublishStateUpdate_NotInChannel(t *testing.T) {
	h := newHarness(t, "alice")
	_, err := h.o.PublishStateUpdate(sid("alice"), voice.ID, domain.VoiceFlags{})
	assert.ErrorIs(t, err, core.ErrNotInChannel)
}

func TestBroadcast_KicksSlowMember(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)

	bob := h.conns["bob"]
	bob.mu.Lock()
	bob.full = true
	bob.mu.Unlock()

	_, _, err := h.o.Join(sid("carol"), voice)
	require.NoError(t, err)

	bob.mu.Lock()
	assert.True(t, bob.canceled)
	bob.mu.Unlock()
	svc, _ := h.o.Channels.Get(voice.ID)
	_, inChannel := svc.State("bob")
	assert.False(t, inChannel)
}

func TestEvictChannel(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	_, _, _ = h.o.Join(sid("alice"), voice)
	_, _, _ = h.o.Join(sid("bob"), voice)

	h.conns["alice"].reset()
	h.conns["bob"].reset()

	h.o.EvictChannel(voice.ID)
	_, ok := h.o.Channels.Get(voice.ID)
	assert.False(t, ok)
	_, _, ok = h.o.Registry.ChannelOf(sid("alice"))
	assert.False(t, ok)

	for _, u := range []string{"alice", "bob"} {
		conn := h.conns[u]
		assert.Contains(t, conn.types(), protocol.TypeVoiceChannelLeft, u)
		var left protocol.VoiceChannelLeft
		conn.last(t, &left)
		assert.Equal(t, protocol.LeftEvicted, left.Reason)
		assert.Equal(t, voice.ID, left.ChannelID)
		assert.False(t, conn.canceled, "signaling stays open")
	}
	_, ok = h.o.Registry.GetSession(sid("alice"))
	assert.True(t, ok)
	assert.Empty(t, h.store.recs)
}

func TestJoin_RacingLastLeaveStaysInOneChannel(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	for i := 0; i < 200; i++ {
		_, _, err := h.o.Join(sid("bob"), voice)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.o.Leave(sid("bob"))
		}()
		go func() {
			defer wg.Done()
			_, _, _ = h.o.Join(sid("alice"), voice)
		}()
		wg.Wait()

		_, parts, err := h.o.Join(sid("carol"), voice)
		require.NoError(t, err)
		require.Len(t, parts, 2, "iteration %d", i)

		h.o.Leave(sid("alice"))
		h.o.Leave(sid("carol"))
	}
}
