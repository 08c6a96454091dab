package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlcord/voice/internal/domain"
)

type fakeSignal struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
}

func (f *fakeSignal) TrySend(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, string(fr))
	}
	return out
}

func newSession(id string) (MemberSession, *fakeSignal) {
	sig := &fakeSignal{}
	return NewMemberSession(domain.NewMember(&domain.User{ID: domain.UserID(id), Username: id}), sig), sig
}

func TestChannel_JoinLeave(t *testing.T) {
	ch := NewChannelService(domain.Channel{ID: "c1", Kind: domain.ChannelAudio})
	a, _ := newSession("alice")

	st := ch.Join("s1", a)
	assert.Equal(t, domain.ChannelID("c1"), st.ChannelID)
	assert.Equal(t, domain.UserID("alice"), st.UserID)
	assert.False(t, st.JoinedAt.IsZero())
	assert.Equal(t, 1, ch.MemberCount())

	again := ch.Join("s1", a)
	assert.Equal(t, st, again)
	assert.Equal(t, 1, ch.MemberCount())

	left, ok := ch.Leave("s1")
	require.True(t, ok)
	assert.Equal(t, domain.UserID("alice"), left.UserID)

	_, ok = ch.Leave("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, ch.MemberCount())
}

func TestChannel_RejoinStartsClean(t *testing.T) {
	ch := NewChannelService(domain.Channel{ID: "c1", Kind: domain.ChannelAudio})
	a, _ := newSession("alice")
	ch.Join("s1", a)
	_, ok := ch.UpdateFlags("s1", domain.VoiceFlags{SelfMute: true})
	require.True(t, ok)
	ch.Leave("s1")

	st := ch.Join("s1", a)
	assert.False(t, st.SelfMute)
}

func TestChannel_AudioOnlyClearsVideoFlags(t *testing.T) {
	ch := NewChannelService(domain.Channel{ID: "c1", Kind: domain.ChannelAudio})
	a, _ := newSession("alice")
	ch.Join("s1", a)

	st, ok := ch.UpdateFlags("s1", domain.VoiceFlags{SelfMute: true, SelfVideo: true, ScreenSharing: true})
	require.True(t, ok)
	assert.True(t, st.SelfMute)
	assert.False(t, st.SelfVideo)
	assert.False(t, st.ScreenSharing)

	_, ok = ch.UpdateFlags("nobody", domain.VoiceFlags{})
	assert.False(t, ok)
}

func TestChannel_SendTo(t *testing.T) {
	ch := NewChannelService(domain.Channel{ID: "c1", Kind: domain.ChannelAudio})
	a, sigA := newSession("alice")
	ch.Join("s1", a)

	require.NoError(t, ch.SendTo("alice", Frame("one")))
	require.NoError(t, ch.SendTo("alice", Frame("two")))
	assert.Equal(t, []string{"one", "two"}, sigA.got())

	assert.ErrorIs(t, ch.SendTo("bob", Frame("x")), ErrTargetUnavailable)

	sigA.full = true
	assert.ErrorIs(t, ch.SendTo("alice", Frame("x")), ErrBackpressure)
}

func TestChannel_Broadcast(t *testing.T) {
	ch := NewChannelService(domain.Channel{ID: "c1", Kind: domain.ChannelAudio})
	a, sigA := newSession("alice")
	b, sigB := newSession("bob")
	c, sigC := newSession("carol")
	ch.Join("s1", a)
	ch.Join("s2", b)
	ch.Join("s3", c)
	sigC.full = true

	res := ch.Broadcast("s1", Frame("hi"))
	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, domain.UserID("carol"), res.Dropped[0].Meta().User.ID)
	assert.Empty(t, sigA.got())
	assert.Equal(t, []string{"hi"}, sigB.got())

	res = ch.Broadcast("", Frame("all"))
	assert.Equal(t, 2, res.SendTo)
	assert.Equal(t, []string{"all"}, sigA.got())
}

func TestChannel_SnapshotOrderedByJoin(t *testing.T) {
	ci := NewChannelService(domain.Channel{ID: "c1", Kind: domain.ChannelAudio}).(*channelImpl)
	base := time.Unix(1000, 0)
	tick := 0
	ci.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	b, _ := newSession("bob")
	a, _ := newSession("alice")
	ci.Join("s2", b)
	ci.Join("s1", a)

	snap := ci.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.UserID("bob"), snap[0].UserID)
	assert.Equal(t, domain.UserID("alice"), snap[1].UserID)

	st, ok := ci.State("alice")
	require.True(t, ok)
	assert.Equal(t, snap[1], st)
}
