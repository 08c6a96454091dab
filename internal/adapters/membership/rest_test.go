package membership

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	router "github.com/carlcord/voice/internal/adapters/http"
	"github.com/carlcord/voice/internal/app"
	"github.com/carlcord/voice/internal/app/orch"
	"github.com/carlcord/voice/internal/config"
	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
)

func newRESTServer(t *testing.T) (*httptest.Server, *MemoryStore) {
	t.Helper()
	backing := NewMemoryStore()
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Channels: app.NewChannelManager()}
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	srv := httptest.NewServer(router.SetupRouter(context.Background(), cfg, router.Deps{Orch: o, Store: backing}))
	t.Cleanup(srv.Close)
	return srv, backing
}

func TestRESTStore_RoundTrip(t *testing.T) {
	srv, backing := newRESTServer(t)
	ctx := context.Background()
	s := NewRESTStore(srv.URL+"/api", "", time.Second)

	// first upsert falls back to join
	require.NoError(t, s.Upsert(ctx, domain.MemberRecord{ChannelID: "general", UserID: "alice", Flags: domain.VoiceFlags{SelfMute: true}}))
	require.NoError(t, s.Upsert(ctx, domain.MemberRecord{ChannelID: "general", UserID: "bob"}))
	require.NoError(t, s.Upsert(ctx, domain.MemberRecord{ChannelID: "general", UserID: "alice", Flags: domain.VoiceFlags{SelfDeaf: true}}))

	recs, err := s.List(ctx, "general")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.VoiceFlags{SelfDeaf: true}, recs[0].Flags)

	direct, _ := backing.List(ctx, "general")
	assert.Equal(t, recs, direct)

	require.NoError(t, s.Remove(ctx, "general", "alice"))
	assert.ErrorIs(t, s.Remove(ctx, "general", "alice"), core.ErrMemberNotFound)

	recs, err = s.List(ctx, "general")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRESTStore_ServerDown(t *testing.T) {
	srv, _ := newRESTServer(t)
	url := srv.URL
	srv.Close()

	s := NewRESTStore(url+"/api", "", 200*time.Millisecond)
	_, err := s.List(context.Background(), "general")
	assert.Error(t, err)
	assert.Error(t, s.Upsert(context.Background(), domain.MemberRecord{ChannelID: "general", UserID: "alice"}))
}
