package membership

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, domain.MemberRecord{ChannelID: "general", UserID: "bob"}))
	require.NoError(t, s.Upsert(ctx, domain.MemberRecord{ChannelID: "general", UserID: "alice", Flags: domain.VoiceFlags{SelfMute: true}}))

	recs, err := s.List(ctx, "general")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.UserID("alice"), recs[0].UserID)
	assert.True(t, recs[0].Flags.SelfMute)

	// moving channels drops the old record
	require.NoError(t, s.Upsert(ctx, domain.MemberRecord{ChannelID: "raid", UserID: "alice"}))
	recs, _ = s.List(ctx, "general")
	assert.Len(t, recs, 1)
	recs, _ = s.List(ctx, "raid")
	assert.Len(t, recs, 1)

	assert.ErrorIs(t, s.Remove(ctx, "general", "alice"), core.ErrMemberNotFound)
	require.NoError(t, s.Remove(ctx, "raid", "alice"))
	assert.ErrorIs(t, s.Remove(ctx, "raid", "alice"), core.ErrMemberNotFound)

	recs, err = s.List(ctx, "raid")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
