package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many join attempts")

// Join places the session in ch and returns everyone present, itself included.
// A user sits in one voice channel at a time, so a previous channel is left first.
func (o *Orchestrator) Join(sid core.SessionID, ch domain.Channel) (domain.Channel, []domain.ParticipantVoiceState, error) {
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return domain.Channel{}, nil, core.ErrUnknownSession
	}
	user := session.Meta().User

	if cur, _, ok := o.Registry.ChannelOf(sid); ok {
		if cur == ch.ID {
			if svc, ok := o.Channels.Get(cur); ok {
				return svc.Channel(), svc.Snapshot(), nil
			}
		}
		o.Leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_channel", string(cur)).Msg("left previous channel")
	}

	if o.Limiter != nil && !o.Limiter.Allow(user.ID) {
		return domain.Channel{}, nil, ErrRateLimited
	}

	svc, st := o.Channels.Join(ch, sid, session)
	o.Registry.SetChannel(sid, ch.ID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(user.ID)).Str("channel", string(ch.ID)).Msg("joined voice channel")

	o.broadcast(svc, sid, protocol.NewVoiceStateUpdate(st))
	o.mirror(func(ctx context.Context, s core.MembershipStore) error {
		return s.Upsert(ctx, domain.MemberRecord{ChannelID: ch.ID, UserID: user.ID, Flags: st.VoiceFlags})
	})
	return svc.Channel(), svc.Snapshot(), nil
}

// Leave is idempotent; only the call that actually removes the member broadcasts.
func (o *Orchestrator) Leave(sid core.SessionID) bool {
	chID, _, ok := o.Registry.ChannelOf(sid)
	if !ok {
		return false
	}
	o.Registry.ClearChannel(sid, chID)
	svc, ok := o.Channels.Get(chID)
	if !ok {
		return false
	}
	st, removed := svc.Leave(sid)
	if !removed {
		return false
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(chID)).Msg("left voice channel")

	o.broadcast(svc, sid, protocol.VoiceUserLeft{
		Type:      protocol.TypeVoiceUserLeft,
		ChannelID: chID,
		UserID:    st.UserID,
	})
	o.Channels.RemoveIfEmpty(chID)
	o.mirror(func(ctx context.Context, s core.MembershipStore) error {
		return s.Remove(ctx, chID, st.UserID)
	})
	return true
}

// KickBySID removes the member and tears its signaling session down.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Cancel(sid)
}

// EvictChannel forces every member out of a channel and stops it. Members
// keep their signaling sessions and are told why they left.
func (o *Orchestrator) EvictChannel(id domain.ChannelID) {
	notice, err := json.Marshal(protocol.VoiceChannelLeft{
		Type:      protocol.TypeVoiceChannelLeft,
		ChannelID: id,
		Reason:    protocol.LeftEvicted,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode eviction")
		return
	}
	snaps := o.Registry.MembersOfChannel(id)
	for _, snap := range snaps {
		o.Leave(snap.SID)
		if err := snap.Session.Signal().TrySend(core.Frame(notice)); err != nil {
			log.Debug().Err(err).Str("module", "orch").Str("sid", string(snap.SID)).Msg("eviction notice dropped")
		}
	}
	o.Channels.Stop(id)
	log.Info().Str("module", "orch").Str("channel", string(id)).Int("members", len(snaps)).Msg("channel evicted")
}
