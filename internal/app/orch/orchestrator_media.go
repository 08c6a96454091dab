package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Relay forwards an offer, answer or candidate to one co-member.
// The payload is passed through as-is; failures only concern this target.
// ErrTargetUnavailable means the target is not in the channel, ErrBackpressure
// that it is present but its send buffer is full.
func (o *Orchestrator) Relay(sid core.SessionID, msg protocol.Signal) error {
	user, ok := o.Registry.UserOf(sid)
	if !ok {
		return core.ErrUnknownSession
	}
	chID, _, ok := o.Registry.ChannelOf(sid)
	if !ok || chID != msg.ChannelID {
		return core.ErrNotInChannel
	}
	if msg.TargetUserID == "" || msg.TargetUserID == user.ID {
		return core.ErrTargetUnavailable
	}
	svc, ok := o.Channels.Get(chID)
	if !ok {
		return core.ErrNotInChannel
	}

	msg.FromUserID = user.ID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay: %w", err)
	}
	if err := svc.SendTo(msg.TargetUserID, data); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("from", string(user.ID)).Str("target", string(msg.TargetUserID)).Str("type", msg.Type).Msg("relay failed")
		if errors.Is(err, core.ErrTargetUnavailable) || errors.Is(err, core.ErrBackpressure) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrTargetUnavailable, err)
	}
	log.Debug().Str("module", "orch").Str("from", string(user.ID)).Str("target", string(msg.TargetUserID)).Str("type", msg.Type).Msg("relayed")
	return nil
}

// PublishStateUpdate stores the owner's flags and broadcasts them to the whole channel.
func (o *Orchestrator) PublishStateUpdate(sid core.SessionID, chID domain.ChannelID, flags domain.VoiceFlags) (domain.ParticipantVoiceState, error) {
	cur, _, ok := o.Registry.ChannelOf(sid)
	if !ok || cur != chID {
		return domain.ParticipantVoiceState{}, core.ErrNotInChannel
	}
	svc, ok := o.Channels.Get(chID)
	if !ok {
		return domain.ParticipantVoiceState{}, core.ErrNotInChannel
	}
	st, ok := svc.UpdateFlags(sid, flags)
	if !ok {
		return domain.ParticipantVoiceState{}, core.ErrNotInChannel
	}
	o.broadcast(svc, "", protocol.NewVoiceStateUpdate(st))
	o.mirror(func(ctx context.Context, s core.MembershipStore) error {
		return s.Upsert(ctx, domain.MemberRecord{ChannelID: chID, UserID: st.UserID, Flags: st.VoiceFlags})
	})
	return st, nil
}
