package wsclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/carlcord/voice/internal/app/client"
	"github.com/carlcord/voice/internal/app/mesh"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
)

var (
	_ mesh.Signaler  = (*Conn)(nil)
	_ client.Gateway = (*Conn)(nil)
)

func (c *Conn) JoinChannel(ctx context.Context, ch domain.ChannelID, kind domain.ChannelKind) error {
	return c.sendJSON(ctx, protocol.JoinVoiceChannel{Type: protocol.TypeJoinVoiceChannel, ChannelID: ch, Kind: kind})
}

func (c *Conn) LeaveChannel(ctx context.Context, ch domain.ChannelID) error {
	return c.sendJSON(ctx, protocol.LeaveVoiceChannel{Type: protocol.TypeLeaveVoiceChannel, ChannelID: ch})
}

func (c *Conn) PublishState(ctx context.Context, ch domain.ChannelID, flags domain.VoiceFlags) error {
	return c.sendJSON(ctx, protocol.VoiceStateUpdate{Type: protocol.TypeVoiceStateUpdate, ChannelID: ch, VoiceFlags: flags})
}

func (c *Conn) SendOffer(ctx context.Context, ch domain.ChannelID, to domain.UserID, sd webrtc.SessionDescription) error {
	raw, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	return c.sendJSON(ctx, protocol.Signal{Type: protocol.TypeOffer, ChannelID: ch, TargetUserID: to, Offer: raw})
}

func (c *Conn) SendAnswer(ctx context.Context, ch domain.ChannelID, to domain.UserID, sd webrtc.SessionDescription) error {
	raw, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	return c.sendJSON(ctx, protocol.Signal{Type: protocol.TypeAnswer, ChannelID: ch, TargetUserID: to, Answer: raw})
}

func (c *Conn) SendCandidate(ctx context.Context, ch domain.ChannelID, to domain.UserID, ci webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(ci)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	// candidates are never resent, so a full buffer is waited out
	return c.sendWait(ctx, protocol.Signal{Type: protocol.TypeICECandidate, ChannelID: ch, TargetUserID: to, Candidate: raw})
}
