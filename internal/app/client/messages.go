package client

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/carlcord/voice/internal/app/mesh"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
)

// HandleMessage routes one frame from the gateway. Frames for a channel we
// are no longer in are dropped.
func (c *Client) HandleMessage(data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	switch typ {
	case protocol.TypeVoiceChannelJoined:
		var msg protocol.VoiceChannelJoined
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.onJoined(msg)
	case protocol.TypeVoiceStateUpdate:
		var msg protocol.VoiceStateUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.onStateUpdate(msg.State())
	case protocol.TypeVoiceUserLeft:
		var msg protocol.VoiceUserLeft
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.onUserLeft(msg.ChannelID, msg.UserID)
	case protocol.TypeVoiceChannelLeft:
		var msg protocol.VoiceChannelLeft
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		if msg.Reason == protocol.LeftEvicted {
			c.onEvicted(msg.ChannelID)
			return nil
		}
		c.log.Debug().Msg("gateway confirmed leave")
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		var msg protocol.Signal
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		return c.onSignal(msg)
	case protocol.TypeRelayFailed:
		var msg protocol.RelayFailed
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.log.Warn().Str("target", string(msg.TargetUserID)).Str("relay_type", msg.RelayType).Str("reason", msg.Reason).Msg("relay failed")
		c.Mesh.HandleRelayFailed(msg.TargetUserID, msg.ChannelID)
	case protocol.TypeError:
		var msg protocol.Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.log.Warn().Str("error", msg.Error).Msg("gateway error")
	case protocol.TypePong:
	default:
		c.log.Debug().Str("type", typ).Msg("unknown message type")
	}
	return nil
}

func (c *Client) inChannel(ch domain.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined && c.channel.ID == ch
}

func (c *Client) onJoined(msg protocol.VoiceChannelJoined) {
	c.mu.Lock()
	if !c.joined || c.channel.ID != msg.ChannelID {
		c.mu.Unlock()
		return
	}
	if msg.Kind != "" {
		c.channel.Kind = msg.Kind
	}
	clear(c.participants)
	ids := make([]domain.UserID, 0, len(msg.Participants))
	for _, p := range msg.Participants {
		c.participants[p.UserID] = p
		ids = append(ids, p.UserID)
	}
	c.mu.Unlock()

	if err := c.Mesh.SyncMembers(ids); err != nil {
		c.log.Warn().Err(err).Msg("sync mesh members")
	}
	c.log.Info().Str("channel", string(msg.ChannelID)).Int("participants", len(ids)).Msg("voice channel joined")
	c.notifyParticipants()
}

func (c *Client) onStateUpdate(st domain.ParticipantVoiceState) {
	c.mu.Lock()
	if !c.joined || c.channel.ID != st.ChannelID {
		c.mu.Unlock()
		return
	}
	prev, known := c.participants[st.UserID]
	if known && st.JoinedAt.IsZero() {
		st.JoinedAt = prev.JoinedAt
	}
	c.participants[st.UserID] = st
	c.mu.Unlock()

	// a member the mesh lost a record for gets a fresh one
	if _, has := c.Mesh.State(st.UserID); !has && st.UserID != c.user {
		if err := c.Mesh.PeerSeen(st.UserID); err != nil {
			c.log.Warn().Err(err).Str("remote", string(st.UserID)).Msg("add peer")
		}
	}
	c.notifyParticipants()
}

func (c *Client) onUserLeft(ch domain.ChannelID, user domain.UserID) {
	c.mu.Lock()
	if !c.joined || c.channel.ID != ch {
		c.mu.Unlock()
		return
	}
	delete(c.participants, user)
	c.mu.Unlock()

	c.Mesh.PeerLeft(user)
	c.notifyParticipants()
}

func (c *Client) onSignal(msg protocol.Signal) error {
	if !c.inChannel(msg.ChannelID) || msg.FromUserID == "" {
		return nil
	}
	switch msg.Type {
	case protocol.TypeOffer, protocol.TypeAnswer:
		raw := msg.Offer
		if msg.Type == protocol.TypeAnswer {
			raw = msg.Answer
		}
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(raw, &sd); err != nil {
			return fmt.Errorf("decode %s payload: %w", msg.Type, err)
		}
		if msg.Type == protocol.TypeOffer {
			c.Mesh.HandleOffer(msg.FromUserID, msg.ChannelID, sd)
		} else {
			c.Mesh.HandleAnswer(msg.FromUserID, msg.ChannelID, sd)
		}
	case protocol.TypeICECandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &ci); err != nil {
			return fmt.Errorf("decode candidate payload: %w", err)
		}
		c.Mesh.HandleCandidate(msg.FromUserID, msg.ChannelID, ci)
	}
	return nil
}

func (c *Client) onRemoteTrack(remote domain.UserID, in mesh.IncomingTrack) {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	r, err := c.Playback.Start(ctx, remote, in)
	if err != nil {
		c.log.Error().Err(err).Str("remote", string(remote)).Msg("start playback")
		return
	}
	if r.Meter != nil {
		c.VAD.Add(string(remote), r.Meter)
	}
}

func (c *Client) onPeerRemoved(remote domain.UserID, reason error) {
	c.Playback.StopRemote(remote)
	c.VAD.Remove(string(remote))
	if reason != nil {
		c.log.Warn().Err(reason).Str("remote", string(remote)).Msg("peer dropped")
	}
	if fn := c.eventHooks().OnPeerRemoved; fn != nil {
		fn(remote, reason)
	}
}

func (c *Client) onSpeaking(id string, speaking bool) {
	c.log.Debug().Str("source", id).Bool("speaking", speaking).Msg("speaking changed")
	if fn := c.eventHooks().OnSpeakingChanged; fn != nil {
		fn(domain.UserID(id), speaking)
	}
}
