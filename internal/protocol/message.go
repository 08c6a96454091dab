// Package protocol defines the JSON messages exchanged over the signaling socket.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/carlcord/voice/internal/domain"
)

// Client to server.
const (
	TypeJoinVoiceChannel  = "join_voice_channel"
	TypeLeaveVoiceChannel = "leave_voice_channel"
	TypeOffer             = "webrtc_offer"
	TypeAnswer            = "webrtc_answer"
	TypeICECandidate      = "webrtc_ice_candidate"
	TypeVoiceStateUpdate  = "voice_state_update"
	TypePing              = "ping"
)

// Server to client.
const (
	TypeVoiceChannelJoined = "voice_channel_joined"
	TypeVoiceChannelLeft   = "voice_channel_left"
	TypeVoiceUserLeft      = "voice_user_left"
	TypeRelayFailed        = "relay_failed"
	TypeError              = "error"
	TypePong               = "pong"
)

type Envelope struct {
	Type string `json:"type"`
}

// PeekType returns the message type without decoding the body.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

type JoinVoiceChannel struct {
	Type      string             `json:"type"`
	ChannelID domain.ChannelID   `json:"channelId"`
	Kind      domain.ChannelKind `json:"kind,omitempty"`
}

type LeaveVoiceChannel struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// Signal carries offer, answer or ICE payloads between two members.
// The payload fields stay raw so the gateway relays them untouched.
type Signal struct {
	Type         string           `json:"type"`
	ChannelID    domain.ChannelID `json:"channelId"`
	TargetUserID domain.UserID    `json:"targetUserId,omitempty"`
	FromUserID   domain.UserID    `json:"fromUserId,omitempty"`
	Offer        json.RawMessage  `json:"offer,omitempty"`
	Answer       json.RawMessage  `json:"answer,omitempty"`
	Candidate    json.RawMessage  `json:"candidate,omitempty"`
}

type VoiceStateUpdate struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId,omitempty"`
	Username  string           `json:"username,omitempty"`
	domain.VoiceFlags
	JoinedAt time.Time `json:"joinedAt,omitzero"`
}

func NewVoiceStateUpdate(st domain.ParticipantVoiceState) VoiceStateUpdate {
	return VoiceStateUpdate{
		Type:       TypeVoiceStateUpdate,
		ChannelID:  st.ChannelID,
		UserID:     st.UserID,
		Username:   st.Username,
		VoiceFlags: st.VoiceFlags,
		JoinedAt:   st.JoinedAt,
	}
}

// State converts a broadcast update back into a participant view.
func (u VoiceStateUpdate) State() domain.ParticipantVoiceState {
	return domain.ParticipantVoiceState{
		ChannelID:  u.ChannelID,
		UserID:     u.UserID,
		Username:   u.Username,
		VoiceFlags: u.VoiceFlags,
		JoinedAt:   u.JoinedAt,
	}
}

type VoiceChannelJoined struct {
	Type         string                         `json:"type"`
	ChannelID    domain.ChannelID               `json:"channelId"`
	Kind         domain.ChannelKind             `json:"kind"`
	Participants []domain.ParticipantVoiceState `json:"participants"`
}

// LeftEvicted marks a leave the gateway forced on the member.
const LeftEvicted = "evicted"

// VoiceChannelLeft confirms a leave. Reason is empty when the member asked for it.
type VoiceChannelLeft struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	Reason    string           `json:"reason,omitempty"`
}

type VoiceUserLeft struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
}

type RelayFailed struct {
	Type         string           `json:"type"`
	ChannelID    domain.ChannelID `json:"channelId"`
	TargetUserID domain.UserID    `json:"targetUserId"`
	RelayType    string           `json:"relayType"`
	Reason       string           `json:"reason,omitempty"`
}

type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewError(msg string) Error { return Error{Type: TypeError, Error: msg} }

type Pong struct {
	Type string `json:"type"`
}
