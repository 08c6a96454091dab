package core

import (
	"github.com/carlcord/voice/internal/domain"
)

// ChannelService is the core-facing API of one voice channel.
// It owns the membership set and voice states but never touches transport resources.
type ChannelService interface {
	Channel() domain.Channel
	MemberCount() int
	Snapshot() []domain.ParticipantVoiceState
	State(user domain.UserID) (domain.ParticipantVoiceState, bool)

	Join(sid SessionID, ms MemberSession) domain.ParticipantVoiceState
	// Leave reports false when sid was not a member, which keeps it idempotent.
	Leave(sid SessionID) (domain.ParticipantVoiceState, bool)
	UpdateFlags(sid SessionID, flags domain.VoiceFlags) (domain.ParticipantVoiceState, bool)

	SendTo(user domain.UserID, data Frame) error
	Broadcast(from SessionID, data Frame) PublishResult
}

type ChannelInfo struct {
	ID          domain.ChannelID   `json:"id"`
	Kind        domain.ChannelKind `json:"kind"`
	MemberCount int                `json:"member_count"`
}

type ChannelManager interface {
	// Join adds the member to ch, creating the channel on first use.
	Join(ch domain.Channel, sid SessionID, ms MemberSession) (ChannelService, domain.ParticipantVoiceState)
	Get(id domain.ChannelID) (ChannelService, bool)
	List() []ChannelInfo
	// RemoveIfEmpty drops a channel nobody is in any more.
	RemoveIfEmpty(id domain.ChannelID) bool
	Stop(id domain.ChannelID)
}
