package protocol

import "github.com/carlcord/voice/internal/domain"

// VoiceRequest is the body of POST /voice/join, POST /voice/leave and PUT /voice/state.
// The user comes from the caller's identity, never from the body.
type VoiceRequest struct {
	ChannelID domain.ChannelID `json:"channelId" binding:"required"`
	domain.VoiceFlags
}

// ChannelMembers answers GET /voice/channel/{id}.
type ChannelMembers struct {
	ChannelID domain.ChannelID      `json:"channelId"`
	Members   []domain.MemberRecord `json:"members"`
}
