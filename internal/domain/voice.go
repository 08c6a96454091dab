package domain

import "time"

// VoiceFlags are owned by the participant; only they mutate them.
type VoiceFlags struct {
	SelfMute      bool `json:"selfMute"`
	SelfDeaf      bool `json:"selfDeaf"`
	SelfVideo     bool `json:"selfVideo"`
	ScreenSharing bool `json:"screenSharing"`
}

// ParticipantVoiceState exists from join until leave.
type ParticipantVoiceState struct {
	ChannelID ChannelID `json:"channelId"`
	UserID    UserID    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	VoiceFlags
	JoinedAt time.Time `json:"joinedAt"`
}

// MemberRecord is the durable row kept by the membership store.
type MemberRecord struct {
	ChannelID ChannelID  `json:"channelId"`
	UserID    UserID     `json:"userId"`
	Flags     VoiceFlags `json:"flags"`
}
