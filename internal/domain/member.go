package domain

import "time"

// Member represents user's participation meta for a voice channel.
// No transport or lifecycle logic here.
type Member struct {
	User     *User
	Flags    VoiceFlags
	JoinedAt time.Time
}

func NewMember(user *User) *Member {
	return &Member{User: user}
}

// State projects the member into the broadcastable voice state.
func (m *Member) State(ch ChannelID) ParticipantVoiceState {
	return ParticipantVoiceState{
		ChannelID:  ch,
		UserID:     m.User.ID,
		Username:   m.User.Username,
		VoiceFlags: m.Flags,
		JoinedAt:   m.JoinedAt,
	}
}
