package core

import (
	"sort"
	"sync"
	"time"

	"github.com/carlcord/voice/internal/domain"
	"github.com/rs/zerolog/log"
)

// channelImpl is a threadsafe in-memory voice channel.
// It never closes adapter-owned resources.
type channelImpl struct {
	channel domain.Channel
	now     func() time.Time

	mu     sync.RWMutex
	bySID  map[SessionID]MemberSession
	byUser map[domain.UserID]SessionID
}

func NewChannelService(ch domain.Channel) ChannelService {
	return &channelImpl{
		channel: ch,
		now:     time.Now,
		bySID:   make(map[SessionID]MemberSession),
		byUser:  make(map[domain.UserID]SessionID),
	}
}

func (c *channelImpl) Channel() domain.Channel { return c.channel }

func (c *channelImpl) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySID)
}

func (c *channelImpl) Join(sid SessionID, ms MemberSession) domain.ParticipantVoiceState {
	meta := ms.Meta()
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.bySID[sid]; ok {
		return prev.Meta().State(c.channel.ID)
	}
	meta.Flags = domain.VoiceFlags{}
	meta.JoinedAt = c.now().UTC()
	c.bySID[sid] = ms
	c.byUser[meta.User.ID] = sid
	log.Info().Str("module", "core.channel").Str("channel", string(c.channel.ID)).Str("sid", string(sid)).Str("user", string(meta.User.ID)).Msg("member joined")
	return meta.State(c.channel.ID)
}

func (c *channelImpl) Leave(sid SessionID) (domain.ParticipantVoiceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms, ok := c.bySID[sid]
	if !ok {
		return domain.ParticipantVoiceState{}, false
	}
	meta := ms.Meta()
	st := meta.State(c.channel.ID)
	delete(c.byUser, meta.User.ID)
	delete(c.bySID, sid)
	meta.Flags = domain.VoiceFlags{}
	meta.JoinedAt = time.Time{}
	log.Info().Str("module", "core.channel").Str("channel", string(c.channel.ID)).Str("sid", string(sid)).Msg("member left")
	return st, true
}

func (c *channelImpl) UpdateFlags(sid SessionID, flags domain.VoiceFlags) (domain.ParticipantVoiceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms, ok := c.bySID[sid]
	if !ok {
		return domain.ParticipantVoiceState{}, false
	}
	if !c.channel.Kind.AllowsVideo() {
		flags.SelfVideo = false
		flags.ScreenSharing = false
	}
	ms.Meta().Flags = flags
	return ms.Meta().State(c.channel.ID), true
}

func (c *channelImpl) State(user domain.UserID) (domain.ParticipantVoiceState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sid, ok := c.byUser[user]
	if !ok {
		return domain.ParticipantVoiceState{}, false
	}
	return c.bySID[sid].Meta().State(c.channel.ID), true
}

// SendTo delivers a frame to one member; order per target follows call order.
func (c *channelImpl) SendTo(user domain.UserID, data Frame) error {
	c.mu.RLock()
	sid, ok := c.byUser[user]
	var ms MemberSession
	if ok {
		ms = c.bySID[sid]
	}
	c.mu.RUnlock()
	if !ok {
		return ErrTargetUnavailable
	}
	return ms.Signal().TrySend(data)
}

// Broadcast sends to every member except from; an empty from reaches everyone.
func (c *channelImpl) Broadcast(from SessionID, data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range c.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (c *channelImpl) Snapshot() []domain.ParticipantVoiceState {
	c.mu.RLock()
	out := make([]domain.ParticipantVoiceState, 0, len(c.bySID))
	for _, ms := range c.bySID {
		out = append(out, ms.Meta().State(c.channel.ID))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
