package app

import (
	"sort"
	"sync"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/rs/zerolog/log"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[domain.ChannelID]core.ChannelService
}

func NewChannelManager() core.ChannelManager {
	return &ChannelManagerImpl{channels: make(map[domain.ChannelID]core.ChannelService)}
}

// Join puts sid into ch, opening the channel if needed, and keeps the kind of
// an existing one. The member lands while the manager lock is held, so
// RemoveIfEmpty never drops a channel between lookup and join.
func (f *ChannelManagerImpl) Join(ch domain.Channel, sid core.SessionID, ms core.MemberSession) (core.ChannelService, domain.ParticipantVoiceState) {
	f.mu.RLock()
	if svc, ok := f.channels[ch.ID]; ok {
		st := svc.Join(sid, ms)
		f.mu.RUnlock()
		return svc, st
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.channels[ch.ID]
	if !ok {
		if ch.Kind == "" {
			ch.Kind = domain.ChannelAudio
		}
		svc = core.NewChannelService(ch)
		f.channels[ch.ID] = svc
		log.Info().Str("module", "app.channels").Str("channel", string(ch.ID)).Str("kind", string(ch.Kind)).Msg("channel opened")
	}
	return svc, svc.Join(sid, ms)
}

func (f *ChannelManagerImpl) Get(id domain.ChannelID) (core.ChannelService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	svc, ok := f.channels[id]
	return svc, ok
}

func (f *ChannelManagerImpl) List() []core.ChannelInfo {
	f.mu.RLock()
	out := make([]core.ChannelInfo, 0, len(f.channels))
	for id, c := range f.channels {
		out = append(out, core.ChannelInfo{ID: id, Kind: c.Channel().Kind, MemberCount: c.MemberCount()})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *ChannelManagerImpl) RemoveIfEmpty(id domain.ChannelID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.channels[id]
	if !ok || svc.MemberCount() > 0 {
		return false
	}
	delete(f.channels, id)
	log.Info().Str("module", "app.channels").Str("channel", string(id)).Msg("channel closed")
	return true
}

func (f *ChannelManagerImpl) Stop(id domain.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}
