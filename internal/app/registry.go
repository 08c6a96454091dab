package app

import (
	"context"
	"sync"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	User      *domain.User
	ChannelID domain.ChannelID
	Session   core.MemberSession
	Cancel    context.CancelFunc
}

// Registry maps live signaling sessions to users and their current voice channel.
// A user holds at most one live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	byUser   map[domain.UserID]core.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		byUser:   make(map[domain.UserID]core.SessionID),
	}
}

func (r *Registry) Bind(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) error {
	user := sess.Meta().User
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.byUser[user.ID]; ok && other != sid {
		log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(user.ID)).Msg("user already connected")
		return core.ErrAlreadyConnected
	}
	r.sessions[sid] = &sessionEntry{User: user, Session: sess, Cancel: cancel}
	r.byUser[user.ID] = sid
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(user.ID)).Msg("bound signal")
	return nil
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) UserOf(sid core.SessionID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.User, true
	}
	return nil, false
}

func (r *Registry) SessionOf(user domain.UserID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byUser[user]
	return sid, ok
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return
	}
	if r.byUser[e.User.ID] == sid {
		delete(r.byUser, e.User.ID)
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) ChannelOf(sid core.SessionID) (domain.ChannelID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.ChannelID == "" {
		return "", nil, false
	}
	return entry.ChannelID, entry.Session, true
}

func (r *Registry) SetChannel(sid core.SessionID, ch domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.ChannelID = ch
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("channel", string(ch)).Msg("updated channel")
	return true
}

// ClearChannel drops the association only while it still points at ch.
func (r *Registry) ClearChannel(sid core.SessionID, ch domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok && entry.ChannelID == ch {
		entry.ChannelID = ""
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed channel association")
	}
}

type RegSnap struct {
	SID     core.SessionID
	User    *domain.User
	Session core.MemberSession
}

func (r *Registry) MembersOfChannel(ch domain.ChannelID) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.ChannelID == ch {
			out = append(out, RegSnap{SID: sid, User: e.User, Session: e.Session})
		}
	}
	return out
}

// FindBySession resolves the sid a channel member session belongs to.
func (r *Registry) FindBySession(sess core.MemberSession) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, e := range r.sessions {
		if e.Session == sess {
			return sid, true
		}
	}
	return "", false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
