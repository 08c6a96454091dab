// Package membership holds the MembershipStore backends.
package membership

import (
	"context"
	"sort"
	"sync"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
)

// MemoryStore keeps records in process. A user sits in one channel, so an
// upsert into another channel moves the record.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[domain.ChannelID]map[domain.UserID]domain.MemberRecord
	byUser   map[domain.UserID]domain.ChannelID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[domain.ChannelID]map[domain.UserID]domain.MemberRecord),
		byUser:   make(map[domain.UserID]domain.ChannelID),
	}
}

func (s *MemoryStore) List(_ context.Context, ch domain.ChannelID) ([]domain.MemberRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MemberRecord, 0, len(s.channels[ch]))
	for _, rec := range s.channels[ch] {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec domain.MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byUser[rec.UserID]; ok && prev != rec.ChannelID {
		s.drop(prev, rec.UserID)
	}
	members, ok := s.channels[rec.ChannelID]
	if !ok {
		members = make(map[domain.UserID]domain.MemberRecord)
		s.channels[rec.ChannelID] = members
	}
	members[rec.UserID] = rec
	s.byUser[rec.UserID] = rec.ChannelID
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, ch domain.ChannelID, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch][user]; !ok {
		return core.ErrMemberNotFound
	}
	s.drop(ch, user)
	if s.byUser[user] == ch {
		delete(s.byUser, user)
	}
	return nil
}

func (s *MemoryStore) drop(ch domain.ChannelID, user domain.UserID) {
	members := s.channels[ch]
	delete(members, user)
	if len(members) == 0 {
		delete(s.channels, ch)
	}
}

func sortRecords(recs []domain.MemberRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].UserID < recs[j].UserID })
}
