package core

import (
	"context"
	"errors"

	"github.com/carlcord/voice/internal/domain"
)

var ErrMemberNotFound = errors.New("member not found")

// MembershipStore is the external key-value view of who sits in which channel.
type MembershipStore interface {
	List(ctx context.Context, ch domain.ChannelID) ([]domain.MemberRecord, error)
	Upsert(ctx context.Context, rec domain.MemberRecord) error
	Remove(ctx context.Context, ch domain.ChannelID, user domain.UserID) error
}
