package core

import (
	"errors"

	"github.com/carlcord/voice/internal/domain"
)

var (
	ErrBackpressure       = errors.New("backpressure")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrTargetUnavailable  = errors.New("relay target unavailable")
	ErrNotInChannel       = errors.New("not in voice channel")
	ErrAlreadyConnected   = errors.New("user already connected")
	ErrUnknownSession     = errors.New("unknown session")
	ErrChannelKindClashes = errors.New("channel exists with another kind")
)

// Frame is a raw encoded signaling message.
type Frame []byte

type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds domain.Member and its transport endpoint.
// This is what a channel stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}
