// Package mesh coordinates one peer connection per co-member of a voice channel.
//
// Every record is owned by a single actor goroutine; signaling input, track
// changes and timers are all funneled through its mailbox, so a record's
// connection and queues are never touched concurrently.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/carlcord/voice/internal/domain"
)

var (
	ErrClosed            = errors.New("mesh: coordinator closed")
	ErrNotJoined         = errors.New("mesh: not in a channel")
	ErrPeerClosed        = errors.New("mesh: peer closed")
	ErrTargetUnavailable = errors.New("mesh: relay target unavailable")
	ErrConnectionFailed  = errors.New("mesh: connection failed")
)

type SignalingState int32

const (
	StateNew SignalingState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s SignalingState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Offerer picks which side of a pair sends the first offer.
// Both sides compute the same answer regardless of argument order.
func Offerer(a, b domain.UserID) domain.UserID {
	if a < b {
		return a
	}
	return b
}

func RoleFor(local, remote domain.UserID) Role {
	if Offerer(local, remote) == local {
		return RoleOfferer
	}
	return RoleAnswerer
}

// Key identifies a record; the registry holds at most one per key.
type Key struct {
	Local   domain.UserID
	Remote  domain.UserID
	Channel domain.ChannelID
}

// TrackSender swaps the media flowing on one negotiated sender. A nil track mutes it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// IncomingTrack is a remote track plus the negotiated audio-level extension id (0 when absent).
type IncomingTrack struct {
	Track           RemoteTrack
	AudioLevelExtID uint8
}

// PeerConn is the part of a WebRTC peer connection the coordinator drives.
// CreateOffer and CreateAnswer also apply the result as the local description.
type PeerConn interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	Rollback() error
	AddICECandidate(ci webrtc.ICECandidateInit) error
	AddTrack(kind domain.TrackKind, track webrtc.TrackLocal) (TrackSender, error)

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(IncomingTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

type Factory func(key Key, role Role) (PeerConn, error)

// Signaler delivers negotiation messages to one remote member through the gateway.
type Signaler interface {
	SendOffer(ctx context.Context, ch domain.ChannelID, to domain.UserID, sd webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, ch domain.ChannelID, to domain.UserID, sd webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, ch domain.ChannelID, to domain.UserID, ci webrtc.ICECandidateInit) error
}

type Config struct {
	AnswerTimeout time.Duration
	// OfferAttempts counts the first offer, so 2 means one retry.
	OfferAttempts int
}

func DefaultConfig() Config {
	return Config{AnswerTimeout: 10 * time.Second, OfferAttempts: 2}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = d.AnswerTimeout
	}
	if c.OfferAttempts <= 0 {
		c.OfferAttempts = d.OfferAttempts
	}
	return c
}

// Hooks observe the mesh. They run on actor goroutines and must not block.
type Hooks struct {
	OnRemoteTrack func(remote domain.UserID, in IncomingTrack)
	// OnPeerRemoved reports a destroyed record; reason is nil for an orderly leave.
	OnPeerRemoved func(remote domain.UserID, reason error)
	OnPeerState   func(remote domain.UserID, st SignalingState)
}

// SignalingStateError marks negotiation input that does not fit the record's state.
// Such input is discarded, never fatal.
type SignalingStateError struct {
	Remote domain.UserID
	Op     string
	State  SignalingState
	Err    error
}

func (e *SignalingStateError) Error() string {
	msg := fmt.Sprintf("mesh: %s with %s in state %s", e.Op, e.Remote, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SignalingStateError) Unwrap() error { return e.Err }

// ConnectionTimeoutError means the remote never answered; the peer is unreachable.
type ConnectionTimeoutError struct {
	Remote   domain.UserID
	Attempts int
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("mesh: no answer from %s after %d offers", e.Remote, e.Attempts)
}

func codecType(k domain.TrackKind) webrtc.RTPCodecType {
	if k.IsVideo() {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

var trackOrder = []domain.TrackKind{domain.TrackAudio, domain.TrackVideo, domain.TrackScreen}
