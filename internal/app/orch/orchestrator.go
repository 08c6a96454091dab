// Package orch is the signaling gateway: transient channel presence plus a
// targeted relay for negotiation envelopes it never inspects.
package orch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/carlcord/voice/internal/app"
	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/rs/zerolog/log"
)

// JoinLimiter throttles join attempts per user.
type JoinLimiter interface {
	Allow(uid domain.UserID) bool
}

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Limiter  JoinLimiter
	// Store mirrors presence for REST readers; nil disables mirroring.
	Store        core.MembershipStore
	StoreTimeout time.Duration
}

// Connect registers a live signaling session.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) error {
	return o.Registry.Bind(sid, sess, cancel)
}

// Disconnect is the implicit leave on connection loss.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Unbind(sid)
}

// broadcast encodes v once and fans it out, applying the backpressure policy.
func (o *Orchestrator) broadcast(ch core.ChannelService, from core.SessionID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("broadcast marshal")
		return
	}
	res := ch.Broadcast(from, data)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(ch, slow) {
		case app.KickMember:
			if sid, ok := o.Registry.FindBySession(slow); ok {
				log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("kicking slow member")
				o.KickBySID(sid)
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

func (o *Orchestrator) mirror(fn func(ctx context.Context, s core.MembershipStore) error) {
	if o.Store == nil {
		return
	}
	timeout := o.StoreTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx, o.Store); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("membership store mirror failed")
	}
}
