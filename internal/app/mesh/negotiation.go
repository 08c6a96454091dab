package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// negotiate sends an offer when the record is idle; otherwise the pending
// kinds are picked up the next time it settles.
func (p *peer) negotiate() {
	switch p.State() {
	case StateStable:
	case StateNew:
		if p.role == RoleAnswerer {
			return
		}
	default:
		return
	}

	offer, err := p.conn.CreateOffer(p.ctx)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	p.setState(StateHaveLocalOffer)
	for k := range p.pending {
		p.inflight[k] = true
	}
	clear(p.pending)
	p.attempts++
	p.armAnswerTimer()

	p.log.Info().Int("attempt", p.attempts).Msg("sending offer")
	if err := p.c.signaler.SendOffer(p.ctx, p.key.Channel, p.key.Remote, offer); err != nil {
		// the answer timer retries a lost offer
		p.log.Warn().Err(err).Msg("send offer")
	}
}

func (p *peer) onAnswerTimeout(gen uint64) {
	if gen != p.timerGen || p.State() != StateHaveLocalOffer {
		return
	}
	p.timer = nil
	if p.attempts >= p.c.cfg.OfferAttempts {
		p.fail(&ConnectionTimeoutError{Remote: p.key.Remote, Attempts: p.attempts})
		return
	}
	p.log.Warn().Int("attempt", p.attempts).Msg("answer timeout, retrying offer")
	if err := p.conn.Rollback(); err != nil {
		p.fail(fmt.Errorf("rollback before retry: %w", err))
		return
	}
	p.restoreInflight()
	p.setState(p.idleState())
	p.negotiate()
}

// abandonOffer rolls back an offer that never reached the remote. Nothing is
// resent; the kinds it carried wait for the next negotiation.
func (p *peer) abandonOffer() {
	if p.State() != StateHaveLocalOffer {
		return
	}
	p.stopTimer()
	if err := p.conn.Rollback(); err != nil {
		p.fail(fmt.Errorf("rollback undelivered offer: %w", err))
		return
	}
	p.restoreInflight()
	p.setState(p.idleState())
	p.log.Info().Err(ErrTargetUnavailable).Msg("offer discarded")
}

func (p *peer) restoreInflight() {
	for k := range p.inflight {
		p.pending[k] = true
	}
	clear(p.inflight)
}

func (p *peer) onOffer(sd webrtc.SessionDescription) {
	st := p.State()
	switch st {
	case StateClosed:
		return
	case StateHaveRemoteOffer:
		p.log.Warn().Err(&SignalingStateError{Remote: p.key.Remote, Op: "apply offer", State: st}).Msg("discarding offer")
		return
	case StateHaveLocalOffer:
		if !p.polite() {
			p.log.Info().Msg("glare: keeping local offer, ignoring remote one")
			return
		}
		if err := p.conn.Rollback(); err != nil {
			p.log.Warn().Err(&SignalingStateError{Remote: p.key.Remote, Op: "rollback", State: st, Err: err}).Msg("discarding offer")
			return
		}
		p.stopTimer()
		p.attempts = 0
		p.restoreInflight()
		p.setState(p.idleState())
		p.log.Info().Msg("glare: rolled back local offer")
	}

	if err := p.conn.SetRemoteDescription(sd); err != nil {
		p.log.Warn().Err(&SignalingStateError{Remote: p.key.Remote, Op: "apply offer", State: p.State(), Err: err}).Msg("discarding offer")
		return
	}
	p.remoteSet = true
	p.setState(StateHaveRemoteOffer)
	p.flushICE()

	answer, err := p.conn.CreateAnswer(p.ctx)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	p.setState(StateStable)
	if err := p.c.signaler.SendAnswer(p.ctx, p.key.Channel, p.key.Remote, answer); err != nil {
		p.log.Warn().Err(err).Msg("send answer")
	}
	p.settlePending(sd.SDP)
	p.flushICE()
	if len(p.pending) > 0 {
		p.negotiate()
	}
}

func (p *peer) onAnswer(sd webrtc.SessionDescription) {
	st := p.State()
	if st != StateHaveLocalOffer {
		p.log.Warn().Err(&SignalingStateError{Remote: p.key.Remote, Op: "apply answer", State: st}).Msg("discarding answer")
		return
	}
	if err := p.conn.SetRemoteDescription(sd); err != nil {
		p.log.Warn().Err(&SignalingStateError{Remote: p.key.Remote, Op: "apply answer", State: st, Err: err}).Msg("discarding answer")
		return
	}
	p.remoteSet = true
	p.stopTimer()
	p.attempts = 0
	clear(p.inflight)
	p.setState(StateStable)
	p.flushICE()
	if len(p.pending) > 0 {
		p.negotiate()
	}
}

// onCandidate applies a candidate only behind a remote description; anything earlier waits in order.
func (p *peer) onCandidate(ci webrtc.ICECandidateInit) {
	if p.State() == StateClosed {
		return
	}
	p.pendingICE = append(p.pendingICE, ci)
	p.flushICE()
}

func (p *peer) flushICE() {
	st := p.State()
	if !p.remoteSet || (st != StateStable && st != StateHaveRemoteOffer) {
		return
	}
	queue := p.pendingICE
	p.pendingICE = nil
	for _, ci := range queue {
		if err := p.conn.AddICECandidate(ci); err != nil {
			p.log.Warn().Err(err).Msg("add ice candidate")
		}
	}
}

// settlePending drops pending kinds the remote offer already gave a media section to.
func (p *peer) settlePending(remoteSDP string) {
	if len(p.pending) == 0 {
		return
	}
	offered, err := offeredKinds(remoteSDP)
	if err != nil {
		p.log.Debug().Err(err).Msg("parse remote offer, keeping pending tracks")
		return
	}
	need := make(map[webrtc.RTPCodecType]int, 2)
	for k := range p.senders {
		need[codecType(k)]++
	}
	for k := range p.pending {
		if offered[codecType(k)] >= need[codecType(k)] {
			delete(p.pending, k)
		}
	}
}
