package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
)

// Join enters ch with the microphone live. Device failures are returned as
// *devices.MediaAcquisitionError and leave the client outside any channel.
func (c *Client) Join(ctx context.Context, ch domain.ChannelID, kind domain.ChannelKind) error {
	if kind == "" {
		kind = domain.ChannelAudio
	}
	c.mu.Lock()
	cur, joined := c.channel, c.joined
	c.mu.Unlock()
	if joined {
		if cur.ID == ch {
			return nil
		}
		if err := c.Leave(ctx); err != nil {
			c.log.Warn().Err(err).Msg("leave previous channel")
		}
	}

	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pj := &pendingJoin{channel: ch, cancel: cancel}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrJoinInProgress
	}
	c.pending = pj
	c.mu.Unlock()

	if err := c.Mesh.Join(ch); err != nil {
		c.clearPending(pj)
		return fmt.Errorf("join mesh: %w", err)
	}
	c.storeDo(func(ctx context.Context, s core.MembershipStore) error {
		return s.Upsert(ctx, domain.MemberRecord{ChannelID: ch, UserID: c.user})
	})

	mic, err := c.Devices.Acquire(joinCtx, domain.TrackAudio, "")
	if mic == nil && err != nil {
		canceled := c.clearPending(pj)
		c.abortJoin(ch)
		if canceled && ctx.Err() == nil {
			return ErrJoinCanceled
		}
		return err
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("publish microphone")
	}

	runCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.pending != pj || joinCtx.Err() != nil {
		if c.pending == pj {
			c.pending = nil
		}
		c.mu.Unlock()
		stop()
		c.abortJoin(ch)
		c.log.Info().Str("channel", string(ch)).Msg("join canceled while acquiring devices")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrJoinCanceled
	}
	c.pending = nil
	c.channel = domain.Channel{ID: ch, Kind: kind}
	c.joined = true
	c.flags = domain.VoiceFlags{}
	clear(c.participants)
	c.runCtx, c.stopRun = runCtx, stop
	c.mu.Unlock()

	c.watchLocalMic(mic)
	go c.VAD.Run(runCtx)

	if err := c.gw.JoinChannel(ctx, ch, kind); err != nil {
		_ = c.Leave(context.Background())
		return fmt.Errorf("join channel %s: %w", ch, err)
	}
	c.log.Info().Str("channel", string(ch)).Str("kind", string(kind)).Msg("joining voice channel")
	return nil
}

// clearPending forgets pj and reports whether a leave canceled it first.
func (c *Client) clearPending(pj *pendingJoin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != pj {
		return true
	}
	c.pending = nil
	return false
}

// cancelPending stops a join that is still acquiring devices.
func (c *Client) cancelPending() bool {
	c.mu.Lock()
	pj := c.pending
	c.pending = nil
	c.mu.Unlock()
	if pj == nil {
		return false
	}
	pj.cancel()
	c.log.Info().Str("channel", string(pj.channel)).Msg("pending join canceled")
	return true
}

func (c *Client) abortJoin(ch domain.ChannelID) {
	c.Mesh.Leave()
	c.Devices.StopAll()
	c.storeDo(func(ctx context.Context, s core.MembershipStore) error {
		return s.Remove(ctx, ch, c.user)
	})
}

// watchLocalMic feeds our own speaking state when the capture exposes a level.
func (c *Client) watchLocalMic(mic any) {
	if src, ok := mic.(interface{ Level() (float64, error) }); ok {
		c.VAD.Add(string(c.user), src)
	}
}

// Leave tears the whole call down. A join still acquiring devices is
// canceled instead. Calling it outside a channel is a no-op.
func (c *Client) Leave(ctx context.Context) error {
	if c.cancelPending() {
		return nil
	}
	ch, ok := c.teardown("")
	if !ok {
		return nil
	}
	err := c.gw.LeaveChannel(ctx, ch)
	c.storeDo(func(ctx context.Context, s core.MembershipStore) error {
		err := s.Remove(ctx, ch, c.user)
		if errors.Is(err, core.ErrMemberNotFound) {
			return nil
		}
		return err
	})
	c.log.Info().Str("channel", string(ch)).Msg("left voice channel")
	c.notifyParticipants()
	if err != nil {
		return fmt.Errorf("leave channel %s: %w", ch, err)
	}
	return nil
}

// onEvicted drops the call after the gateway removed us. The gateway and the
// store already forgot the membership, so nothing is sent back.
func (c *Client) onEvicted(ch domain.ChannelID) {
	if _, ok := c.teardown(ch); !ok {
		return
	}
	c.log.Warn().Str("channel", string(ch)).Msg("evicted from voice channel")
	c.notifyParticipants()
}

// teardown stops every local part of the call. With only set it does nothing
// unless the client sits in that channel.
func (c *Client) teardown(only domain.ChannelID) (domain.ChannelID, bool) {
	c.mu.Lock()
	if !c.joined || (only != "" && c.channel.ID != only) {
		c.mu.Unlock()
		return "", false
	}
	ch := c.channel.ID
	ids := make([]domain.UserID, 0, len(c.participants)+1)
	for id := range c.participants {
		ids = append(ids, id)
	}
	c.joined = false
	c.channel = domain.Channel{}
	c.flags = domain.VoiceFlags{}
	clear(c.participants)
	stop := c.stopRun
	c.stopRun, c.runCtx = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.Mesh.Leave()
	c.Playback.StopAll()
	c.Devices.StopAll()
	c.Devices.SetPlaybackMuted(false)
	c.VAD.Remove(string(c.user))
	for _, id := range ids {
		c.VAD.Remove(string(id))
	}
	return ch, true
}
