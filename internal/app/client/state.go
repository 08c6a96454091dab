package client

import (
	"context"
	"fmt"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
)

// SetSelfMute silences the microphone on every connection without renegotiating.
// Unmuting also undeafens.
func (c *Client) SetSelfMute(ctx context.Context, muted bool) error {
	return c.updateFlags(ctx, func(f *domain.VoiceFlags) error {
		if err := c.Devices.SetInputMuted(ctx, domain.TrackAudio, muted); err != nil {
			return err
		}
		f.SelfMute = muted
		if !muted && f.SelfDeaf {
			c.Devices.SetPlaybackMuted(false)
			f.SelfDeaf = false
		}
		return nil
	})
}

// SetSelfDeaf mutes every remote stream and the microphone; undeafening
// restores the mute state from before.
func (c *Client) SetSelfDeaf(ctx context.Context, deaf bool) error {
	return c.updateFlags(ctx, func(f *domain.VoiceFlags) error {
		if deaf == f.SelfDeaf {
			return nil
		}
		mute := c.muteBeforeDeaf
		if deaf {
			c.muteBeforeDeaf = f.SelfMute
			mute = true
		}
		if err := c.Devices.SetInputMuted(ctx, domain.TrackAudio, mute); err != nil {
			return err
		}
		c.Devices.SetPlaybackMuted(deaf)
		f.SelfDeaf = deaf
		f.SelfMute = mute
		return nil
	})
}

// SetVideo starts or stops the camera. Starting adds a video sender, which renegotiates.
func (c *Client) SetVideo(ctx context.Context, on bool) error {
	return c.setVisual(ctx, domain.TrackVideo, on, func(f *domain.VoiceFlags) { f.SelfVideo = on })
}

func (c *Client) SetScreenShare(ctx context.Context, on bool) error {
	return c.setVisual(ctx, domain.TrackScreen, on, func(f *domain.VoiceFlags) { f.ScreenSharing = on })
}

func (c *Client) setVisual(ctx context.Context, kind domain.TrackKind, on bool, set func(*domain.VoiceFlags)) error {
	c.mu.Lock()
	allowed := c.channel.Kind.AllowsVideo()
	c.mu.Unlock()
	if on && !allowed {
		return ErrVideoNotAllowed
	}
	return c.updateFlags(ctx, func(f *domain.VoiceFlags) error {
		if on {
			track, err := c.Devices.Acquire(ctx, kind, "")
			if track == nil {
				return err
			}
			if err != nil {
				c.log.Warn().Err(err).Str("kind", string(kind)).Msg("publish track")
			}
		} else if err := c.Devices.Release(ctx, kind); err != nil {
			c.log.Warn().Err(err).Str("kind", string(kind)).Msg("release track")
		}
		set(f)
		return nil
	})
}

// updateFlags runs change on a copy of the flags and publishes the result.
// Updates are serialized; change may block on the mesh, so c.mu is not held.
func (c *Client) updateFlags(ctx context.Context, change func(f *domain.VoiceFlags) error) error {
	c.flagsMu.Lock()
	defer c.flagsMu.Unlock()

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotInChannel
	}
	ch := c.channel.ID
	flags := c.flags
	c.mu.Unlock()

	if err := change(&flags); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.joined || c.channel.ID != ch {
		c.mu.Unlock()
		return ErrNotInChannel
	}
	c.flags = flags
	if p, ok := c.participants[c.user]; ok {
		p.VoiceFlags = flags
		c.participants[c.user] = p
	}
	c.mu.Unlock()

	c.storeDo(func(ctx context.Context, s core.MembershipStore) error {
		return s.Upsert(ctx, domain.MemberRecord{ChannelID: ch, UserID: c.user, Flags: flags})
	})
	if err := c.gw.PublishState(ctx, ch, flags); err != nil {
		return fmt.Errorf("publish voice state: %w", err)
	}
	return nil
}
