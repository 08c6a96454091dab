package client

import (
	"context"

	"github.com/carlcord/voice/internal/domain"
)

// SwitchInput moves capture to deviceID. Connections stay up; only the
// sending track changes. A new microphone also becomes our VAD source.
func (c *Client) SwitchInput(ctx context.Context, deviceID string) error {
	if err := c.Devices.SwitchInput(ctx, deviceID); err != nil {
		return err
	}
	if mic, ok := c.Devices.Track(domain.TrackAudio); ok && mic.DeviceID() == deviceID {
		c.watchLocalMic(mic)
	}
	return nil
}

func (c *Client) SwitchOutput(ctx context.Context, deviceID string) error {
	return c.Devices.SwitchOutput(ctx, deviceID)
}
