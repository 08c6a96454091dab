package wsclient

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carlcord/voice/internal/protocol"
)

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	ping := []byte(`{"type":"` + protocol.TypePing + `"}`)
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				go c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(ping); err != nil {
				c.log.Warn().Err(err).Msg("keepalive failed")
				go c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readPump() {
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h == nil {
			c.log.Debug().Msg("no handler, frame dropped")
			continue
		}
		if err := h(data); err != nil {
			c.log.Warn().Err(err).Msg("handle frame")
		}
	}
}
