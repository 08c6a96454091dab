package signal

import (
	"encoding/json"
	"errors"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards offers, answers and candidates. An envelope for a
// target outside the channel comes back to the sender as relay_failed. A
// full target buffer is only logged: the target is still a member and the
// sender's own retries cover the lost envelope.
func (ctl *SignalWSController) handleRelay(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var msg protocol.Signal
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad relay payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	err := ctl.Orch.Relay(sid, msg)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrBackpressure):
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("target", string(msg.TargetUserID)).Str("relay_type", msg.Type).Msg("relay dropped, target is slow")
	case errors.Is(err, core.ErrTargetUnavailable):
		ctl.sendJSON(conn, protocol.RelayFailed{
			Type:         protocol.TypeRelayFailed,
			ChannelID:    msg.ChannelID,
			TargetUserID: msg.TargetUserID,
			RelayType:    msg.Type,
			Reason:       err.Error(),
		})
	default:
		ctl.sendError(conn, err.Error())
	}
}
