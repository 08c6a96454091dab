package signal

import (
	"encoding/json"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleStateUpdate accepts the sender's own flags; userId in the payload is ignored.
func (ctl *SignalWSController) handleStateUpdate(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p protocol.VoiceStateUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad state payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if _, err := ctl.Orch.PublishStateUpdate(sid, p.ChannelID, p.VoiceFlags); err != nil {
		ctl.sendError(conn, err.Error())
	}
}
