package signal

import (
	"encoding/json"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p protocol.JoinVoiceChannel
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	kind, err := domain.ParseChannelKind(string(p.Kind))
	if err != nil {
		ctl.sendError(conn, err.Error())
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(p.ChannelID)).Msg("join")
	ch, participants, err := ctl.Orch.Join(sid, domain.Channel{ID: p.ChannelID, Kind: kind})
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join refused")
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, protocol.VoiceChannelJoined{
		Type:         protocol.TypeVoiceChannelJoined,
		ChannelID:    ch.ID,
		Kind:         ch.Kind,
		Participants: participants,
	})
}

// handleLeave only leaves the channel; the socket stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p protocol.LeaveVoiceChannel
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad leave payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	cur, _, ok := ctl.Orch.Registry.ChannelOf(sid)
	if ok && p.ChannelID != "" && p.ChannelID != cur {
		// a stale leave for a channel the session already moved away from
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(p.ChannelID)).Str("current", string(cur)).Msg("leave ignored")
		return
	}
	if ok && p.ChannelID == "" {
		p.ChannelID = cur
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(p.ChannelID)).Msg("leave")
	ctl.Orch.Leave(sid)
	ctl.sendJSON(conn, protocol.VoiceChannelLeft{
		Type:      protocol.TypeVoiceChannelLeft,
		ChannelID: p.ChannelID,
	})
}
