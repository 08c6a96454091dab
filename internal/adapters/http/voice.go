package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/carlcord/voice/internal/app/orch"
	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// VoiceHandlers serve the membership REST contract over a MembershipStore.
type VoiceHandlers struct {
	Store   core.MembershipStore
	Orch    *orch.Orchestrator
	Timeout time.Duration
}

func (h *VoiceHandlers) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

func (h *VoiceHandlers) GetChannel(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	ch := domain.ChannelID(c.Param("id"))
	recs, err := h.Store.List(ctx, ch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.ChannelMembers{ChannelID: ch, Members: recs})
}

func (h *VoiceHandlers) Join(c *gin.Context) {
	var req protocol.VoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	rec := domain.MemberRecord{ChannelID: req.ChannelID, UserID: userOf(c), Flags: req.VoiceFlags}
	if err := h.Store.Upsert(ctx, rec); err != nil {
		h.fail(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", string(rec.UserID)).Str("channel", string(rec.ChannelID)).Msg("rest join")
	c.JSON(http.StatusOK, rec)
}

func (h *VoiceHandlers) Leave(c *gin.Context) {
	var req protocol.VoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.Store.Remove(ctx, req.ChannelID, userOf(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateState only touches an existing record.
func (h *VoiceHandlers) UpdateState(c *gin.Context) {
	var req protocol.VoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	uid := userOf(c)
	recs, err := h.Store.List(ctx, req.ChannelID)
	if err != nil {
		h.fail(c, err)
		return
	}
	found := false
	for _, r := range recs {
		if r.UserID == uid {
			found = true
			break
		}
	}
	if !found {
		h.fail(c, core.ErrMemberNotFound)
		return
	}
	rec := domain.MemberRecord{ChannelID: req.ChannelID, UserID: uid, Flags: req.VoiceFlags}
	if err := h.Store.Upsert(ctx, rec); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// LiveChannels lists the channels with connected members on this gateway.
func (h *VoiceHandlers) LiveChannels(c *gin.Context) {
	if h.Orch == nil {
		c.JSON(http.StatusOK, []core.ChannelInfo{})
		return
	}
	c.JSON(http.StatusOK, h.Orch.Channels.List())
}

// EvictChannel disconnects every member of a live channel from voice.
// Signaling sessions stay open.
func (h *VoiceHandlers) EvictChannel(c *gin.Context) {
	id := domain.ChannelID(c.Param("id"))
	if h.Orch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live channels"})
		return
	}
	if _, ok := h.Orch.Channels.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not live"})
		return
	}
	h.Orch.EvictChannel(id)
	log.Info().Str("module", "adapters.http").Str("channel", string(id)).Msg("channel evicted")
	c.Status(http.StatusNoContent)
}

func (h *VoiceHandlers) fail(c *gin.Context, err error) {
	if errors.Is(err, core.ErrMemberNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("membership store")
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}
