package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"bhr/internal/models"
	"bhr/internal/netblock"
	"bhr/internal/service"
	"bhr/internal/storage"
)

type blockRequest struct {
	CIDR          string  `json:"cidr" binding:"required"`
	Source        string  `json:"source" binding:"required"`
	Why           string  `json:"why" binding:"required"`
	Duration      float64 `json:"duration"` // seconds, 0 = indefinite
	SkipWhitelist bool    `json:"skip_whitelist"`
}

type identRequest struct {
	Ident string `json:"ident" binding:"required"`
}

type cidrIdentRequest struct {
	CIDR  string `json:"cidr" binding:"required"`
	Ident string `json:"ident" binding:"required"`
}

// queueEntry is what agents consume: the block plus the action URLs to
// report back on it.
type queueEntry struct {
	*models.Block
	SetBlocked   string `json:"set_blocked"`
	SetUnblocked string `json:"set_unblocked"`
}

func toQueueEntry(b *models.Block) queueEntry {
	return queueEntry{
		Block:        b,
		SetBlocked:   fmt.Sprintf("/api/v1/block/%s/set_blocked", b.ID),
		SetUnblocked: fmt.Sprintf("/api/v1/block/%s/set_unblocked", b.ID),
	}
}

// abortServiceError maps domain errors onto HTTP statuses.
func abortServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, netblock.ErrInvalidNetwork):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrWhitelisted):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "whitelisted": true})
	case errors.Is(err, service.ErrNoSuchActiveBlock), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		zlog.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *APIHandler) CreateBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requestedBy := c.GetString("username")
	duration := time.Duration(req.Duration * float64(time.Second))

	block, created, err := h.blockService.AddBlock(c.Request.Context(), req.CIDR, requestedBy, req.Source, req.Why, duration, req.SkipWhitelist)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.hub.BroadcastEvent("block_added", block)
	}
	c.JSON(status, block)
}

func (h *APIHandler) GetBlock(c *gin.Context) {
	cidr := c.Query("cidr")
	if cidr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cidr query parameter required"})
		return
	}

	block, err := h.blockService.GetBlock(c.Request.Context(), cidr)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

func (h *APIHandler) GetBlockByID(c *gin.Context) {
	block, err := h.blockService.GetBlockByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortServiceError(c, err)
		return
	}

	confirmations, err := h.blockService.Confirmations(c.Request.Context(), block.ID)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": block, "confirmations": confirmations})
}

func (h *APIHandler) WithdrawBlock(c *gin.Context) {
	id := c.Param("id")
	actor := c.GetString("username")

	if err := h.blockService.Withdraw(c.Request.Context(), id, actor); err != nil {
		abortServiceError(c, err)
		return
	}
	h.hub.BroadcastEvent("block_withdrawn", gin.H{"id": id, "actor": actor})
	c.JSON(http.StatusOK, gin.H{"status": "withdrawn", "id": id})
}

func (h *APIHandler) SetBlocked(c *gin.Context) {
	var req cidrIdentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	block, err := h.blockService.SetBlocked(c.Request.Context(), req.CIDR, req.Ident)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	h.hub.BroadcastEvent("block_confirmed", gin.H{"id": block.ID, "cidr": block.CIDR, "ident": req.Ident})
	c.JSON(http.StatusOK, block)
}

func (h *APIHandler) SetUnblocked(c *gin.Context) {
	var req cidrIdentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	block, err := h.blockService.SetUnblocked(c.Request.Context(), req.CIDR, req.Ident)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

func (h *APIHandler) SetBlockedByID(c *gin.Context) {
	var req identRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	block, err := h.blockService.SetBlockedByID(c.Request.Context(), c.Param("id"), req.Ident)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	h.hub.BroadcastEvent("block_confirmed", gin.H{"id": block.ID, "cidr": block.CIDR, "ident": req.Ident})
	c.JSON(http.StatusOK, block)
}

func (h *APIHandler) SetUnblockedByID(c *gin.Context) {
	var req identRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	block, err := h.blockService.SetUnblockedByID(c.Request.Context(), c.Param("id"), req.Ident)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

func (h *APIHandler) Queue(c *gin.Context) {
	blocks, err := h.blockService.Queue(c.Request.Context(), c.Param("ident"))
	if err != nil {
		abortServiceError(c, err)
		return
	}

	entries := make([]queueEntry, 0, len(blocks))
	for _, b := range blocks {
		entries = append(entries, toQueueEntry(b))
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandler) Pending(c *gin.Context) {
	h.listView(c, h.blockService.Pending)
}

func (h *APIHandler) Current(c *gin.Context) {
	h.listView(c, h.blockService.Current)
}

func (h *APIHandler) Expected(c *gin.Context) {
	h.listView(c, h.blockService.Expected)
}

func (h *APIHandler) listView(c *gin.Context, view func(ctx context.Context) ([]*models.Block, error)) {
	blocks, err := view(c.Request.Context())
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocks)
}

// ExpectedRaw emits one CIDR per line for firewalls that eat plain text.
func (h *APIHandler) ExpectedRaw(c *gin.Context) {
	blocks, err := h.blockService.Expected(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.CIDR)
		sb.WriteByte('\n')
	}
	c.String(http.StatusOK, sb.String())
}

func (h *APIHandler) Check(c *gin.Context) {
	cidr := c.Query("cidr")
	if cidr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cidr query parameter required"})
		return
	}

	expected, err := h.blockService.IsExpected(c.Request.Context(), cidr)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cidr": cidr, "expected": expected})
}

type whitelistRequest struct {
	CIDR string `json:"cidr" binding:"required"`
	Why  string `json:"why" binding:"required"`
}

func (h *APIHandler) ListWhitelist(c *gin.Context) {
	entries, err := h.whitelistService.List(c.Request.Context())
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandler) AddWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.whitelistService.Add(c.Request.Context(), req.CIDR, c.GetString("username"), req.Why)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *APIHandler) RemoveWhitelist(c *gin.Context) {
	if err := h.whitelistService.Remove(c.Request.Context(), c.Param("id"), c.GetString("username")); err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *APIHandler) Stats(c *gin.Context) {
	stats, err := h.blockService.Stats(c.Request.Context())
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Agents lists every agent ident seen polling, with its last heartbeat.
func (h *APIHandler) Agents(c *gin.Context) {
	if h.redisRepo == nil {
		c.JSON(http.StatusOK, []models.AgentStatus{})
		return
	}
	agents, err := h.redisRepo.GetAgentPolls()
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (h *APIHandler) AuditLogs(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	logs, err := h.blockService.AuditLogs(c.Request.Context(), limit)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}
