package handler

import (
	"context"
	"errors"
	"time"

	"github.com/copyarena-server/internal/config"
	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/ingest"
	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/internal/models"
	"github.com/copyarena-server/internal/repository"
	"github.com/copyarena-server/internal/service"
	"github.com/copyarena-server/pkg/response"
	"github.com/gin-gonic/gin"
)

// BridgeHandler handles calls from the terminal bridge: registration,
// periodic snapshot sync, keepalive and disconnect.
type BridgeHandler struct {
	reconciler  *service.Reconciler
	snapshots   *repository.SnapshotRepository
	margin      *service.MarginMonitor
	hashes      *service.SnapshotHashCache
	broadcaster service.Broadcaster
	syncCfg     config.SyncConfig
}

// NewBridgeHandler creates a new BridgeHandler
func NewBridgeHandler(
	reconciler *service.Reconciler,
	snapshots *repository.SnapshotRepository,
	margin *service.MarginMonitor,
	hashes *service.SnapshotHashCache,
	broadcaster service.Broadcaster,
	syncCfg config.SyncConfig,
) *BridgeHandler {
	return &BridgeHandler{
		reconciler:  reconciler,
		snapshots:   snapshots,
		margin:      margin,
		hashes:      hashes,
		broadcaster: broadcaster,
		syncCfg:     syncCfg,
	}
}

// Ping confirms the bridge's API key works
// GET /api/bridge/ping
func (h *BridgeHandler) Ping(c *gin.Context) {
	accountID := middleware.GetUserID(c)
	response.Success(c, gin.H{
		"status":     "connected",
		"account_id": accountID,
		"timestamp":  time.Now().UTC(),
	})
}

// RegisterRequest carries the terminal identity reported on first connect
type RegisterRequest struct {
	Login         int64  `json:"login" binding:"required"`
	Server        string `json:"server" binding:"required"`
	Company       string `json:"company"`
	Currency      string `json:"currency"`
	Leverage      int    `json:"leverage"`
	BridgeVersion string `json:"bridge_version"`
	TerminalBuild int    `json:"terminal_build"`
}

// Register records the terminal attached to the account and announces it
// POST /api/bridge/register
func (h *BridgeHandler) Register(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	now := time.Now().UTC()
	link := &models.BridgeLink{
		AccountID:      accountID,
		Login:          req.Login,
		Server:         req.Server,
		Company:        req.Company,
		TerminalBuild:  req.TerminalBuild,
		BridgeVersion:  req.BridgeVersion,
		Connected:      true,
		LastConnection: &now,
	}
	if err := h.snapshots.UpsertBridgeLink(link); err != nil {
		middleware.LogError("account %d: bridge register failed: %v", accountID, err)
		response.InternalError(c, "registration failed")
		return
	}

	// A fresh bridge means the ledger may be stale; drop the stored hash so
	// the first sync always reconciles.
	h.hashes.Invalidate(c.Request.Context(), accountID)

	h.broadcaster.Broadcast(accountID, events.MustNew(events.EventConnectionStatus, events.ConnectionStatusPayload{
		Source:    "bridge",
		Connected: true,
	}))

	middleware.LogInfo("account %d: bridge registered, login %d@%s", accountID, req.Login, req.Server)
	response.Success(c, gin.H{
		"status":     "registered",
		"account_id": accountID,
	})
}

// Sync ingests one snapshot cycle
// POST /api/bridge/sync
func (h *BridgeHandler) Sync(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	var snap ingest.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := snap.Validate(); err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			middleware.LogError("account %d: malformed snapshot: %v", accountID, err)
			response.ValidationFailed(c, verr.Field, verr.Error())
			return
		}
		response.BadRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.syncCfg.RequestTimeout())
	defer cancel()

	result, err := h.reconciler.Reconcile(ctx, accountID, &snap)
	if err != nil {
		middleware.LogError("account %d: sync #%d failed: %v", accountID, snap.SyncCount, err)
		response.InternalError(c, "sync failed")
		return
	}

	middleware.LogDebug("account %d: sync #%d opened=%d updated=%d closed=%d skipped=%v",
		accountID, snap.SyncCount, result.Opened, result.Updated, result.Closed, result.Skipped)

	response.Success(c, gin.H{
		"status":    "synced",
		"timestamp": time.Now().UTC(),
		"counts":    result,
	})
}

// Disconnect marks the bridge offline and announces it to viewers
// POST /api/bridge/disconnect
func (h *BridgeHandler) Disconnect(c *gin.Context) {
	accountID := middleware.GetUserID(c)
	now := time.Now().UTC()

	if err := h.snapshots.MarkDisconnected(accountID, now); err != nil &&
		!errors.Is(err, repository.ErrBridgeLinkNotFound) {
		middleware.LogError("account %d: bridge disconnect failed: %v", accountID, err)
		response.InternalError(c, "disconnect failed")
		return
	}

	// Edge state and skip hash are only meaningful for a continuous feed
	h.margin.Forget(accountID)
	h.hashes.Invalidate(c.Request.Context(), accountID)

	h.broadcaster.Broadcast(accountID, events.MustNew(events.EventConnectionStatus, events.ConnectionStatusPayload{
		Source:    "bridge",
		Connected: false,
		Reason:    "bridge disconnect",
	}))

	middleware.LogInfo("account %d: bridge disconnected", accountID)
	response.Success(c, gin.H{"status": "disconnected"})
}

// RegisterRoutes registers bridge routes behind API-key authentication
func (h *BridgeHandler) RegisterRoutes(rg *gin.RouterGroup, bridgeAuth gin.HandlerFunc) {
	bridge := rg.Group("/bridge")
	bridge.Use(bridgeAuth)
	{
		bridge.GET("/ping", h.Ping)
		bridge.POST("/register", h.Register)
		bridge.POST("/sync", h.Sync)
		bridge.POST("/disconnect", h.Disconnect)
	}
}
