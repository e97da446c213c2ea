package handler

import (
	"errors"
	"strconv"

	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/internal/repository"
	"github.com/copyarena-server/internal/service"
	"github.com/copyarena-server/pkg/response"
	"github.com/gin-gonic/gin"
)

// LedgerHandler exposes the persisted trade history and account aggregates
// to viewer clients, plus the administrative duplicate-ticket cleanup.
type LedgerHandler struct {
	trades     *repository.TradeRepository
	snapshots  *repository.SnapshotRepository
	reconciler *service.Reconciler
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(
	trades *repository.TradeRepository,
	snapshots *repository.SnapshotRepository,
	reconciler *service.Reconciler,
) *LedgerHandler {
	return &LedgerHandler{
		trades:     trades,
		snapshots:  snapshots,
		reconciler: reconciler,
	}
}

// GetTrades returns the account's trade history, newest first
// GET /api/v1/trades
func (h *LedgerHandler) GetTrades(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	trades, total, err := h.trades.GetByAccountIDPaginated(accountID, page, pageSize)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}

	response.SuccessPaginated(c, trades, total, page, pageSize)
}

// GetOpenTrades returns the currently-open positions from the ledger
// GET /api/v1/trades/open
func (h *LedgerHandler) GetOpenTrades(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	trades, err := h.trades.GetOpenByAccountID(h.trades.DB(), accountID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"trades": trades})
}

// GetAccountStats returns the latest account numbers plus ledger aggregates
// GET /api/v1/account/stats
func (h *LedgerHandler) GetAccountStats(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	stats := gin.H{
		"balance":      0.0,
		"equity":       0.0,
		"margin":       0.0,
		"free_margin":  0.0,
		"margin_level": 0.0,
		"currency":     "USD",
		"connected":    false,
	}

	snapshot, err := h.snapshots.GetByAccountID(accountID)
	if err != nil && !errors.Is(err, repository.ErrSnapshotNotFound) {
		response.InternalError(c, err.Error())
		return
	}
	if snapshot != nil {
		stats["balance"] = snapshot.Balance
		stats["equity"] = snapshot.Equity
		stats["margin"] = snapshot.Margin
		stats["free_margin"] = snapshot.FreeMargin
		stats["margin_level"] = snapshot.MarginLevel
		stats["currency"] = snapshot.Currency
		stats["captured_at"] = snapshot.CapturedAt
	}

	if link, err := h.snapshots.GetBridgeLink(accountID); err == nil {
		stats["connected"] = link.Connected
		stats["last_sync"] = link.LastSync
	}

	closed, err := h.trades.GetClosedStats(accountID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	openCount, err := h.trades.GetOpenCount(accountID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	floating, err := h.trades.GetTotalUnrealizedProfit(accountID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}

	winRate := 0.0
	if closed.ClosedCount > 0 {
		winRate = float64(closed.WinCount) / float64(closed.ClosedCount) * 100
	}

	stats["open_count"] = openCount
	stats["floating_profit"] = floating
	stats["closed_count"] = closed.ClosedCount
	stats["win_count"] = closed.WinCount
	stats["win_rate"] = winRate
	stats["total_profit"] = closed.TotalProfit

	response.Success(c, stats)
}

// GetBridgeStatus reports the terminal bridge connectivity for the account
// GET /api/v1/bridge/status
func (h *LedgerHandler) GetBridgeStatus(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	link, err := h.snapshots.GetBridgeLink(accountID)
	if err != nil {
		if errors.Is(err, repository.ErrBridgeLinkNotFound) {
			response.Success(c, gin.H{
				"connected": false,
				"message":   "no bridge registered for this account",
			})
			return
		}
		response.InternalError(c, err.Error())
		return
	}

	response.Success(c, link)
}

// CleanupDuplicates collapses duplicate ticket rows for the account
// POST /api/v1/admin/trades/cleanup
func (h *LedgerHandler) CleanupDuplicates(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	removed, err := h.reconciler.CleanupDuplicates(c.Request.Context(), accountID)
	if err != nil {
		middleware.LogError("account %d: duplicate cleanup failed: %v", accountID, err)
		response.InternalError(c, "cleanup failed")
		return
	}

	middleware.LogInfo("account %d: duplicate cleanup removed %d rows", accountID, removed)
	response.Success(c, gin.H{"removed": removed})
}

// RegisterRoutes registers ledger query routes behind viewer authentication
func (h *LedgerHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	trades := rg.Group("/trades")
	trades.Use(authMiddleware)
	{
		trades.GET("", h.GetTrades)
		trades.GET("/open", h.GetOpenTrades)
	}

	account := rg.Group("/account")
	account.Use(authMiddleware)
	{
		account.GET("/stats", h.GetAccountStats)
	}

	bridge := rg.Group("/bridge")
	bridge.Use(authMiddleware)
	{
		bridge.GET("/status", h.GetBridgeStatus)
	}

	admin := rg.Group("/admin")
	admin.Use(authMiddleware)
	{
		admin.POST("/trades/cleanup", h.CleanupDuplicates)
	}
}
