package repository

import (
	"errors"

	"github.com/copyarena-server/internal/models"
	"gorm.io/gorm"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository handles ledger trade data access
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new TradeRepository
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// DB exposes the underlying handle for transactional composition
func (r *TradeRepository) DB() *gorm.DB {
	return r.db
}

// Create creates a new trade row
func (r *TradeRepository) Create(tx *gorm.DB, trade *models.Trade) error {
	return tx.Create(trade).Error
}

// Save persists all fields of an existing trade row
func (r *TradeRepository) Save(tx *gorm.DB, trade *models.Trade) error {
	return tx.Save(trade).Error
}

// GetOpenByAccountID retrieves all open trades for an account, oldest first
func (r *TradeRepository) GetOpenByAccountID(tx *gorm.DB, accountID uint) ([]models.Trade, error) {
	var trades []models.Trade
	result := tx.Where("account_id = ? AND status = ?", accountID, models.TradeStatusOpen).
		Order("id ASC").
		Find(&trades)
	return trades, result.Error
}

// GetByAccountIDPaginated retrieves trades with pagination, newest first
func (r *TradeRepository) GetByAccountIDPaginated(accountID uint, page, pageSize int) ([]models.Trade, int64, error) {
	var trades []models.Trade
	var total int64

	if err := r.db.Model(&models.Trade{}).Where("account_id = ?", accountID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	result := r.db.Where("account_id = ?", accountID).
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&trades)

	return trades, total, result.Error
}

// GetByTicket retrieves the most recent trade row for one (account, ticket)
// pair. A reused ticket resolves to its latest lifetime.
func (r *TradeRepository) GetByTicket(accountID uint, ticket int64) (*models.Trade, error) {
	var trade models.Trade
	result := r.db.Where("account_id = ? AND ticket = ?", accountID, ticket).
		Order("id DESC").
		First(&trade)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, result.Error
	}
	return &trade, nil
}

// ClosedStats aggregates the closed-trade history for an account
type ClosedStats struct {
	ClosedCount int64   `json:"closed_count"`
	WinCount    int64   `json:"win_count"`
	TotalProfit float64 `json:"total_profit"`
}

// GetClosedStats computes closed-trade aggregates for an account
func (r *TradeRepository) GetClosedStats(accountID uint) (*ClosedStats, error) {
	var stats ClosedStats

	base := r.db.Model(&models.Trade{}).
		Where("account_id = ? AND status = ?", accountID, models.TradeStatusClosed)

	if err := base.Session(&gorm.Session{}).Count(&stats.ClosedCount).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("realized_profit > 0").Count(&stats.WinCount).Error; err != nil {
		return nil, err
	}

	var total struct {
		Sum float64
	}
	err := base.Session(&gorm.Session{}).
		Select("COALESCE(SUM(realized_profit), 0) as sum").
		Scan(&total).Error
	if err != nil {
		return nil, err
	}
	stats.TotalProfit = total.Sum

	return &stats, nil
}

// GetOpenCount counts open trades for an account
func (r *TradeRepository) GetOpenCount(accountID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Trade{}).
		Where("account_id = ? AND status = ?", accountID, models.TradeStatusOpen).
		Count(&count).Error
	return count, err
}

// GetTotalUnrealizedProfit sums floating profit across open trades
func (r *TradeRepository) GetTotalUnrealizedProfit(accountID uint) (float64, error) {
	var total struct {
		Sum float64
	}
	err := r.db.Model(&models.Trade{}).
		Select("COALESCE(SUM(profit), 0) as sum").
		Where("account_id = ? AND status = ?", accountID, models.TradeStatusOpen).
		Scan(&total).Error
	return total.Sum, err
}

// CollapseDuplicates removes duplicate OPEN rows sharing one (account,
// ticket), keeping the row with the largest surrogate id. Returns the number
// of rows discarded. Closed rows are never touched: a reused ticket
// legitimately owns one closed row per lifetime.
func (r *TradeRepository) CollapseDuplicates(tx *gorm.DB, accountID uint) (int64, error) {
	result := tx.Exec(`
		DELETE FROM trades
		WHERE account_id = ?
		  AND status = ?
		  AND id NOT IN (
			SELECT keep_id FROM (
				SELECT MAX(id) AS keep_id FROM trades
				WHERE account_id = ? AND status = ?
				GROUP BY ticket
			) keepers
		  )`, accountID, models.TradeStatusOpen, accountID, models.TradeStatusOpen)
	return result.RowsAffected, result.Error
}
