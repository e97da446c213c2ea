package repository

import (
	"errors"
	"time"

	"github.com/copyarena-server/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSnapshotNotFound   = errors.New("account snapshot not found")
	ErrBridgeLinkNotFound = errors.New("bridge link not found")
)

// SnapshotRepository handles account snapshot and bridge link data access
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new SnapshotRepository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Upsert replaces the account's snapshot wholesale
func (r *SnapshotRepository) Upsert(tx *gorm.DB, snapshot *models.AccountSnapshot) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"balance", "equity", "margin", "free_margin", "margin_level",
			"currency", "leverage", "captured_at", "updated_at",
		}),
	}).Create(snapshot).Error
}

// GetByAccountID retrieves the latest snapshot for an account
func (r *SnapshotRepository) GetByAccountID(accountID uint) (*models.AccountSnapshot, error) {
	var snapshot models.AccountSnapshot
	result := r.db.Where("account_id = ?", accountID).First(&snapshot)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, result.Error
	}
	return &snapshot, nil
}

// UpsertBridgeLink creates or refreshes the bridge link for an account
func (r *SnapshotRepository) UpsertBridgeLink(link *models.BridgeLink) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"login", "server", "company", "terminal_build", "bridge_version",
			"connected", "last_connection", "updated_at",
		}),
	}).Create(link).Error
}

// GetBridgeLink retrieves the bridge link for an account
func (r *SnapshotRepository) GetBridgeLink(accountID uint) (*models.BridgeLink, error) {
	var link models.BridgeLink
	result := r.db.Where("account_id = ?", accountID).First(&link)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBridgeLinkNotFound
		}
		return nil, result.Error
	}
	return &link, nil
}

// TouchLastSync records a completed sync cycle on the bridge link
func (r *SnapshotRepository) TouchLastSync(accountID uint, at time.Time) error {
	return r.db.Model(&models.BridgeLink{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{"last_sync": at, "connected": true}).Error
}

// ListStaleBridgeLinks returns links still marked connected whose last sync
// is older than the cutoff (or missing entirely)
func (r *SnapshotRepository) ListStaleBridgeLinks(cutoff time.Time) ([]models.BridgeLink, error) {
	var links []models.BridgeLink
	result := r.db.Where("connected = ? AND (last_sync IS NULL OR last_sync < ?)", true, cutoff).
		Find(&links)
	return links, result.Error
}

// MarkDisconnected flips the bridge link to disconnected
func (r *SnapshotRepository) MarkDisconnected(accountID uint, at time.Time) error {
	return r.db.Model(&models.BridgeLink{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{"connected": false, "last_disconnected": at}).Error
}
