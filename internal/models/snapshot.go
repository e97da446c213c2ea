package models

import (
	"time"
)

// AccountSnapshot holds the latest account numbers pushed by the bridge.
// One row per account, replaced wholesale each sync cycle; no per-field
// history is kept.
type AccountSnapshot struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountID   uint      `gorm:"uniqueIndex;not null" json:"account_id"`
	Balance     float64   `gorm:"type:decimal(20,8)" json:"balance"`
	Equity      float64   `gorm:"type:decimal(20,8)" json:"equity"`
	Margin      float64   `gorm:"type:decimal(20,8)" json:"margin"`
	FreeMargin  float64   `gorm:"type:decimal(20,8)" json:"free_margin"`
	MarginLevel float64   `gorm:"type:decimal(20,8)" json:"margin_level"`
	Currency    string    `gorm:"size:10;default:'USD'" json:"currency"`
	Leverage    int       `json:"leverage"`
	CapturedAt  time.Time `json:"captured_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for AccountSnapshot model
func (AccountSnapshot) TableName() string {
	return "account_snapshots"
}

// BridgeLink records the terminal bridge attached to an account: which
// login/server it reports and whether it is currently pushing snapshots.
type BridgeLink struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	AccountID        uint       `gorm:"uniqueIndex;not null" json:"account_id"`
	Login            int64      `json:"login"`
	Server           string     `gorm:"size:100" json:"server"`
	Company          string     `gorm:"size:100" json:"company"`
	TerminalBuild    int        `json:"terminal_build"`
	BridgeVersion    string     `gorm:"size:20" json:"bridge_version"`
	Connected        bool       `gorm:"default:false" json:"connected"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	LastConnection   *time.Time `json:"last_connection,omitempty"`
	LastDisconnected *time.Time `json:"last_disconnected,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName specifies the table name for BridgeLink model
func (BridgeLink) TableName() string {
	return "bridge_links"
}
