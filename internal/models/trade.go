package models

import (
	"time"
)

// TradeSide represents the direction of a trade
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeStatus represents the lifecycle state of a trade.
// Transitions are one-way: open -> closed.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// Trade is one ledger row mirroring a position observed on the terminal.
// The ticket is the identifier assigned by the terminal. At most one OPEN
// row exists per (account, ticket); closed rows keep their ticket, so a
// ticket the terminal reuses after a close accumulates one closed row per
// lifetime plus at most one open row. The reconciler enforces the open-row
// uniqueness, which is why the index here is not unique.
type Trade struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	AccountID      uint        `gorm:"index:idx_account_ticket;not null" json:"account_id"`
	Ticket         int64       `gorm:"index:idx_account_ticket;not null" json:"ticket"`
	Symbol         string      `gorm:"size:20;not null;index" json:"symbol"`
	Side           TradeSide   `gorm:"size:10;not null" json:"side"`
	Volume         float64     `gorm:"type:decimal(20,8);not null" json:"volume"`
	OpenPrice      float64     `gorm:"type:decimal(20,8);not null" json:"open_price"`
	CurrentPrice   float64     `gorm:"type:decimal(20,8)" json:"current_price"`
	ClosePrice     *float64    `gorm:"type:decimal(20,8)" json:"close_price,omitempty"`
	StopLoss       *float64    `gorm:"type:decimal(20,8)" json:"stop_loss,omitempty"`
	TakeProfit     *float64    `gorm:"type:decimal(20,8)" json:"take_profit,omitempty"`
	Swap           float64     `gorm:"type:decimal(20,8)" json:"swap"`
	Profit         float64     `gorm:"type:decimal(20,8)" json:"profit"`
	RealizedProfit float64     `gorm:"type:decimal(20,8)" json:"realized_profit"`
	Status         TradeStatus `gorm:"size:10;not null;index" json:"status"`
	OpenTime       time.Time   `json:"open_time"`
	CloseTime      *time.Time  `json:"close_time,omitempty"`
	Comment        string      `gorm:"size:255" json:"comment"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName specifies the table name for Trade model
func (Trade) TableName() string {
	return "trades"
}

// IsOpen reports whether the trade is still open on the terminal
func (t *Trade) IsOpen() bool {
	return t.Status == TradeStatusOpen
}

// Close transitions the trade to closed at the given time. The last observed
// current price becomes the close price and the last observed unrealized
// profit becomes the realized profit; realized profit is never touched again.
func (t *Trade) Close(now time.Time) {
	if t.Status == TradeStatusClosed {
		return
	}
	closePrice := t.CurrentPrice
	t.Status = TradeStatusClosed
	t.CloseTime = &now
	t.ClosePrice = &closePrice
	t.RealizedProfit = t.Profit
	t.Profit = 0
}
