package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
)

// AccountInfo carries the account numbers reported by the terminal bridge
type AccountInfo struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Profit      float64 `json:"profit"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
}

// Position describes one open position as reported by the terminal.
// Side follows the terminal convention: 0 = BUY, 1 = SELL.
type Position struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Side         int     `json:"side"`
	Volume       float64 `json:"volume"`
	OpenPrice    float64 `json:"open_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	OpenTime     int64   `json:"open_time"`
	Comment      string  `json:"comment"`
}

// Order is a pending order entry. Carried through for future use; pending
// orders do not participate in reconciliation.
type Order struct {
	Ticket int64   `json:"ticket"`
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Volume float64 `json:"volume"`
	Price  float64 `json:"price"`
}

// Snapshot is one full sync payload pushed by the bridge
type Snapshot struct {
	Account   AccountInfo `json:"account" binding:"required"`
	Positions []Position  `json:"positions"`
	Orders    []Order     `json:"orders,omitempty"`
	History   []Position  `json:"history,omitempty"`
	Timestamp int64       `json:"timestamp"`
	SyncCount int64       `json:"sync_count"`
	// Force requests reconciliation even when the content hash matches the
	// previous cycle. Set by the bridge on first connect and immediately
	// after a terminal trade event.
	Force bool `json:"force,omitempty"`
}

// ValidationError reports the first offending field of a malformed snapshot
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snapshot: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks the snapshot shape before any ledger mutation happens.
// A failure here must leave the ledger untouched.
func (s *Snapshot) Validate() error {
	if err := finite("account.balance", s.Account.Balance); err != nil {
		return err
	}
	if err := finite("account.equity", s.Account.Equity); err != nil {
		return err
	}
	if err := finite("account.margin", s.Account.Margin); err != nil {
		return err
	}
	if err := finite("account.free_margin", s.Account.FreeMargin); err != nil {
		return err
	}
	if err := finite("account.margin_level", s.Account.MarginLevel); err != nil {
		return err
	}

	seen := make(map[int64]struct{}, len(s.Positions))
	for i, p := range s.Positions {
		prefix := fmt.Sprintf("positions[%d].", i)
		if p.Ticket <= 0 {
			return invalid(prefix+"ticket", "must be positive")
		}
		if _, dup := seen[p.Ticket]; dup {
			return invalid(prefix+"ticket", "duplicated in payload")
		}
		seen[p.Ticket] = struct{}{}
		if strings.TrimSpace(p.Symbol) == "" {
			return invalid(prefix+"symbol", "is required")
		}
		if p.Side != 0 && p.Side != 1 {
			return invalid(prefix+"side", "must be 0 (BUY) or 1 (SELL)")
		}
		if p.Volume <= 0 || !isFinite(p.Volume) {
			return invalid(prefix+"volume", "must be a positive number")
		}
		for _, f := range []struct {
			name  string
			value float64
		}{
			{"open_price", p.OpenPrice},
			{"current_price", p.CurrentPrice},
			{"stop_loss", p.StopLoss},
			{"take_profit", p.TakeProfit},
			{"profit", p.Profit},
			{"swap", p.Swap},
		} {
			if err := finite(prefix+f.name, f.value); err != nil {
				return err
			}
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finite(field string, v float64) error {
	if !isFinite(v) {
		return invalid(field, "must be a finite number")
	}
	return nil
}

// ContentHash returns a stable digest of the reconciliation-relevant parts of
// the snapshot. Positions are sorted by ticket so bridge-side ordering noise
// does not defeat skip detection; timestamp and sync counter are excluded for
// the same reason.
func (s *Snapshot) ContentHash() string {
	positions := make([]Position, len(s.Positions))
	copy(positions, s.Positions)
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticket < positions[j].Ticket })

	h := sha256.New()
	fmt.Fprintf(h, "a|%d|%.8f|%.8f|%.8f|%.8f|%.8f|%s|%d\n",
		s.Account.Login, s.Account.Balance, s.Account.Equity, s.Account.Margin,
		s.Account.FreeMargin, s.Account.MarginLevel, s.Account.Currency, s.Account.Leverage)
	for _, p := range positions {
		fmt.Fprintf(h, "p|%d|%s|%d|%.8f|%.8f|%.8f|%.8f|%.8f|%.8f|%.8f|%d|%s\n",
			p.Ticket, p.Symbol, p.Side, p.Volume, p.OpenPrice, p.CurrentPrice,
			p.StopLoss, p.TakeProfit, p.Profit, p.Swap, p.OpenTime, p.Comment)
	}
	return hex.EncodeToString(h.Sum(nil))
}
