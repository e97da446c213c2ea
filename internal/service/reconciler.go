package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/ingest"
	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/internal/models"
	"github.com/copyarena-server/internal/repository"
	"gorm.io/gorm"
)

// Broadcaster delivers events to the account's live viewers. Delivery is
// fire-and-forget: implementations must never block the caller.
type Broadcaster interface {
	Broadcast(accountID uint, env events.Envelope)
}

// SyncResult summarizes one reconciliation cycle for the bridge
type SyncResult struct {
	Opened  int  `json:"opened"`
	Updated int  `json:"updated"`
	Closed  int  `json:"closed"`
	Skipped bool `json:"skipped"`
}

// TradeUpdate is one refreshed open trade. Material marks updates whose
// profit moved past the configured threshold (or whose SL/TP changed) and
// which therefore warrant a trade_updated event.
type TradeUpdate struct {
	Trade    models.Trade
	Material bool
}

// Diff is the computed mutation set for one cycle
type Diff struct {
	Creates []models.Trade
	Updates []TradeUpdate
	Closes  []models.Trade
}

// Reconciler diffs incoming snapshots against the ledger and applies the
// result atomically. Cycles for one account are mutually exclusive; accounts
// never contend with each other.
type Reconciler struct {
	db          *gorm.DB
	trades      *repository.TradeRepository
	snapshots   *repository.SnapshotRepository
	margin      *MarginMonitor
	broadcaster Broadcaster
	hashes      *SnapshotHashCache
	profitDelta float64

	locks sync.Map // accountID -> *sync.Mutex
}

// NewReconciler creates a new Reconciler
func NewReconciler(
	db *gorm.DB,
	trades *repository.TradeRepository,
	snapshots *repository.SnapshotRepository,
	margin *MarginMonitor,
	broadcaster Broadcaster,
	hashes *SnapshotHashCache,
	profitDelta float64,
) *Reconciler {
	return &Reconciler{
		db:          db,
		trades:      trades,
		snapshots:   snapshots,
		margin:      margin,
		broadcaster: broadcaster,
		hashes:      hashes,
		profitDelta: profitDelta,
	}
}

func (r *Reconciler) accountLock(accountID uint) *sync.Mutex {
	lock, _ := r.locks.LoadOrStore(accountID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Reconcile runs one full diff-and-apply cycle for a validated snapshot.
// Either the whole computed diff commits or none of it does; on error the
// next periodic push self-heals.
func (r *Reconciler) Reconcile(ctx context.Context, accountID uint, snap *ingest.Snapshot) (*SyncResult, error) {
	lock := r.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash := snap.ContentHash()
	if !snap.Force && r.hashes.Matches(ctx, accountID, hash) {
		// The bridge did push this cycle; the link stays fresh even though
		// nothing needed reconciling
		if err := r.snapshots.TouchLastSync(accountID, time.Now().UTC()); err != nil {
			middleware.LogError("account %d: failed to touch last sync on skipped cycle: %v", accountID, err)
		}
		return &SyncResult{Skipped: true}, nil
	}

	now := time.Now().UTC()
	var diff Diff
	var openAfter []models.Trade

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger, err := r.trades.GetOpenByAccountID(tx, accountID)
		if err != nil {
			return fmt.Errorf("load open trades: %w", err)
		}

		ledger, err = r.mergeInlineDuplicates(tx, accountID, ledger)
		if err != nil {
			return err
		}

		diff = ComputeDiff(accountID, ledger, snap.Positions, r.profitDelta, now)

		for i := range diff.Creates {
			if err := r.trades.Create(tx, &diff.Creates[i]); err != nil {
				return fmt.Errorf("create trade %d: %w", diff.Creates[i].Ticket, err)
			}
		}
		for i := range diff.Updates {
			if err := r.trades.Save(tx, &diff.Updates[i].Trade); err != nil {
				return fmt.Errorf("update trade %d: %w", diff.Updates[i].Trade.Ticket, err)
			}
		}
		for i := range diff.Closes {
			if err := r.trades.Save(tx, &diff.Closes[i]); err != nil {
				return fmt.Errorf("close trade %d: %w", diff.Closes[i].Ticket, err)
			}
		}

		snapshot := &models.AccountSnapshot{
			AccountID:   accountID,
			Balance:     snap.Account.Balance,
			Equity:      snap.Account.Equity,
			Margin:      snap.Account.Margin,
			FreeMargin:  snap.Account.FreeMargin,
			MarginLevel: snap.Account.MarginLevel,
			Currency:    snap.Account.Currency,
			Leverage:    snap.Account.Leverage,
			CapturedAt:  now,
		}
		if err := r.snapshots.Upsert(tx, snapshot); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}

		openAfter, err = r.trades.GetOpenByAccountID(tx, accountID)
		if err != nil {
			return fmt.Errorf("reload open trades: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.hashes.Store(ctx, accountID, hash)
	if err := r.snapshots.TouchLastSync(accountID, now); err != nil {
		middleware.LogError("account %d: failed to touch last sync: %v", accountID, err)
	}

	result := &SyncResult{
		Opened:  len(diff.Creates),
		Updated: materialCount(diff.Updates),
		Closed:  len(diff.Closes),
	}

	r.publish(accountID, diff, openAfter, snap.Account, result)
	return result, nil
}

// mergeInlineDuplicates collapses ledger rows sharing one ticket, keeping the
// row with the larger surrogate id. A duplicate indicates a historical race;
// the cycle continues after the correction.
func (r *Reconciler) mergeInlineDuplicates(tx *gorm.DB, accountID uint, ledger []models.Trade) ([]models.Trade, error) {
	byTicket := make(map[int64]models.Trade, len(ledger))
	duplicate := false
	for _, row := range ledger {
		kept, seen := byTicket[row.Ticket]
		if !seen || row.ID > kept.ID {
			byTicket[row.Ticket] = row
		}
		if seen {
			duplicate = true
		}
	}
	if !duplicate {
		return ledger, nil
	}

	middleware.LogError("account %d: duplicate tickets found in ledger, merging", accountID)
	if _, err := r.trades.CollapseDuplicates(tx, accountID); err != nil {
		return nil, fmt.Errorf("collapse duplicates: %w", err)
	}

	merged := make([]models.Trade, 0, len(byTicket))
	for _, row := range ledger {
		if byTicket[row.Ticket].ID == row.ID {
			merged = append(merged, row)
		}
	}
	return merged, nil
}

// CleanupDuplicates is the maintenance entry point for the duplicate-ticket
// merge, callable outside a reconciliation cycle.
func (r *Reconciler) CleanupDuplicates(ctx context.Context, accountID uint) (int64, error) {
	lock := r.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		removed, err = r.trades.CollapseDuplicates(tx, accountID)
		return err
	})
	return removed, err
}

// publish emits the cycle's events in protocol order: per-trade news and
// updates first, then closes, then the bulk replacements, then the summary
// strictly last so consumers reacting to it see fully-applied state.
func (r *Reconciler) publish(accountID uint, diff Diff, openAfter []models.Trade, account ingest.AccountInfo, result *SyncResult) {
	for i := range diff.Creates {
		r.broadcaster.Broadcast(accountID, events.MustNew(events.EventTradeNew, events.TradePayload{Trade: diff.Creates[i]}))
	}
	for i := range diff.Updates {
		if !diff.Updates[i].Material {
			continue
		}
		r.broadcaster.Broadcast(accountID, events.MustNew(events.EventTradeUpdated, events.TradePayload{Trade: diff.Updates[i].Trade}))
	}
	for i := range diff.Closes {
		r.broadcaster.Broadcast(accountID, events.MustNew(events.EventTradeClosed, events.TradePayload{Trade: diff.Closes[i]}))
	}

	r.broadcaster.Broadcast(accountID, events.MustNew(events.EventPositionsUpdate, events.PositionsPayload{Positions: openAfter}))
	r.broadcaster.Broadcast(accountID, events.MustNew(events.EventAccountUpdate, events.AccountPayload{
		Balance:     account.Balance,
		Equity:      account.Equity,
		Margin:      account.Margin,
		FreeMargin:  account.FreeMargin,
		MarginLevel: account.MarginLevel,
		Currency:    account.Currency,
		Leverage:    account.Leverage,
	}))

	if status := r.margin.Evaluate(accountID, account.Equity, account.Margin); status.Crossed {
		r.broadcaster.Broadcast(accountID, events.MustNew(events.EventMarginWarning, events.MarginWarningPayload{
			Severity:    status.Severity,
			MarginLevel: status.Level,
			Threshold:   status.Threshold,
		}))
	}

	r.broadcaster.Broadcast(accountID, events.MustNew(events.EventTradesSynced, events.SyncSummaryPayload{
		Opened:  result.Opened,
		Updated: result.Updated,
		Closed:  result.Closed,
		Skipped: result.Skipped,
	}))
}

func materialCount(updates []TradeUpdate) int {
	n := 0
	for _, u := range updates {
		if u.Material {
			n++
		}
	}
	return n
}

// ComputeDiff diffs the incoming open-position set against the account's
// open ledger rows. Ledger rows must be unique per ticket. The result applied
// in full leaves the ledger's open-ticket set equal to the incoming set.
func ComputeDiff(accountID uint, ledger []models.Trade, incoming []ingest.Position, profitDelta float64, now time.Time) Diff {
	var diff Diff

	open := make(map[int64]models.Trade, len(ledger))
	for _, row := range ledger {
		open[row.Ticket] = row
	}

	seen := make(map[int64]struct{}, len(incoming))
	for _, pos := range incoming {
		if _, dup := seen[pos.Ticket]; dup {
			continue
		}
		seen[pos.Ticket] = struct{}{}

		row, exists := open[pos.Ticket]
		if !exists {
			diff.Creates = append(diff.Creates, newTrade(accountID, pos))
			continue
		}

		material := math.Abs(pos.Profit-row.Profit) >= profitDelta ||
			!sameLevel(row.StopLoss, pos.StopLoss) ||
			!sameLevel(row.TakeProfit, pos.TakeProfit)

		row.CurrentPrice = pos.CurrentPrice
		row.Profit = pos.Profit
		row.Swap = pos.Swap
		row.StopLoss = optional(pos.StopLoss)
		row.TakeProfit = optional(pos.TakeProfit)
		diff.Updates = append(diff.Updates, TradeUpdate{Trade: row, Material: material})
	}

	for _, row := range ledger {
		if _, present := seen[row.Ticket]; present {
			continue
		}
		closed := row
		closed.Close(now)
		diff.Closes = append(diff.Closes, closed)
	}

	return diff
}

func newTrade(accountID uint, pos ingest.Position) models.Trade {
	side := models.TradeSideBuy
	if pos.Side == 1 {
		side = models.TradeSideSell
	}
	return models.Trade{
		AccountID:    accountID,
		Ticket:       pos.Ticket,
		Symbol:       pos.Symbol,
		Side:         side,
		Volume:       pos.Volume,
		OpenPrice:    pos.OpenPrice,
		CurrentPrice: pos.CurrentPrice,
		StopLoss:     optional(pos.StopLoss),
		TakeProfit:   optional(pos.TakeProfit),
		Swap:         pos.Swap,
		Profit:       pos.Profit,
		Status:       models.TradeStatusOpen,
		OpenTime:     time.Unix(pos.OpenTime, 0).UTC(),
		Comment:      pos.Comment,
	}
}

// optional maps the terminal zero-means-unset convention to a nullable
func optional(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func sameLevel(current *float64, reported float64) bool {
	if current == nil {
		return reported == 0
	}
	return *current == reported
}
