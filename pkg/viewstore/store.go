// Package viewstore is the consumer-side state cache for account viewers.
// It merges live-pushed events with on-demand ledger fetches without double
// counting: the live cache is authoritative for currently-open positions and
// instantaneous account numbers, the ledger cache for closed-trade history
// and aggregate statistics.
package viewstore

import (
	"sort"
	"sync"

	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/models"
)

// Stats is the merged view served to presentation layers
type Stats struct {
	OpenCount        int     `json:"open_count"`
	FloatingProfit   float64 `json:"floating_profit"`
	ClosedCount      int     `json:"closed_count"`
	WinCount         int     `json:"win_count"`
	WinRate          float64 `json:"win_rate"`
	HistoricalProfit float64 `json:"historical_profit"`
	// LiveSource is true when the open figures come from the live cache
	// rather than the ledger fallback.
	LiveSource bool `json:"live_source"`
}

// Store holds the two per-account caches. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	// live cache: fed only by broadcast events
	liveSeen    bool
	liveOpen    map[int64]models.Trade
	liveAccount *events.AccountPayload

	// ledger cache: fed only by on-demand fetches
	ledger []models.Trade

	// resync tracking
	disconnected  bool
	needPositions bool
	needLedger    bool

	// ledgerStale flags that a close happened since the last fetch
	ledgerStale bool

	lastWarning *events.MarginWarningPayload
	lastSummary *events.SyncSummaryPayload
}

// New creates an empty Store
func New() *Store {
	return &Store{
		liveOpen: make(map[int64]models.Trade),
	}
}

// ConnectionLost tells the store its transport dropped. Live state stops
// being trusted once the connection is restored (see ApplyEvent), since an
// unknown number of events were missed in between.
func (s *Store) ConnectionLost() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

// NeedsResync reports whether a full resync (fresh positions_update plus a
// ledger re-fetch) is still outstanding after a reconnect
func (s *Store) NeedsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needPositions || s.needLedger
}

// ApplyEvent feeds one broadcast event into the live cache
func (s *Store) ApplyEvent(env events.Envelope) error {
	payload, err := env.Decode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := payload.(type) {
	case *events.TradePayload:
		if s.needPositions {
			// Incremental merges stay suspended until the post-reconnect
			// full snapshot arrives; it supersedes anything received here
			if env.Type == events.EventTradeClosed {
				s.ledgerStale = true
			}
			return nil
		}
		switch env.Type {
		case events.EventTradeNew, events.EventTradeUpdated:
			s.markLive()
			s.liveOpen[p.Trade.Ticket] = p.Trade
		case events.EventTradeClosed:
			s.markLive()
			delete(s.liveOpen, p.Trade.Ticket)
			// Closed history lives in the ledger; the next fetch picks it up
			s.ledgerStale = true
		}

	case *events.PositionsPayload:
		s.markLive()
		s.liveOpen = make(map[int64]models.Trade, len(p.Positions))
		for _, t := range p.Positions {
			s.liveOpen[t.Ticket] = t
		}
		s.needPositions = false

	case *events.AccountPayload:
		s.liveAccount = p
		if !s.needPositions {
			s.markLive()
		}

	case *events.MarginWarningPayload:
		s.lastWarning = p

	case *events.SyncSummaryPayload:
		s.lastSummary = p

	case *events.ConnectionStatusPayload:
		if p.Source == "viewer" && p.Connected && s.disconnected {
			// Dropped-then-restored: distrust everything buffered while the
			// connection was down and start over from a full resync.
			s.disconnected = false
			s.liveSeen = false
			s.liveOpen = make(map[int64]models.Trade)
			s.liveAccount = nil
			s.needPositions = true
			s.needLedger = true
		}
	}

	return nil
}

// markLive flags that live data arrived this session. Guarded by mu.
func (s *Store) markLive() {
	s.liveSeen = true
}

// MergeLedger folds a fetched ledger batch into the ledger cache. Rows match
// by ticket first, then by surrogate id, else append; residual duplicate
// tickets collapse keeping the instance with the larger surrogate id.
func (s *Store) MergeLedger(batch []models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, incoming := range batch {
		merged := false
		for i := range s.ledger {
			if s.ledger[i].Ticket == incoming.Ticket {
				s.ledger[i] = incoming
				merged = true
				break
			}
		}
		if !merged {
			for i := range s.ledger {
				if s.ledger[i].ID == incoming.ID {
					s.ledger[i] = incoming
					merged = true
					break
				}
			}
		}
		if !merged {
			s.ledger = append(s.ledger, incoming)
		}
	}

	s.collapseDuplicates()
	s.needLedger = false
	s.ledgerStale = false
}

// LedgerStale reports whether a trade closed since the last ledger fetch
func (s *Store) LedgerStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgerStale
}

// collapseDuplicates drops ledger rows sharing a ticket, keeping the larger
// surrogate id. Guarded by mu.
func (s *Store) collapseDuplicates() {
	keep := make(map[int64]models.Trade, len(s.ledger))
	for _, t := range s.ledger {
		if kept, ok := keep[t.Ticket]; !ok || t.ID > kept.ID {
			keep[t.Ticket] = t
		}
	}
	if len(keep) == len(s.ledger) {
		return
	}
	s.ledger = s.ledger[:0]
	for _, t := range keep {
		s.ledger = append(s.ledger, t)
	}
	sort.Slice(s.ledger, func(i, j int) bool { return s.ledger[i].ID < s.ledger[j].ID })
}

// OpenPositions returns the current open-position list, live-first
func (s *Store) OpenPositions() []models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveSeen {
		out := make([]models.Trade, 0, len(s.liveOpen))
		for _, t := range s.liveOpen {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
		return out
	}

	var out []models.Trade
	for _, t := range s.ledger {
		if t.IsOpen() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Account returns the live account numbers, or nil before any account_update
func (s *Store) Account() *events.AccountPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveAccount == nil {
		return nil
	}
	copied := *s.liveAccount
	return &copied
}

// LastWarning returns the most recent margin warning, or nil
func (s *Store) LastWarning() *events.MarginWarningPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastWarning == nil {
		return nil
	}
	copied := *s.lastWarning
	return &copied
}

// Stats merges both caches under the double-counting rules: open figures
// prefer the live cache once any live event has been seen this session and
// never backfill from the ledger afterwards; closed figures come from the
// ledger cache only, since the live feed never describes closed trades.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats

	if s.liveSeen {
		stats.LiveSource = true
		stats.OpenCount = len(s.liveOpen)
		for _, t := range s.liveOpen {
			stats.FloatingProfit += t.Profit
		}
	} else {
		for _, t := range s.ledger {
			if t.IsOpen() {
				stats.OpenCount++
				stats.FloatingProfit += t.Profit
			}
		}
	}

	for _, t := range s.ledger {
		if t.IsOpen() {
			continue
		}
		stats.ClosedCount++
		if t.RealizedProfit > 0 {
			stats.WinCount++
		}
		stats.HistoricalProfit += t.RealizedProfit
	}
	if stats.ClosedCount > 0 {
		stats.WinRate = float64(stats.WinCount) / float64(stats.ClosedCount) * 100
	}

	return stats
}
