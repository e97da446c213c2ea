package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyarena-server/internal/config"
	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/ingest"
	"github.com/copyarena-server/internal/models"
)

// recordingBroadcaster captures the event stream for ordering assertions
type recordingBroadcaster struct {
	envelopes []events.Envelope
}

func (b *recordingBroadcaster) Broadcast(accountID uint, env events.Envelope) {
	b.envelopes = append(b.envelopes, env)
}

func (b *recordingBroadcaster) types() []events.EventType {
	out := make([]events.EventType, len(b.envelopes))
	for i, env := range b.envelopes {
		out[i] = env.Type
	}
	return out
}

func position(ticket int64, profit float64) ingest.Position {
	return ingest.Position{
		Ticket:       ticket,
		Symbol:       "EURUSD",
		Side:         0,
		Volume:       0.1,
		OpenPrice:    1.1000,
		CurrentPrice: 1.1010,
		Profit:       profit,
		OpenTime:     1700000000,
	}
}

func openTrade(id uint, ticket int64, profit float64) models.Trade {
	return models.Trade{
		ID:           id,
		AccountID:    7,
		Ticket:       ticket,
		Symbol:       "EURUSD",
		Side:         models.TradeSideBuy,
		Volume:       0.1,
		OpenPrice:    1.1000,
		CurrentPrice: 1.1010,
		Profit:       profit,
		Status:       models.TradeStatusOpen,
	}
}

func TestComputeDiffCreatesNewTickets(t *testing.T) {
	now := time.Now().UTC()
	diff := ComputeDiff(7, nil, []ingest.Position{position(100, 5.0), position(101, -2.0)}, 0.01, now)

	require.Len(t, diff.Creates, 2)
	assert.Empty(t, diff.Updates)
	assert.Empty(t, diff.Closes)

	created := diff.Creates[0]
	assert.Equal(t, uint(7), created.AccountID)
	assert.Equal(t, int64(100), created.Ticket)
	assert.Equal(t, models.TradeStatusOpen, created.Status)
	assert.Equal(t, models.TradeSideBuy, created.Side)
	assert.Equal(t, 5.0, created.Profit)
}

func TestComputeDiffUpdatesExistingTickets(t *testing.T) {
	now := time.Now().UTC()
	ledger := []models.Trade{openTrade(1, 100, 5.0)}
	incoming := []ingest.Position{position(100, 7.5)}
	incoming[0].CurrentPrice = 1.1025

	diff := ComputeDiff(7, ledger, incoming, 0.01, now)

	assert.Empty(t, diff.Creates)
	assert.Empty(t, diff.Closes)
	require.Len(t, diff.Updates, 1)
	assert.True(t, diff.Updates[0].Material)
	assert.Equal(t, 7.5, diff.Updates[0].Trade.Profit)
	assert.Equal(t, 1.1025, diff.Updates[0].Trade.CurrentPrice)
	// identity fields untouched
	assert.Equal(t, uint(1), diff.Updates[0].Trade.ID)
	assert.Equal(t, 1.1000, diff.Updates[0].Trade.OpenPrice)
}

func TestComputeDiffClosesAbsentTickets(t *testing.T) {
	now := time.Now().UTC()
	ledger := []models.Trade{openTrade(1, 100, 5.0), openTrade(2, 101, -1.0)}
	incoming := []ingest.Position{position(100, 5.0)}

	diff := ComputeDiff(7, ledger, incoming, 0.01, now)

	require.Len(t, diff.Closes, 1)
	closed := diff.Closes[0]
	assert.Equal(t, int64(101), closed.Ticket)
	assert.Equal(t, models.TradeStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosePrice)
	assert.Equal(t, 1.1010, *closed.ClosePrice)
	assert.Equal(t, -1.0, closed.RealizedProfit)
	assert.Equal(t, 0.0, closed.Profit)
	require.NotNil(t, closed.CloseTime)
	assert.Equal(t, now, *closed.CloseTime)
}

func TestComputeDiffIdempotent(t *testing.T) {
	now := time.Now().UTC()
	incoming := []ingest.Position{position(100, 5.0), position(101, -2.0)}

	first := ComputeDiff(7, nil, incoming, 0.01, now)
	require.Len(t, first.Creates, 2)

	// feed the applied result back in as the ledger
	ledger := make([]models.Trade, len(first.Creates))
	copy(ledger, first.Creates)
	for i := range ledger {
		ledger[i].ID = uint(i + 1)
	}

	second := ComputeDiff(7, ledger, incoming, 0.01, now)
	assert.Empty(t, second.Creates)
	assert.Empty(t, second.Closes)
	require.Len(t, second.Updates, 2)
	for _, u := range second.Updates {
		assert.False(t, u.Material, "unchanged position must not be material")
	}
}

func TestComputeDiffMaterialityThreshold(t *testing.T) {
	now := time.Now().UTC()
	ledger := []models.Trade{openTrade(1, 100, 5.0)}

	// below threshold
	incoming := []ingest.Position{position(100, 5.005)}
	diff := ComputeDiff(7, ledger, incoming, 0.01, now)
	require.Len(t, diff.Updates, 1)
	assert.False(t, diff.Updates[0].Material)

	// at threshold
	incoming = []ingest.Position{position(100, 5.01)}
	diff = ComputeDiff(7, ledger, incoming, 0.01, now)
	require.Len(t, diff.Updates, 1)
	assert.True(t, diff.Updates[0].Material)

	// stop loss change alone is material regardless of profit
	incoming = []ingest.Position{position(100, 5.0)}
	incoming[0].StopLoss = 1.0950
	diff = ComputeDiff(7, ledger, incoming, 0.01, now)
	require.Len(t, diff.Updates, 1)
	assert.True(t, diff.Updates[0].Material)
	require.NotNil(t, diff.Updates[0].Trade.StopLoss)
	assert.Equal(t, 1.0950, *diff.Updates[0].Trade.StopLoss)
}

func TestComputeDiffTicketLifecycle(t *testing.T) {
	now := time.Now().UTC()

	// cycle 1: ticket 100 appears
	diff := ComputeDiff(7, nil, []ingest.Position{position(100, 1.0)}, 0.01, now)
	require.Len(t, diff.Creates, 1)

	ledger := []models.Trade{diff.Creates[0]}
	ledger[0].ID = 1

	// cycle 2: still open, profit drifts
	diff = ComputeDiff(7, ledger, []ingest.Position{position(100, 2.0)}, 0.01, now)
	assert.Empty(t, diff.Creates)
	require.Len(t, diff.Updates, 1)
	ledger[0] = diff.Updates[0].Trade

	// cycle 3: gone from the feed, exactly one close
	diff = ComputeDiff(7, ledger, nil, 0.01, now)
	assert.Empty(t, diff.Creates)
	assert.Empty(t, diff.Updates)
	require.Len(t, diff.Closes, 1)
	assert.Equal(t, 2.0, diff.Closes[0].RealizedProfit)

	// cycle 4: closed rows left the open ledger; reappearance is a new row
	diff = ComputeDiff(7, nil, []ingest.Position{position(100, 0.5)}, 0.01, now)
	require.Len(t, diff.Creates, 1)
}

func TestComputeDiffSkipsDuplicateIncomingTickets(t *testing.T) {
	now := time.Now().UTC()
	incoming := []ingest.Position{position(100, 1.0), position(100, 9.0)}

	diff := ComputeDiff(7, nil, incoming, 0.01, now)
	require.Len(t, diff.Creates, 1)
	assert.Equal(t, 1.0, diff.Creates[0].Profit)
}

func TestComputeDiffSellSide(t *testing.T) {
	now := time.Now().UTC()
	pos := position(200, 0)
	pos.Side = 1

	diff := ComputeDiff(7, nil, []ingest.Position{pos}, 0.01, now)
	require.Len(t, diff.Creates, 1)
	assert.Equal(t, models.TradeSideSell, diff.Creates[0].Side)
}

func TestPublishEventOrdering(t *testing.T) {
	rec := &recordingBroadcaster{}
	margin := NewMarginMonitor(config.RiskConfig{WarningLevel: 150, HighLevel: 100, CriticalLevel: 50})
	r := NewReconciler(nil, nil, nil, margin, rec, nil, 0.01)

	now := time.Now().UTC()
	closed := openTrade(3, 102, -4.0)
	closed.Close(now)

	diff := Diff{
		Creates: []models.Trade{openTrade(1, 100, 1.0)},
		Updates: []TradeUpdate{
			{Trade: openTrade(2, 101, 2.0), Material: true},
			{Trade: openTrade(4, 103, 0.0), Material: false},
		},
		Closes: []models.Trade{closed},
	}
	account := ingest.AccountInfo{Balance: 1000, Equity: 700, Margin: 500, Currency: "USD"}
	result := &SyncResult{Opened: 1, Updated: 1, Closed: 1}

	r.publish(7, diff, diff.Creates, account, result)

	// level 140 crosses the warning tier on the first evaluation
	assert.Equal(t, []events.EventType{
		events.EventTradeNew,
		events.EventTradeUpdated,
		events.EventTradeClosed,
		events.EventPositionsUpdate,
		events.EventAccountUpdate,
		events.EventMarginWarning,
		events.EventTradesSynced,
	}, rec.types())

	// summary is strictly last and carries the cycle counts
	last := rec.envelopes[len(rec.envelopes)-1]
	payload, err := last.Decode()
	require.NoError(t, err)
	summary := payload.(*events.SyncSummaryPayload)
	assert.Equal(t, 1, summary.Opened)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Closed)
	assert.False(t, summary.Skipped)
}

func TestPublishSuppressesImmaterialUpdates(t *testing.T) {
	rec := &recordingBroadcaster{}
	margin := NewMarginMonitor(config.RiskConfig{WarningLevel: 150, HighLevel: 100, CriticalLevel: 50})
	r := NewReconciler(nil, nil, nil, margin, rec, nil, 0.01)

	diff := Diff{
		Updates: []TradeUpdate{{Trade: openTrade(1, 100, 1.0), Material: false}},
	}
	account := ingest.AccountInfo{Balance: 1000, Equity: 2000, Margin: 500}

	r.publish(7, diff, nil, account, &SyncResult{})

	assert.Equal(t, []events.EventType{
		events.EventPositionsUpdate,
		events.EventAccountUpdate,
		events.EventTradesSynced,
	}, rec.types())
}
