package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyarena-server/internal/config"
	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/models"
	"github.com/copyarena-server/internal/repository"
)

func TestWatchdogSweepFlagsStaleBridges(t *testing.T) {
	db := openTestDB(t)
	snapshots := repository.NewSnapshotRepository(db)
	margin := NewMarginMonitor(config.RiskConfig{WarningLevel: 150, HighLevel: 100, CriticalLevel: 50})
	hashes := NewSnapshotHashCache(nil, 5*time.Minute)
	broadcast := &recordingBroadcaster{}

	w := NewBridgeWatchdog(snapshots, margin, hashes, broadcast, time.Minute)

	now := time.Now().UTC()
	stale := now.Add(-10 * time.Minute)
	fresh := now.Add(-10 * time.Second)

	require.NoError(t, snapshots.UpsertBridgeLink(&models.BridgeLink{AccountID: 7, Login: 1, Connected: true}))
	require.NoError(t, snapshots.TouchLastSync(7, stale))
	require.NoError(t, snapshots.UpsertBridgeLink(&models.BridgeLink{AccountID: 8, Login: 2, Connected: true}))
	require.NoError(t, snapshots.TouchLastSync(8, fresh))

	hashes.Store(context.Background(), 7, "abc")

	flagged := w.sweep(now)
	assert.Equal(t, 1, flagged)

	link, err := snapshots.GetBridgeLink(7)
	require.NoError(t, err)
	assert.False(t, link.Connected)
	require.NotNil(t, link.LastDisconnected)

	link, err = snapshots.GetBridgeLink(8)
	require.NoError(t, err)
	assert.True(t, link.Connected)

	// viewers were told the bridge went away
	require.Len(t, broadcast.envelopes, 1)
	env := broadcast.envelopes[0]
	assert.Equal(t, events.EventConnectionStatus, env.Type)
	payload, err := env.Decode()
	require.NoError(t, err)
	status := payload.(*events.ConnectionStatusPayload)
	assert.Equal(t, "bridge", status.Source)
	assert.False(t, status.Connected)

	// the snapshot hash was dropped so the next push reconciles in full
	assert.False(t, hashes.Matches(context.Background(), 7, "abc"))
}

func TestWatchdogSweepIgnoresDisconnectedLinks(t *testing.T) {
	db := openTestDB(t)
	snapshots := repository.NewSnapshotRepository(db)
	margin := NewMarginMonitor(config.RiskConfig{WarningLevel: 150, HighLevel: 100, CriticalLevel: 50})
	broadcast := &recordingBroadcaster{}

	w := NewBridgeWatchdog(snapshots, margin, NewSnapshotHashCache(nil, 0), broadcast, time.Minute)

	now := time.Now().UTC()
	require.NoError(t, snapshots.UpsertBridgeLink(&models.BridgeLink{AccountID: 7, Login: 1, Connected: false}))

	assert.Equal(t, 0, w.sweep(now))
	assert.Empty(t, broadcast.envelopes)
}
