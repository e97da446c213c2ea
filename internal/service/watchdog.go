package service

import (
	"context"
	"sync"
	"time"

	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/internal/repository"
)

// BridgeWatchdog flags bridges that silently stopped pushing. A terminal
// crash or network loss never sends the disconnect call, so the link would
// otherwise stay marked connected forever. The sweep reuses the disconnect
// path: mark the link, re-arm the margin tiers, drop the snapshot hash and
// tell viewers the bridge went away.
type BridgeWatchdog struct {
	snapshots   *repository.SnapshotRepository
	margin      *MarginMonitor
	hashes      *SnapshotHashCache
	broadcaster Broadcaster
	staleAfter  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewBridgeWatchdog creates a new BridgeWatchdog
func NewBridgeWatchdog(
	snapshots *repository.SnapshotRepository,
	margin *MarginMonitor,
	hashes *SnapshotHashCache,
	broadcaster Broadcaster,
	staleAfter time.Duration,
) *BridgeWatchdog {
	return &BridgeWatchdog{
		snapshots:   snapshots,
		margin:      margin,
		hashes:      hashes,
		broadcaster: broadcaster,
		staleAfter:  staleAfter,
		stop:        make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called. It ticks at half the
// staleness threshold so a dead bridge is flagged within 1.5x the threshold.
func (w *BridgeWatchdog) Start() {
	interval := w.staleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.sweep(time.Now().UTC())
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop ends the sweep loop
func (w *BridgeWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// sweep disconnects every link whose bridge has not pushed within the
// staleness threshold. Returns the number of links flagged.
func (w *BridgeWatchdog) sweep(now time.Time) int {
	links, err := w.snapshots.ListStaleBridgeLinks(now.Add(-w.staleAfter))
	if err != nil {
		middleware.LogError("bridge staleness sweep failed: %v", err)
		return 0
	}

	for _, link := range links {
		if err := w.snapshots.MarkDisconnected(link.AccountID, now); err != nil {
			middleware.LogError("account %d: failed to mark stale bridge disconnected: %v", link.AccountID, err)
			continue
		}
		w.margin.Forget(link.AccountID)
		w.hashes.Invalidate(context.Background(), link.AccountID)
		w.broadcaster.Broadcast(link.AccountID, events.MustNew(events.EventConnectionStatus, events.ConnectionStatusPayload{
			Source:    "bridge",
			Connected: false,
			Reason:    "sync timeout",
		}))
		middleware.LogInfo("account %d: bridge marked disconnected after %s without a sync", link.AccountID, w.staleAfter)
	}

	return len(links)
}
