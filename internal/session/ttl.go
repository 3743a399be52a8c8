package session

import (
	"context"
	"log/slog"
	"time"
)

// ExpireCallback is called for every session removed by the TTL worker.
type ExpireCallback func(sessionID string)

// StartTTLWorker runs a background goroutine that periodically drops idle
// sessions until ctx is canceled.
func StartTTLWorker(ctx context.Context, mgr *Manager, interval, ttl time.Duration, onExpire ExpireCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				expireIdle(mgr, ttl, onExpire)
			case <-ctx.Done():
				slog.Info("Session TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func expireIdle(mgr *Manager, ttl time.Duration, onExpire ExpireCallback) {
	expired := mgr.Sweep(ttl)
	if len(expired) == 0 {
		return
	}

	for _, id := range expired {
		if onExpire != nil {
			onExpire(id)
		}
	}
	slog.Info("Session TTL worker expired sessions", "count", len(expired), "remaining", mgr.Len())
}
