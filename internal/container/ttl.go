package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentd/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// CleanupCallback is called after an idle editor has been stopped.
type CleanupCallback func(sessionID string)

// StartTTLWorker runs a background goroutine that periodically stops editor
// containers of sessions idle for longer than ttl. Sessions themselves are kept.
func StartTTLWorker(ctx context.Context, repo store.Repository, mgr Manager, ttl time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupIdleEditors(ctx, repo, mgr, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupIdleEditors(ctx context.Context, repo store.Repository, mgr Manager, ttl time.Duration, onCleanup CleanupCallback) int {
	idle, err := repo.GetIdleEditorSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get idle editor sessions", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	slog.Info("TTL worker found idle editors", "count", len(idle))

	cleaned := 0
	for _, sess := range idle {
		if err := mgr.StopEditor(ctx, sess.EditorID); err != nil {
			slog.Error("TTL worker failed to stop editor",
				"error", err,
				"container_id", sess.EditorID,
				"session_id", sess.ID)
			continue
		}

		// Clear only if no newer editor was bound in the meantime.
		if err := repo.UpdateEditorID(ctx, sess.ID, "", sess.EditorID); err != nil {
			if ctx.Err() != nil {
				slog.Debug("TTL worker: context canceled during editor ID update", "session_id", sess.ID, "error", err)
				return cleaned
			}
			slog.Warn("TTL worker failed to clear editor ID", "error", err, "session_id", sess.ID)
			continue
		}

		if onCleanup != nil {
			onCleanup(sess.ID)
		}
		cleaned++
	}

	slog.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
