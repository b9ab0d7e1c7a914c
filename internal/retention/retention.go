// Package retention implements the Retention Sweeper: it periodically
// deletes error groups that haven't been seen within the operator's
// configured retention window and tells the push hub which ids went away.
package retention

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

const (
	sweepInterval        = time.Hour
	defaultRetentionDays = 7
	minRetentionDays     = 1
	maxRetentionDays     = 90

	// bulkClearedThreshold is the point past which individual ids stop
	// being enumerated in the push event and a single bulk-cleared fires
	// instead.
	bulkClearedThreshold = 100

	settingKey = "retentionDays"
)

// SettingsStore is the narrow settings-read port the sweeper needs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// RetentionStore is the narrow delete port the sweeper needs.
type RetentionStore interface {
	DeleteByRetention(ctx context.Context, olderThan time.Time) ([]string, error)
}

// Notifier is the sweeper's half of the sweeper->hub callback wiring.
type Notifier interface {
	NotifyErrorsCleared(ids []string)
	NotifyBulkCleared()
}

// Sweeper deletes error groups past their retention window, once at
// startup and then on an hourly timer.
type Sweeper struct {
	settings SettingsStore
	store    RetentionStore
	notifier Notifier
}

func New(settings SettingsStore, store RetentionStore, notifier Notifier) *Sweeper {
	return &Sweeper{settings: settings, store: store, notifier: notifier}
}

// Run performs an immediate sweep, then sweeps again every hour until ctx
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	days, err := s.retentionDays(ctx)
	if err != nil {
		slog.Error("retention sweep: failed to read retentionDays setting", "err", err)
		return
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	ids, err := s.store.DeleteByRetention(ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep failed", "err", err)
		return
	}

	switch {
	case len(ids) == 0:
		return
	case len(ids) <= bulkClearedThreshold:
		s.notifier.NotifyErrorsCleared(ids)
	default:
		s.notifier.NotifyBulkCleared()
	}
	slog.Info("retention sweep deleted error groups", "count", len(ids), "retention_days", days)
}

func (s *Sweeper) retentionDays(ctx context.Context) (int, error) {
	raw, ok, err := s.settings.GetSetting(ctx, settingKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return defaultRetentionDays, nil
	}

	days, err := strconv.Atoi(raw)
	if err != nil {
		return defaultRetentionDays, nil
	}
	return clamp(days, minRetentionDays, maxRetentionDays), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
