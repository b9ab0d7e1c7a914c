// Package store is the sole component allowed to touch the embedded SQL
// file that backs errly: error groups, sessions, and settings.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/errly-io/errly/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
)

// TimeRange is one of the canonical list-filter windows.
type TimeRange string

const (
	RangeLastHour TimeRange = "1h"
	Range24Hours  TimeRange = "24h"
	Range7Days    TimeRange = "7d"
	Range30Days   TimeRange = "30d"
)

// Since returns the epoch-ms cutoff for r relative to now.
func (r TimeRange) Since(now time.Time) int64 {
	var d time.Duration
	switch r {
	case RangeLastHour:
		d = time.Hour
	case Range24Hours:
		d = 24 * time.Hour
	case Range7Days:
		d = 7 * 24 * time.Hour
	case Range30Days:
		d = 30 * 24 * time.Hour
	default:
		return 0
	}
	return now.Add(-d).UnixMilli()
}

// ListFilter parameterizes the indexed paginated list operation.
type ListFilter struct {
	Service  string
	Severity models.Severity
	Status   models.Status
	Range    TimeRange
	Query    string // free-text substring over message and stack
	Page     int
	Limit    int
}

// Store is the data access interface. All persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error

	// UpsertOccurrence implements the Error Grouper's transactional
	// insert-or-upsert: see package grouper for the surrounding policy
	// (webhook dispatch, callback to the push hub).
	UpsertOccurrence(ctx context.Context, occ models.Occurrence, now time.Time) (*models.ErrorGroup, bool, error)

	GetErrorGroup(ctx context.Context, id string) (*models.ErrorGroup, error)
	ListErrorGroups(ctx context.Context, filter ListFilter) ([]*models.ErrorGroup, int, error)
	GetRelated(ctx context.Context, id string, windowMinutes int) ([]*models.ErrorGroup, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, now time.Time) (*models.ErrorGroup, error)
	DeleteErrorGroups(ctx context.Context, ids []string) (int, error)
	DeleteAllErrorGroups(ctx context.Context) (int, error)
	DeleteByRetention(ctx context.Context, olderThan time.Time) ([]string, error)
	Stats(ctx context.Context, r TimeRange, now time.Time) (StatsResult, error)
	ListServices(ctx context.Context) ([]string, error)

	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// SessionValid reports whether id names a session that exists and has
	// not expired. Used by the push hub's periodic revalidation.
	SessionValid(ctx context.Context, id string) (bool, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) error
	InvalidateAllSessions(ctx context.Context) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) ([]models.Setting, error)

	Close() error
}

// StatsResult is the counts-by-severity/status aggregate for a time range.
type StatsResult struct {
	BySeverity map[models.Severity]int
	ByStatus   map[models.Status]int
	Total      int
}
