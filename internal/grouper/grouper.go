// Package grouper implements the Error Grouper: fingerprinting (delegated
// to the store's transactional upsert), webhook dispatch on first
// sighting, and handoff to the push hub.
package grouper

import (
	"context"
	"sync"
	"time"

	"github.com/errly-io/errly/internal/store"
	"github.com/errly-io/errly/pkg/models"
)

// Notifier is the push hub's half of the grouper->hub callback wiring
// described in the design notes: a small injected port rather than a
// direct dependency on the hub implementation.
type Notifier interface {
	NotifyNewError(summary models.Summary)
	NotifyErrorUpdated(summary models.Summary)
}

// WebhookDispatcher is the grouper->webhook callback port.
type WebhookDispatcher interface {
	DispatchNewError(ctx context.Context, summary models.Summary)
}

// Grouper ties the store's transactional upsert to the push-hub and
// webhook side effects that must happen outside the transaction.
type Grouper struct {
	store    store.Store
	notifier Notifier
	webhook  WebhookDispatcher
	rate     rateTracker
}

func New(s store.Store, notifier Notifier, webhook WebhookDispatcher) *Grouper {
	return &Grouper{store: s, notifier: notifier, webhook: webhook}
}

// Process implements the grouper contract: upsert, then — outside the
// transaction — notify the hub and, on first sighting, fire the webhook.
func (g *Grouper) Process(ctx context.Context, occ models.Occurrence) (*models.ErrorGroup, bool, error) {
	now := time.Now()
	group, isNew, err := g.store.UpsertOccurrence(ctx, occ, now)
	if err != nil {
		return nil, false, err
	}
	g.rate.record(now)

	summary := group.ToSummary()
	if isNew {
		g.notifier.NotifyNewError(summary)
		if g.webhook != nil {
			go g.webhook.DispatchNewError(context.Background(), summary)
		}
	} else {
		g.notifier.NotifyErrorUpdated(summary)
	}

	return group, isNew, nil
}

// ErrorRatePerMinute reports how many occurrences (new or recurring) were
// processed in the trailing 60 seconds, for the diagnostics endpoint.
func (g *Grouper) ErrorRatePerMinute() float64 {
	return g.rate.perMinute(time.Now())
}

// rateTracker is a simple trailing-window counter: it keeps the
// occurrence timestamps from the last minute and prunes older ones as
// new events arrive or the rate is queried.
type rateTracker struct {
	mu     sync.Mutex
	events []time.Time
}

func (rt *rateTracker) record(now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.events = append(rt.events, now)
	rt.pruneLocked(now)
}

func (rt *rateTracker) perMinute(now time.Time) float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pruneLocked(now)
	return float64(len(rt.events))
}

func (rt *rateTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(rt.events) && rt.events[i].Before(cutoff) {
		i++
	}
	rt.events = rt.events[i:]
}
