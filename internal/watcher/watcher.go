// Package watcher owns the set of live log subscriptions for a project: it
// discovers active deployments, opens and repairs streaming subscriptions,
// and feeds every line through a per-deployment assembler on its way to
// the error grouper.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/errly-io/errly/internal/assembler"
	"github.com/errly-io/errly/internal/classify"
	"github.com/errly-io/errly/internal/platform"
	"github.com/errly-io/errly/pkg/models"
)

const (
	baseDiscoveryInterval = 60 * time.Second
	maxDiscoveryInterval  = 300 * time.Second
	healthCheckInterval   = 5 * time.Minute
	zombieThreshold       = 10 * time.Minute
)

// LogSource is the lazy batch sequence a subscription consumes. Satisfied
// by *platform.LogStream.
type LogSource interface {
	Next(ctx context.Context) ([]platform.LogLine, bool, error)
	Close() error
}

// PlatformClient is the subset of internal/platform.Client the watcher
// depends on, narrowed to a port for testability.
type PlatformClient interface {
	DiscoverDeployments(ctx context.Context, projectID string) ([]platform.Deployment, error)
	Subscribe(ctx context.Context, deploymentID string) (LogSource, error)
	Diagnostics() platform.Diagnostics
	RateLimitRemainingFraction() float64
}

// clientAdapter lets *platform.Client satisfy PlatformClient: its Subscribe
// returns a concrete *platform.LogStream, which already implements
// LogSource structurally.
type clientAdapter struct{ c *platform.Client }

func Adapt(c *platform.Client) PlatformClient { return clientAdapter{c} }

func (a clientAdapter) DiscoverDeployments(ctx context.Context, projectID string) ([]platform.Deployment, error) {
	return a.c.DiscoverDeployments(ctx, projectID)
}

func (a clientAdapter) Subscribe(ctx context.Context, deploymentID string) (LogSource, error) {
	return a.c.Subscribe(ctx, deploymentID)
}

func (a clientAdapter) Diagnostics() platform.Diagnostics { return a.c.Diagnostics() }

func (a clientAdapter) RateLimitRemainingFraction() float64 {
	return a.c.RateLimitRemainingFraction()
}

// Processor is the grouper's half of the log-watcher->grouper callback
// wiring: a narrow injected port rather than a direct dependency.
type Processor interface {
	Process(ctx context.Context, occ models.Occurrence) (*models.ErrorGroup, bool, error)
}

// Config are the operator-supplied discovery parameters.
type Config struct {
	ProjectID        string
	EnvironmentName  string // empty disables the environment filter
	SelfServiceID    string // empty disables self-exclusion
	MaxSubscriptions int
}

type subStatus int

const (
	subActive subStatus = iota
	subClosed
	subZombie
)

type subscription struct {
	deploymentID string
	service      string

	mu            sync.Mutex
	status        subStatus
	lastMessageAt time.Time
	source        LogSource
	cancel        context.CancelFunc
}

func (s *subscription) setStatus(st subStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *subscription) touch() {
	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.status = subActive
	s.mu.Unlock()
}

func (s *subscription) snapshot() (subStatus, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastMessageAt
}

// Watcher drives discovery, health-monitoring, and per-subscription log
// consumption for one project.
type Watcher struct {
	client    PlatformClient
	processor Processor
	cfg       Config

	mu         sync.Mutex
	subs       map[string]*subscription
	assemblers map[string]*assembler.Assembler

	discoveryInterval time.Duration
	lastDiscoveryAt   time.Time

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Watcher. Call Run to start its background tasks.
func New(client PlatformClient, processor Processor, cfg Config) *Watcher {
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = 50
	}
	return &Watcher{
		client:            client,
		processor:         processor,
		cfg:               cfg,
		subs:              make(map[string]*subscription),
		assemblers:        make(map[string]*assembler.Assembler),
		discoveryInterval: baseDiscoveryInterval,
	}
}

// Run performs the initial discovery, then drives the periodic discovery
// and health-monitor timers until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	w.rootCtx, w.cancel = context.WithCancel(ctx)

	w.runDiscovery(w.rootCtx)

	w.wg.Add(2)
	go w.discoveryLoop()
	go w.healthMonitorLoop()
	w.wg.Wait()
}

// Stop closes every live subscription and stops all background tasks.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	for _, sub := range w.subs {
		w.closeSubscriptionLocked(sub)
	}
	w.mu.Unlock()
}

// LastDiscoveryAt reports when discovery last completed successfully, for
// the health endpoint.
func (w *Watcher) LastDiscoveryAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDiscoveryAt
}

// ActiveSubscriptions reports the count of non-closed subscriptions, for
// the health and diagnostics endpoints.
func (w *Watcher) ActiveSubscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, sub := range w.subs {
		st, _ := sub.snapshot()
		if st != subClosed {
			n++
		}
	}
	return n
}

// SubscriptionStatus is one subscription's state as reported to the
// diagnostics endpoint.
type SubscriptionStatus struct {
	DeploymentID  string    `json:"deploymentId"`
	Service       string    `json:"service"`
	Status        string    `json:"status"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

var subStatusNames = map[subStatus]string{
	subActive: "active",
	subClosed: "closed",
	subZombie: "zombie",
}

// SubscriptionStatuses reports the current state of every tracked
// subscription, for the diagnostics endpoint.
func (w *Watcher) SubscriptionStatuses() []SubscriptionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SubscriptionStatus, 0, len(w.subs))
	for _, sub := range w.subs {
		st, lastMsg := sub.snapshot()
		out = append(out, SubscriptionStatus{
			DeploymentID:  sub.deploymentID,
			Service:       sub.service,
			Status:        subStatusNames[st],
			LastMessageAt: lastMsg,
		})
	}
	return out
}

func (w *Watcher) discoveryLoop() {
	defer w.wg.Done()
	for {
		interval := w.currentInterval()
		timer := time.NewTimer(interval)
		select {
		case <-w.rootCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.runDiscovery(w.rootCtx)
		}
	}
}

func (w *Watcher) currentInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discoveryInterval
}

// runDiscovery implements the per-tick discovery contract in full: refusal
// on breaker-open/auth-latched, active-deployment query, environment and
// self-exclusion filtering, and reconciliation against live subscriptions.
func (w *Watcher) runDiscovery(ctx context.Context) {
	diag := w.client.Diagnostics()
	if diag.BreakerState == "open" || diag.AuthLatched {
		slog.Warn("discovery refused: platform client unavailable",
			"breaker_state", diag.BreakerState, "auth_latched", diag.AuthLatched)
		w.onDiscoveryFailure()
		return
	}

	deployments, err := w.client.DiscoverDeployments(ctx, w.cfg.ProjectID)
	if err != nil {
		slog.Warn("discovery failed", "err", err)
		w.onDiscoveryFailure()
		return
	}

	w.onDiscoverySuccess()
	desired := w.computeDesired(deployments)
	w.reconcile(ctx, desired)

	w.mu.Lock()
	w.lastDiscoveryAt = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) onDiscoveryFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.discoveryInterval = doubleCapped(w.discoveryInterval)
}

func (w *Watcher) onDiscoverySuccess() {
	frac := w.client.RateLimitRemainingFraction()
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case frac < 0.2:
		w.discoveryInterval = doubleCapped(w.discoveryInterval)
	case frac > 0.5:
		w.discoveryInterval = baseDiscoveryInterval
	}
}

func doubleCapped(d time.Duration) time.Duration {
	d *= 2
	if d > maxDiscoveryInterval {
		d = maxDiscoveryInterval
	}
	return d
}

// computeDesired applies the active-status filter, keeps only the first
// active deployment per (service, environment), then applies the
// environment filter and self-exclusion.
func (w *Watcher) computeDesired(deployments []platform.Deployment) map[string]platform.Deployment {
	desired := make(map[string]platform.Deployment)
	seen := make(map[string]bool)

	for _, d := range deployments {
		if !platform.IsActive(d.Status) {
			continue
		}
		key := d.Service + "|" + d.Environment
		if seen[key] {
			continue
		}
		seen[key] = true

		if w.cfg.EnvironmentName != "" && d.Environment != w.cfg.EnvironmentName {
			continue
		}
		if w.cfg.SelfServiceID != "" && d.Service == w.cfg.SelfServiceID {
			continue
		}
		desired[d.ID] = d
	}
	return desired
}

// reconcile diffs desired against the live subscription set: closes what's
// no longer desired, reopens anything closed that's still desired, and
// opens new subscriptions up to the configured cap.
func (w *Watcher) reconcile(ctx context.Context, desired map[string]platform.Deployment) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, sub := range w.subs {
		if _, ok := desired[id]; !ok {
			w.closeSubscriptionLocked(sub)
			delete(w.subs, id)
			delete(w.assemblers, id)
		}
	}

	active := 0
	for _, sub := range w.subs {
		st, _ := sub.snapshot()
		if st != subClosed {
			active++
		}
	}

	for id, dep := range desired {
		sub, exists := w.subs[id]
		if exists {
			if st, _ := sub.snapshot(); st == subClosed {
				if active >= w.cfg.MaxSubscriptions {
					slog.Warn("max subscriptions reached, skipping reopen", "deployment_id", id)
					continue
				}
				w.openSubscriptionLocked(dep)
				active++
			}
			continue
		}
		if active >= w.cfg.MaxSubscriptions {
			slog.Warn("max subscriptions reached, skipping remaining deployments")
			break
		}
		w.openSubscriptionLocked(dep)
		active++
	}
}

// openSubscriptionLocked registers a subscription record and starts its
// consumer task. Caller must hold w.mu.
func (w *Watcher) openSubscriptionLocked(dep platform.Deployment) {
	sub := &subscription{
		deploymentID:  dep.ID,
		service:       dep.Service,
		status:        subActive,
		lastMessageAt: time.Now(),
	}
	w.subs[dep.ID] = sub
	if _, ok := w.assemblers[dep.ID]; !ok {
		w.assemblers[dep.ID] = assembler.New(w.onAssemblerTimeout(dep.ID, dep.Service))
	}

	ctx, cancel := context.WithCancel(w.rootCtx)
	sub.cancel = cancel
	w.wg.Add(1)
	go w.consume(ctx, sub)
}

// closeSubscriptionLocked signals the consumer task to stop. Caller must
// hold w.mu.
func (w *Watcher) closeSubscriptionLocked(sub *subscription) {
	sub.setStatus(subClosed)
	if sub.cancel != nil {
		sub.cancel()
	}
}

func (w *Watcher) consume(ctx context.Context, sub *subscription) {
	defer w.wg.Done()

	attempt := 0
	for {
		source, err := w.client.Subscribe(ctx, sub.deploymentID)
		if err != nil {
			slog.Warn("subscribe failed", "deployment_id", sub.deploymentID, "err", err, "attempt", attempt)
			if !w.backoffOrGiveUp(ctx, sub, &attempt) {
				return
			}
			continue
		}

		sub.mu.Lock()
		sub.source = source
		sub.mu.Unlock()
		attempt = 0

		ok := w.drainSource(ctx, sub, source)
		source.Close()
		if !ok {
			return
		}
		if !w.backoffOrGiveUp(ctx, sub, &attempt) {
			return
		}
	}
}

// drainSource reads from source until it is exhausted or errors, feeding
// completed events to the assembler. The caller always backs off and
// retries the same deployment next; ctx cancellation is detected there.
func (w *Watcher) drainSource(ctx context.Context, sub *subscription, source LogSource) bool {
	for {
		lines, ok, err := source.Next(ctx)
		if err != nil {
			slog.Warn("subscription read failed", "deployment_id", sub.deploymentID, "err", err)
			return true
		}
		if !ok {
			return true
		}

		sub.touch()
		w.feedLines(sub, lines)
	}
}

// backoffOrGiveUp sleeps per platform.ReconnectBackoff before the caller
// retries the same deployment's subscription. Once the attempt budget is
// exhausted, it marks the subscription closed so the next discovery tick
// re-evaluates whether the deployment is still desired, and returns false.
func (w *Watcher) backoffOrGiveUp(ctx context.Context, sub *subscription, attempt *int) bool {
	delay, ok := platform.ReconnectBackoff(*attempt)
	if !ok {
		slog.Warn("reconnect attempts exhausted, deferring to next discovery tick", "deployment_id", sub.deploymentID)
		sub.setStatus(subClosed)
		return false
	}
	*attempt++

	select {
	case <-ctx.Done():
		sub.setStatus(subClosed)
		return false
	case <-time.After(delay):
		return true
	}
}

func (w *Watcher) feedLines(sub *subscription, lines []platform.LogLine) {
	w.mu.Lock()
	asm := w.assemblers[sub.deploymentID]
	w.mu.Unlock()
	if asm == nil {
		return
	}

	for _, line := range lines {
		ev, completed := asm.Feed(line.Message, line.Ts)
		if completed {
			w.dispatch(sub, ev)
			continue
		}
		if asm.IsCollecting() {
			continue
		}
		if synth, ok := synthesizeFromPlatformSeverity(line); ok {
			w.dispatch(sub, synth)
		}
	}
}

// synthesizeFromPlatformSeverity implements the fallback described in the
// discovery contract: when the text classifier produced no completed
// error and isn't mid-trace, trust the platform's own line-level severity
// unless the line carries a contradictory structured info/debug level.
func synthesizeFromPlatformSeverity(line platform.LogLine) (assembler.Event, bool) {
	sev, ok := platformSeverity(line.Severity)
	if !ok {
		return assembler.Event{}, false
	}
	if classify.HasStructuredNonErrorLevel(line.Message) {
		return assembler.Event{}, false
	}
	return assembler.Event{
		Message:    line.Message,
		StackTrace: line.Message,
		Severity:   sev,
		RawLog:     line.Message,
	}, true
}

func platformSeverity(raw string) (models.Severity, bool) {
	switch raw {
	case "error":
		return models.SeverityError, true
	case "warn", "warning":
		return models.SeverityWarn, true
	case "fatal", "critical":
		return models.SeverityFatal, true
	default:
		return "", false
	}
}

func (w *Watcher) dispatch(sub *subscription, ev assembler.Event) {
	var stack *string
	if ev.StackTrace != "" {
		s := ev.StackTrace
		stack = &s
	}
	occ := models.Occurrence{
		Service:      sub.service,
		DeploymentID: sub.deploymentID,
		Message:      ev.Message,
		Stack:        stack,
		Severity:     ev.Severity,
		Endpoint:     ev.Endpoint,
		RawLog:       ev.RawLog,
		Source:       models.SourceAutoCapture,
	}
	if _, _, err := w.processor.Process(w.rootCtx, occ); err != nil {
		slog.Error("failed to process auto-captured error", "deployment_id", sub.deploymentID, "err", err)
	}
}

func (w *Watcher) onAssemblerTimeout(deploymentID, service string) assembler.TimeoutFunc {
	return func(ev assembler.Event) {
		w.mu.Lock()
		sub := w.subs[deploymentID]
		w.mu.Unlock()
		if sub == nil {
			sub = &subscription{deploymentID: deploymentID, service: service}
		}
		w.dispatch(sub, ev)
	}
}

func (w *Watcher) healthMonitorLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.rootCtx.Done():
			return
		case <-ticker.C:
			w.runHealthCheck()
		}
	}
}

// runHealthCheck reopens subscriptions whose stream has gone silent for
// too long and sweeps assemblers left behind by closed subscriptions.
func (w *Watcher) runHealthCheck() {
	now := time.Now()

	w.mu.Lock()
	var zombies []platform.Deployment
	for id, sub := range w.subs {
		st, lastMsg := sub.snapshot()
		if st == subClosed {
			continue
		}
		if now.Sub(lastMsg) > zombieThreshold {
			sub.setStatus(subZombie)
			w.closeSubscriptionLocked(sub)
			delete(w.subs, id)
			zombies = append(zombies, platform.Deployment{ID: id, Service: sub.service})
		}
	}
	for id := range w.assemblers {
		if _, ok := w.subs[id]; !ok {
			delete(w.assemblers, id)
		}
	}
	for _, z := range zombies {
		slog.Warn("reopening zombie subscription", "deployment_id", z.ID, "service", z.Service)
		w.openSubscriptionLocked(z)
	}
	w.mu.Unlock()
}
