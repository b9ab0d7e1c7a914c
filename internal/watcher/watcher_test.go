package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errly-io/errly/internal/assembler"
	"github.com/errly-io/errly/internal/platform"
	"github.com/errly-io/errly/pkg/models"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]platform.LogLine
	idx     int
	closed  bool
}

func (f *fakeSource) Next(ctx context.Context) ([]platform.LogLine, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.batches) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return nil, false, nil
		}
	}
	b := f.batches[f.idx]
	f.idx++
	return b, true, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeClient struct {
	mu          sync.Mutex
	deployments []platform.Deployment
	discoverErr error
	sources     map[string]*fakeSource
	diag        platform.Diagnostics
	remainFrac  float64
}

func newFakeClient() *fakeClient {
	return &fakeClient{sources: map[string]*fakeSource{}, remainFrac: 1.0}
}

func (f *fakeClient) DiscoverDeployments(ctx context.Context, projectID string) ([]platform.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.deployments, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, deploymentID string) (LogSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[deploymentID]
	if !ok {
		src = &fakeSource{}
		f.sources[deploymentID] = src
	}
	return src, nil
}

func (f *fakeClient) Diagnostics() platform.Diagnostics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diag
}

func (f *fakeClient) RateLimitRemainingFraction() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remainFrac
}

type fakeProcessor struct {
	mu   sync.Mutex
	occs []models.Occurrence
}

func (f *fakeProcessor) Process(ctx context.Context, occ models.Occurrence) (*models.ErrorGroup, bool, error) {
	f.mu.Lock()
	f.occs = append(f.occs, occ)
	f.mu.Unlock()
	return &models.ErrorGroup{}, true, nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.occs)
}

func TestComputeDesired_FiltersInactiveDuplicatesEnvironmentAndSelf(t *testing.T) {
	client := newFakeClient()
	client.deployments = []platform.Deployment{
		{ID: "d1", Service: "api", Environment: "prod", Status: platform.StatusSuccess},
		{ID: "d2", Service: "api", Environment: "prod", Status: platform.StatusSuccess}, // duplicate (service,env)
		{ID: "d3", Service: "worker", Environment: "staging", Status: platform.StatusSuccess},
		{ID: "d4", Service: "worker", Environment: "prod", Status: "UNKNOWN"}, // inactive
		{ID: "d5", Service: "self", Environment: "prod", Status: platform.StatusSuccess},
	}
	w := New(client, &fakeProcessor{}, Config{EnvironmentName: "prod", SelfServiceID: "self"})

	desired := w.computeDesired(client.deployments)
	require.Len(t, desired, 1)
	_, ok := desired["d1"]
	assert.True(t, ok)
}

func TestWatcher_DiscoveryOpensSubscriptionAndFeedsAssembler(t *testing.T) {
	client := newFakeClient()
	client.deployments = []platform.Deployment{
		{ID: "d1", Service: "api", Environment: "prod", Status: platform.StatusSuccess},
	}
	proc := &fakeProcessor{}
	w := New(client, proc, Config{MaxSubscriptions: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.rootCtx = ctx
	w.cancel = cancel

	w.runDiscovery(ctx)

	// Feed a line directly through the reconciled subscription's assembler
	// to avoid a timing race against the background consumer goroutine,
	// which independently subscribes and drains the fake source.
	w.mu.Lock()
	sub := w.subs["d1"]
	w.mu.Unlock()
	require.NotNil(t, sub)

	// "TypeError: boom" opens a trace, which the assembler completes and
	// dispatches once its idle timer fires.
	w.feedLines(sub, []platform.LogLine{{Message: "TypeError: boom", Severity: "error", Ts: time.Now()}})
	assert.Eventually(t, func() bool { return proc.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_SynthesizesFromPlatformSeverityWhenClassifierSilent(t *testing.T) {
	client := newFakeClient()
	proc := &fakeProcessor{}
	w := New(client, proc, Config{MaxSubscriptions: 10})
	w.rootCtx = context.Background()

	sub := &subscription{deploymentID: "d1", service: "api"}
	w.mu.Lock()
	w.subs["d1"] = sub
	w.assemblers["d1"] = newTestAssembler()
	w.mu.Unlock()

	w.feedLines(sub, []platform.LogLine{{Message: "something odd happened", Severity: "error", Ts: time.Now()}})
	require.Equal(t, 1, proc.count())
	assert.Equal(t, models.SeverityError, proc.occs[0].Severity)
}

func TestWatcher_PlatformSeverityIgnoredWhenStructuredInfo(t *testing.T) {
	client := newFakeClient()
	proc := &fakeProcessor{}
	w := New(client, proc, Config{MaxSubscriptions: 10})
	w.rootCtx = context.Background()

	sub := &subscription{deploymentID: "d1", service: "api"}
	w.mu.Lock()
	w.subs["d1"] = sub
	w.assemblers["d1"] = newTestAssembler()
	w.mu.Unlock()

	w.feedLines(sub, []platform.LogLine{{Message: `level=info msg="fine"`, Severity: "error", Ts: time.Now()}})
	assert.Equal(t, 0, proc.count())
}

func TestWatcher_AdaptiveCadence(t *testing.T) {
	client := newFakeClient()
	w := New(client, &fakeProcessor{}, Config{})

	client.remainFrac = 0.1
	w.onDiscoverySuccess()
	assert.Equal(t, 2*baseDiscoveryInterval, w.currentInterval())

	client.remainFrac = 0.6
	w.onDiscoverySuccess()
	assert.Equal(t, baseDiscoveryInterval, w.currentInterval())

	w.onDiscoveryFailure()
	assert.Equal(t, 2*baseDiscoveryInterval, w.currentInterval())
}

func TestDoubleCapped_BoundedAtMax(t *testing.T) {
	d := maxDiscoveryInterval
	assert.Equal(t, maxDiscoveryInterval, doubleCapped(d))
}

func TestWatcher_HealthCheckReopensZombieSubscription(t *testing.T) {
	client := newFakeClient()
	w := New(client, &fakeProcessor{}, Config{MaxSubscriptions: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.rootCtx = ctx
	w.cancel = cancel

	sub := &subscription{
		deploymentID:  "d1",
		service:       "api",
		status:        subActive,
		lastMessageAt: time.Now().Add(-11 * time.Minute),
		cancel:        func() {},
	}
	w.mu.Lock()
	w.subs["d1"] = sub
	w.assemblers["d1"] = newTestAssembler()
	w.mu.Unlock()

	w.runHealthCheck()

	w.mu.Lock()
	_, stillZombie := w.subs["d1"]
	w.mu.Unlock()
	assert.True(t, stillZombie, "expected reopened subscription to be present")
}

func newTestAssembler() *assembler.Assembler {
	return assembler.New(nil)
}
