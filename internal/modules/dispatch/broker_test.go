package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"presto/internal/config"
	"presto/internal/modules/presence"
	"presto/internal/modules/request"
	"presto/internal/types"
)

// fakeRequests is an in-memory Requests with the same CAS outcome as
// the real service: Assign wins only from PUBLISHED.
type fakeRequests struct {
	mu   sync.Mutex
	reqs map[types.ID]*request.Request
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{reqs: make(map[types.ID]*request.Request)}
}

func (f *fakeRequests) add(r *request.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.reqs[r.ID] = &cp
}

func (f *fakeRequests) Get(_ context.Context, id types.ID) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reqs[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRequests) Assign(_ context.Context, id, providerID types.ID) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reqs[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	if r.Status != request.StatusPublished {
		return nil, request.ErrStaleTransition
	}
	r.Status = request.StatusAssigned
	r.StatusVersion++
	pid := providerID
	r.ProviderID = &pid
	cp := *r
	return &cp, nil
}

func (f *fakeRequests) Requeue(_ context.Context, id types.ID) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reqs[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	if r.Status != request.StatusAssigned && r.Status != request.StatusInProgress {
		return nil, request.ErrStaleTransition
	}
	r.Status = request.StatusPublished
	r.StatusVersion++
	r.ProviderID = nil
	cp := *r
	return &cp, nil
}

func (f *fakeRequests) ActiveByProvider(_ context.Context, providerID types.ID) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.ProviderID != nil && *r.ProviderID == providerID &&
			(r.Status == request.StatusAssigned || r.Status == request.StatusInProgress) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, request.ErrNotFound
}

type offerNote struct {
	ProviderID types.ID
	RequestID  types.ID
	DistanceKm float64
}

type fakeNotifier struct {
	mu     sync.Mutex
	offers []offerNote
	taken  []offerNote
}

func (n *fakeNotifier) NotifyOffer(providerID types.ID, r *request.Request, distanceKm float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, offerNote{ProviderID: providerID, RequestID: r.ID, DistanceKm: distanceKm})
}

func (n *fakeNotifier) NotifyTaken(providerID, requestID types.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taken = append(n.taken, offerNote{ProviderID: providerID, RequestID: requestID})
}

func (n *fakeNotifier) offeredTo() []types.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.ID, len(n.offers))
	for i, o := range n.offers {
		out[i] = o.ProviderID
	}
	return out
}

func (n *fakeNotifier) takenFor() []types.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.ID, len(n.taken))
	for i, o := range n.taken {
		out[i] = o.ProviderID
	}
	return out
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = nil
	n.taken = nil
}

type fakeIntents struct {
	mu        sync.Mutex
	completed []types.ID
}

func (f *fakeIntents) MissionCompleted(_ context.Context, r *request.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, r.ID)
}

func testCfg() config.DispatchConfig {
	return config.DispatchConfig{
		RadiusKm:           12,
		OfferTTL:           45 * time.Second,
		GraceWindow:        2 * time.Minute,
		TickSeconds:        3,
		GeohashPrecision:   5,
		PrefilterThreshold: 200,
		MaxAttempts:        10,
	}
}

type fixture struct {
	broker   *Broker
	registry *presence.Registry
	requests *fakeRequests
	notifier *fakeNotifier
	intents  *fakeIntents
}

func newFixture(t *testing.T, cfg config.DispatchConfig) *fixture {
	t.Helper()
	reg := presence.NewRegistry()
	reqs := newFakeRequests()
	not := &fakeNotifier{}
	intents := &fakeIntents{}
	b := NewBroker(reg, reqs, nil, not, intents, cfg, zerolog.Nop())
	reg.Subscribe(b)
	return &fixture{broker: b, registry: reg, requests: reqs, notifier: not, intents: intents}
}

func (f *fixture) joinAt(t *testing.T, id types.ID, lat, lng float64) {
	t.Helper()
	if _, err := f.registry.Join(id, ""); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	if err := f.registry.UpdateLocation(id, types.Point{Lat: lat, Lng: lng}); err != nil {
		t.Fatalf("locate %s: %v", id, err)
	}
}

func publishedRequest(id types.ID, lat, lng float64) *request.Request {
	return &request.Request{
		ID:          id,
		RequesterID: "tenant-1",
		Status:      request.StatusPublished,
		Location:    &types.Point{Lat: lat, Lng: lng},
		Category:    "plumbing",
	}
}

func TestDispatch_OffersReadyProvidersWithinRadius(t *testing.T) {
	f := newFixture(t, testCfg())

	f.joinAt(t, "casa-center", 33.5731, -7.5898) // ~0.8 km
	f.joinAt(t, "ain-diab", 33.5950, -7.6650)    // ~7 km
	f.joinAt(t, "rabat", 34.0209, -6.8416)       // ~85 km, out of radius
	f.joinAt(t, "paused", 33.5800, -7.5900)
	if _, err := f.registry.SetStatus("paused", presence.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.registry.Join("no-location", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := f.notifier.offeredTo()
	want := []types.ID{"casa-center", "ain-diab"}
	if len(got) != len(want) {
		t.Fatalf("offered to %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("offer order %v, want %v", got, want)
		}
	}
	// Distances ride along for the client payload, nearest first.
	if f.notifier.offers[0].DistanceKm > f.notifier.offers[1].DistanceKm {
		t.Errorf("offers not sorted by distance")
	}
	if f.notifier.offers[0].DistanceKm > 1.0 {
		t.Errorf("nearest provider distance %.2f km, want under 1 km", f.notifier.offers[0].DistanceKm)
	}
}

func TestDispatch_NoLocation(t *testing.T) {
	f := newFixture(t, testCfg())
	r := &request.Request{ID: "req-1", Status: request.StatusPublished}
	if err := f.broker.Dispatch(context.Background(), r); !errors.Is(err, ErrNoLocation) {
		t.Errorf("expected ErrNoLocation, got %v", err)
	}
}

func TestDispatch_EmptyShortlistKeepsRequestPublished(t *testing.T) {
	f := newFixture(t, testCfg())
	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)

	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.notifier.offeredTo()) != 0 {
		t.Errorf("no providers joined, nobody should be offered")
	}
	got, _ := f.requests.Get(context.Background(), "req-1")
	if got.Status != request.StatusPublished {
		t.Errorf("status = %s, want PUBLISHED", got.Status)
	}
}

func TestAccept_FirstWinsLosersInvalidated(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)
	f.joinAt(t, "p2", 33.580, -7.595)
	f.joinAt(t, "p3", 33.585, -7.600)

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := f.broker.Accept(context.Background(), "p2", "req-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != request.StatusAssigned || got.ProviderID == nil || *got.ProviderID != "p2" {
		t.Fatalf("assignment not recorded: %+v", got)
	}

	if p, _ := f.registry.Get("p2"); p.Status != presence.StatusBusy {
		t.Errorf("winner status = %s, want BUSY", p.Status)
	}

	taken := f.notifier.takenFor()
	if len(taken) != 2 {
		t.Fatalf("taken notices to %v, want p1 and p3", taken)
	}
	for _, id := range taken {
		if id == "p2" {
			t.Errorf("winner must not receive the already-assigned notice")
		}
	}

	// A late claim loses the CAS.
	if _, err := f.broker.Accept(context.Background(), "p1", "req-1"); !errors.Is(err, request.ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition, got %v", err)
	}
	if p, _ := f.registry.Get("p1"); p.Status != presence.StatusReady {
		t.Errorf("loser status = %s, want READY", p.Status)
	}
}

// TestConcurrentAcceptSameRequest races every notified provider claiming
// the same request. Exactly one wins; the rest see a stale transition.
// Run with -race.
func TestConcurrentAcceptSameRequest(t *testing.T) {
	f := newFixture(t, testCfg())

	const providers = 8
	ids := make([]types.ID, providers)
	for i := range ids {
		ids[i] = types.ID(fmt.Sprintf("p%d", i))
		f.joinAt(t, ids[i], 33.575+float64(i)*0.001, -7.590)
	}

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, providers)
	for _, id := range ids {
		wg.Add(1)
		go func(pid types.ID) {
			defer wg.Done()
			_, err := f.broker.Accept(context.Background(), pid, "req-1")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, request.ErrStaleTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", success)
	}

	busy := 0
	for _, id := range ids {
		if p, _ := f.registry.Get(id); p.Status == presence.StatusBusy {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("expected exactly 1 BUSY provider, got %d", busy)
	}
}

func TestAccept_ProviderNotReadyRollsBack(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)
	if _, err := f.registry.SetStatus("p1", presence.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)

	if _, err := f.broker.Accept(context.Background(), "p1", "req-1"); !errors.Is(err, presence.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	got, _ := f.requests.Get(context.Background(), "req-1")
	if got.Status != request.StatusPublished || got.ProviderID != nil {
		t.Errorf("assignment not rolled back: %+v", got)
	}
}

func TestSweep_ExpiredOfferRedispatched(t *testing.T) {
	f := newFixture(t, testCfg())
	now := time.Now()
	f.broker.now = func() time.Time { return now }

	f.joinAt(t, "p1", 33.575, -7.590)
	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.notifier.reset()

	// Not yet expired.
	f.broker.sweep(context.Background())
	if len(f.notifier.offeredTo()) != 0 {
		t.Fatal("offer re-sent before expiry")
	}

	now = now.Add(testCfg().OfferTTL + time.Second)
	f.broker.sweep(context.Background())

	if got := f.notifier.offeredTo(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("expected re-offer to p1, got %v", got)
	}
	f.broker.mu.Lock()
	attempt := f.broker.offers["req-1"].Attempt
	f.broker.mu.Unlock()
	if attempt != 2 {
		t.Errorf("attempt = %d, want 2", attempt)
	}
}

func TestSweep_AssignedRequestNotRedispatched(t *testing.T) {
	f := newFixture(t, testCfg())
	now := time.Now()
	f.broker.now = func() time.Time { return now }

	f.joinAt(t, "p1", 33.575, -7.590)
	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := f.broker.Accept(context.Background(), "p1", "req-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.notifier.reset()

	now = now.Add(testCfg().OfferTTL + time.Second)
	f.broker.sweep(context.Background())
	if len(f.notifier.offeredTo()) != 0 {
		t.Errorf("assigned request must not be re-offered")
	}
}

func TestSweep_AttemptsExhausted(t *testing.T) {
	cfg := testCfg()
	cfg.MaxAttempts = 1
	f := newFixture(t, cfg)
	now := time.Now()
	f.broker.now = func() time.Time { return now }

	f.joinAt(t, "p1", 33.575, -7.590)
	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.notifier.reset()

	now = now.Add(cfg.OfferTTL + time.Second)
	f.broker.sweep(context.Background())

	if len(f.notifier.offeredTo()) != 0 {
		t.Errorf("exhausted offer must not be re-sent")
	}
	got, _ := f.requests.Get(context.Background(), "req-1")
	if got.Status != request.StatusPublished {
		t.Errorf("request should stay PUBLISHED for manual assignment, got %s", got.Status)
	}
}

func TestOnCompleted_ReturnsProviderToReady(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	assigned, err := f.broker.Accept(context.Background(), "p1", "req-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	assigned.Status = request.StatusDone
	f.broker.OnCompleted(context.Background(), assigned)

	if p, _ := f.registry.Get("p1"); p.Status != presence.StatusReady {
		t.Errorf("provider status = %s, want READY", p.Status)
	}
	f.intents.mu.Lock()
	defer f.intents.mu.Unlock()
	if len(f.intents.completed) != 1 || f.intents.completed[0] != "req-1" {
		t.Errorf("wallet credit intent not emitted: %v", f.intents.completed)
	}
}

func TestCancelOffer_NotifiesCandidates(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)
	f.joinAt(t, "p2", 33.580, -7.595)

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	f.broker.CancelOffer(context.Background(), "req-1")
	if got := f.notifier.takenFor(); len(got) != 2 {
		t.Errorf("expected both candidates notified, got %v", got)
	}
}

func TestDirectOffer(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)
	f.joinAt(t, "p2", 33.580, -7.595)

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.DirectOffer(context.Background(), r, "p2"); err != nil {
		t.Fatalf("direct offer: %v", err)
	}
	if got := f.notifier.offeredTo(); len(got) != 1 || got[0] != "p2" {
		t.Errorf("offered to %v, want only p2", got)
	}

	if _, err := f.registry.SetStatus("p1", presence.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.broker.DirectOffer(context.Background(), r, "p1"); !errors.Is(err, presence.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus for paused provider, got %v", err)
	}
}

func TestGraceWindow_RequeuesAfterDeadline(t *testing.T) {
	f := newFixture(t, testCfg())
	now := time.Now()
	f.broker.now = func() time.Time { return now }

	f.joinAt(t, "p1", 33.575, -7.590)
	f.joinAt(t, "p2", 33.580, -7.595)

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if _, err := f.broker.Accept(context.Background(), "p1", "req-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.notifier.reset()

	// Transport drop mid-mission opens the grace window.
	f.registry.Disconnect("p1")

	// Inside the window nothing moves.
	f.broker.sweep(context.Background())
	got, _ := f.requests.Get(context.Background(), "req-1")
	if got.Status != request.StatusAssigned {
		t.Fatalf("request moved inside grace window: %s", got.Status)
	}

	now = now.Add(testCfg().GraceWindow + time.Second)
	f.broker.sweep(context.Background())

	got, _ = f.requests.Get(context.Background(), "req-1")
	if got.Status != request.StatusPublished || got.ProviderID != nil {
		t.Fatalf("request not requeued after grace: %+v", got)
	}
	// Remaining READY provider gets the fresh offer.
	if offered := f.notifier.offeredTo(); len(offered) != 1 || offered[0] != "p2" {
		t.Errorf("re-dispatch offered to %v, want p2", offered)
	}
}

func TestGraceWindow_ReconnectKeepsMission(t *testing.T) {
	f := newFixture(t, testCfg())
	now := time.Now()
	f.broker.now = func() time.Time { return now }

	f.joinAt(t, "p1", 33.575, -7.590)
	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if _, err := f.broker.Accept(context.Background(), "p1", "req-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.registry.Disconnect("p1")
	// Reconnect before the deadline clears the pending reconciliation.
	if _, err := f.registry.Join("p1", ""); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	// The mission is still assigned, so the rejoin lands on BUSY, not
	// the READY the join asked for.
	if p, ok := f.registry.Get("p1"); !ok || p.Status != presence.StatusBusy {
		t.Fatalf("rejoined provider status = %v, want BUSY", p.Status)
	}

	now = now.Add(testCfg().GraceWindow + time.Second)
	f.broker.sweep(context.Background())

	got, _ := f.requests.Get(context.Background(), "req-1")
	if got.Status != request.StatusAssigned || got.ProviderID == nil || *got.ProviderID != "p1" {
		t.Errorf("mission lost despite reconnect: %+v", got)
	}
}

func TestGraceWindow_ReconnectCannotTakeSecondMission(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)

	r1 := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r1)
	if _, err := f.broker.Accept(context.Background(), "p1", "req-1"); err != nil {
		t.Fatalf("accept req-1: %v", err)
	}

	f.registry.Disconnect("p1")
	if _, err := f.registry.Join("p1", ""); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	r2 := publishedRequest("req-2", 33.58, -7.59)
	f.requests.add(r2)
	_, err := f.broker.Accept(context.Background(), "p1", "req-2")
	if !errors.Is(err, ErrProviderBusy) {
		t.Fatalf("second accept error = %v, want ErrProviderBusy", err)
	}

	got, _ := f.requests.Get(context.Background(), "req-2")
	if got.Status != request.StatusPublished || got.ProviderID != nil {
		t.Errorf("second request touched: %+v", got)
	}
	if p, _ := f.registry.Get("p1"); p.Status != presence.StatusBusy {
		t.Errorf("provider status = %v, want BUSY holding req-1", p.Status)
	}
}

func TestGraceWindow_MissionEndedWhileOfflineRejoinsReady(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if _, err := f.broker.Accept(context.Background(), "p1", "req-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.registry.Disconnect("p1")
	// The tenant cancels while the provider is offline.
	if _, err := f.requests.Requeue(context.Background(), "req-1"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if _, err := f.registry.Join("p1", ""); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if p, _ := f.registry.Get("p1"); p.Status != presence.StatusReady {
		t.Errorf("provider status = %v, want READY with no mission left", p.Status)
	}
}

func TestGraceWindow_IdleProviderNoReconciliation(t *testing.T) {
	f := newFixture(t, testCfg())
	f.joinAt(t, "p1", 33.575, -7.590)

	f.registry.Disconnect("p1")

	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	if len(f.broker.graces) != 0 {
		t.Errorf("idle provider must not open a grace window")
	}
}

func TestShortlist_GeohashPrefilterLargePool(t *testing.T) {
	cfg := testCfg()
	cfg.PrefilterThreshold = 10
	f := newFixture(t, cfg)

	// Near cluster inside the request's geohash neighborhood.
	near := []types.ID{"n1", "n2", "n3"}
	for i, id := range near {
		f.joinAt(t, id, 33.58+float64(i)*0.002, -7.59)
	}
	// Large far pool, outside both the radius and the cell neighborhood.
	for i := 0; i < 20; i++ {
		f.joinAt(t, types.ID(fmt.Sprintf("far%d", i)), 35.0+float64(i)*0.01, -5.0)
	}

	r := publishedRequest("req-1", 33.58, -7.59)
	f.requests.add(r)
	if err := f.broker.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	offered := f.notifier.offeredTo()
	if len(offered) != len(near) {
		t.Fatalf("offered to %v, want the near cluster only", offered)
	}
	seen := make(map[types.ID]bool)
	for _, id := range offered {
		seen[id] = true
	}
	for _, id := range near {
		if !seen[id] {
			t.Errorf("near provider %s missing from shortlist", id)
		}
	}
}
