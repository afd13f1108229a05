package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/events"
	"github.com/openclaw/deployer/internal/marketplace"
	"github.com/openclaw/deployer/internal/store"
)

// fakeConsole is a scriptable marketplace API. Each submitted deployment
// gets dseq A1, A2, ... in order; lease behavior is scripted per (dseq,
// provider) pair.
type fakeConsole struct {
	t *testing.T

	mu         sync.Mutex
	srv        *httptest.Server
	bids       []marketplace.Bid
	leaseFails map[string]leaseScript // key dseq+"/"+provider, "*" provider matches all
	created    []string
	openSince  map[string]time.Time
	closed     map[string]int
	leaseCalls []string // dseq+"/"+provider in order
}

type leaseScript struct {
	remaining int // -1 = always fail
	status    int
	body      string
}

func newConsole(t *testing.T) *fakeConsole {
	f := &fakeConsole{
		t:          t,
		leaseFails: make(map[string]leaseScript),
		openSince:  make(map[string]time.Time),
		closed:     make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeConsole) failLease(dseq, provider string, n, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaseFails[dseq+"/"+provider] = leaseScript{remaining: n, status: status, body: body}
}

func (f *fakeConsole) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/deployments":
		dseq := fmt.Sprintf("A%d", len(f.created)+1)
		f.created = append(f.created, dseq)
		f.openSince[dseq] = time.Now()
		fmt.Fprintf(w, `{"dseq":%q,"manifest":[{"name":"dcloud"}]}`, dseq)

	case r.Method == http.MethodGet && r.URL.Path == "/v1/bids":
		json.NewEncoder(w).Encode(map[string]any{"bids": f.bids}) //nolint:errcheck

	case r.Method == http.MethodPost && r.URL.Path == "/v1/leases":
		var req struct {
			DSeq string          `json:"dseq"`
			Bid  marketplace.Bid `json:"bid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("lease body: %v", err)
		}
		f.leaseCalls = append(f.leaseCalls, req.DSeq+"/"+req.Bid.Provider)
		for _, key := range []string{req.DSeq + "/" + req.Bid.Provider, req.DSeq + "/*"} {
			script, ok := f.leaseFails[key]
			if !ok || script.remaining == 0 {
				continue
			}
			if script.remaining > 0 {
				script.remaining--
				f.leaseFails[key] = script
			}
			w.WriteHeader(script.status)
			fmt.Fprint(w, script.body)
			return
		}
		fmt.Fprintf(w, `{"dseq":%q,"gseq":1,"oseq":1,"provider":%q,
			"status":{"openclaw":{"uris":["https://x.example/bot"]}}}`,
			req.DSeq, req.Bid.Provider)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/providers/"):
		http.NotFound(w, r)

	case r.URL.Path == "/v1/certificates":
		fmt.Fprint(w, `[{"id":"c1","state":"valid"}]`)

	case r.Method == http.MethodGet && r.URL.Path == "/v1/deployments":
		deps := make([]map[string]any, 0, len(f.openSince))
		for dseq, since := range f.openSince {
			deps = append(deps, map[string]any{"dseq": dseq, "createdAt": since.UTC().Format(time.RFC3339Nano)})
		}
		json.NewEncoder(w).Encode(map[string]any{"deployments": deps}) //nolint:errcheck

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/deployments/"):
		dseq := strings.TrimPrefix(r.URL.Path, "/v1/deployments/")
		f.closed[dseq]++
		delete(f.openSince, dseq)
		fmt.Fprint(w, `{}`)

	default:
		f.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}
}

func (f *fakeConsole) closeCount(dseq string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[dseq]
}

func (f *fakeConsole) leaseProviders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.leaseCalls...)
}

func consoleBid(provider, price string) marketplace.Bid {
	return marketplace.Bid{Provider: provider, Price: marketplace.Price{Amount: price, Denom: "uakt"}}
}

type runnerFixture struct {
	runner  *Runner
	repo    *fakeRepo
	console *fakeConsole
	journal Journal
	bus     *events.Bus
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	console := newConsole(t)
	repo := newFakeRepo()
	bus := events.NewBus(zap.NewNop())
	journal := newMemoryJournal()

	market := marketplace.NewClient(console.srv.URL, "key", zap.NewNop())
	market.SetTimings(time.Millisecond, time.Millisecond, 250*time.Millisecond)

	state := NewManager(repo, &spyCache{}, bus, zap.NewNop())
	runner := NewRunner(repo, state, market, journal, bus, nil, RunnerConfig{
		UpstreamLLMKey: "sk-or-upstream",
		PricingDenom:   "uakt",
		DepositUSD:     5,
		MaxAttempts:    3,
		ZombieGrace:    time.Hour,
	}, zap.NewNop())

	return &runnerFixture{runner: runner, repo: repo, console: console, journal: journal, bus: bus}
}

func (fx *runnerFixture) addPending(id string) {
	d := pendingDeployment(id, "u1")
	d.Status = store.StatusDeploying // as left by Begin
	fx.repo.add(d)
}

// drainStarted returns the next re-emitted start event, if any.
func (fx *runnerFixture) drainStarted(t *testing.T) (events.DeploymentStarted, bool) {
	t.Helper()
	select {
	case ev := <-fx.bus.Started():
		return ev, true
	default:
		return events.DeploymentStarted{}, false
	}
}

// ── End to end ────────────────────────────────────────────────────────────────

func TestRunner_HappyPathPicksCheapestBid(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.addPending("d1")
	fx.console.bids = []marketplace.Bid{consoleBid("P1", "1000"), consoleBid("P2", "500")}

	fx.runner.handle(context.Background(), events.DeploymentStarted{DeploymentID: "d1", Attempt: 1})

	d := fx.repo.get("d1")
	if d.Status != store.StatusActive {
		t.Fatalf("status: got %q, error: %v", d.Status, d.ErrorMessage)
	}
	if d.ProviderURL == nil || *d.ProviderURL != "https://x.example/bot" {
		t.Errorf("provider url: %+v", d.ProviderURL)
	}
	if d.ErrorMessage != nil {
		t.Errorf("error message: %q", *d.ErrorMessage)
	}
	if calls := fx.console.leaseProviders(); len(calls) != 1 || calls[0] != "A1/P2" {
		t.Errorf("lease calls: %v", calls)
	}
	select {
	case ev := <-fx.bus.Completed():
		if ev.DeploymentID != "d1" || ev.Status != "active" {
			t.Errorf("completed event: %+v", ev)
		}
	default:
		t.Error("no completed event")
	}
	if jobs, _ := fx.journal.PendingJobs(context.Background()); len(jobs) != 0 {
		t.Errorf("job record not cleared: %d", len(jobs))
	}
}

func TestRunner_FailsOverAfterRetryExhaustion(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.addPending("d1")
	fx.console.bids = []marketplace.Bid{
		consoleBid("P2", "500"), consoleBid("P3", "750"), consoleBid("P1", "1000"),
	}
	fx.console.failLease("A1", "P2", -1, http.StatusServiceUnavailable, `{"error":"overloaded"}`)

	fx.runner.handle(context.Background(), events.DeploymentStarted{DeploymentID: "d1", Attempt: 1})

	d := fx.repo.get("d1")
	if d.Status != store.StatusActive {
		t.Fatalf("status: got %q, error: %v", d.Status, d.ErrorMessage)
	}
	if d.MarketplaceLeaseID == nil || !strings.Contains(*d.MarketplaceLeaseID, "P3") {
		t.Errorf("lease: %+v", d.MarketplaceLeaseID)
	}
	// P2 exhausts its three per-call retries before the loop moves to P3.
	calls := fx.console.leaseProviders()
	want := []string{"A1/P2", "A1/P2", "A1/P2", "A1/P3"}
	if len(calls) != len(want) {
		t.Fatalf("lease calls: %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("lease calls: %v", calls)
		}
	}
}

func TestRunner_CrossAttemptCleanup(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.addPending("d1")
	fx.console.bids = []marketplace.Bid{consoleBid("P1", "1000")}
	// Attempt 1's dseq A1 never gets a lease; A2 succeeds.
	fx.console.failLease("A1", "*", -1, http.StatusServiceUnavailable, `{"error":"overloaded"}`)

	ctx := context.Background()
	fx.runner.handle(ctx, events.DeploymentStarted{DeploymentID: "d1", Attempt: 1})

	next, ok := fx.drainStarted(t)
	if !ok {
		t.Fatal("no retry event after failed attempt")
	}
	if next.Attempt != 2 || len(next.FailedDSeqs) != 1 || next.FailedDSeqs[0] != "A1" {
		t.Fatalf("retry event: %+v", next)
	}
	d := fx.repo.get("d1")
	if d.Status != store.StatusDeploying || d.ErrorMessage == nil ||
		!strings.HasPrefix(*d.ErrorMessage, "Attempt 1 failed:") {
		t.Fatalf("between attempts: status=%q err=%v", d.Status, d.ErrorMessage)
	}

	fx.runner.handle(ctx, next)

	d = fx.repo.get("d1")
	if d.Status != store.StatusActive {
		t.Fatalf("status: got %q, error: %v", d.Status, d.ErrorMessage)
	}
	if d.MarketplaceDeploymentID == nil || *d.MarketplaceDeploymentID != "A2" {
		t.Errorf("dseq: %+v", d.MarketplaceDeploymentID)
	}
	if n := fx.console.closeCount("A1"); n != 1 {
		t.Errorf("A1 closed %d times, want exactly 1", n)
	}
	if n := fx.console.closeCount("A2"); n != 0 {
		t.Errorf("A2 closed %d times", n)
	}
}

func TestRunner_ExhaustionFailsDeployment(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.addPending("d1")
	fx.console.bids = []marketplace.Bid{consoleBid("P1", "1000")}
	for _, dseq := range []string{"A1", "A2", "A3"} {
		fx.console.failLease(dseq, "*", -1, http.StatusServiceUnavailable, `{"error":"overloaded"}`)
	}

	ctx := context.Background()
	ev := events.DeploymentStarted{DeploymentID: "d1", Attempt: 1}
	for {
		fx.runner.handle(ctx, ev)
		next, ok := fx.drainStarted(t)
		if !ok {
			break
		}
		ev = next
	}

	d := fx.repo.get("d1")
	if d.Status != store.StatusFailed {
		t.Fatalf("status: got %q", d.Status)
	}
	if d.ErrorMessage == nil || !strings.HasPrefix(*d.ErrorMessage, "All 3 attempts failed:") {
		t.Errorf("error message: %v", d.ErrorMessage)
	}
	var failures int
	for {
		select {
		case <-fx.bus.Failed():
			failures++
			continue
		default:
		}
		break
	}
	if failures != 1 {
		t.Errorf("failure events: got %d want 1", failures)
	}
	// Every attempt's dseq is reconciled by the final cleanup.
	for _, dseq := range []string{"A1", "A2", "A3"} {
		if fx.console.closeCount(dseq) == 0 {
			t.Errorf("dseq %s never closed", dseq)
		}
	}
}

// ── Durability ────────────────────────────────────────────────────────────────

func TestRunner_ReplaySkipsJournaledSteps(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.addPending("d1")
	fx.console.bids = []marketplace.Bid{consoleBid("P1", "1000")}

	ctx := context.Background()
	// Simulate a crash after deploy-bot: its result is journaled, the later
	// steps are not.
	raw, _ := json.Marshal(deployResult{
		Success: true, DSeq: "A9", LeaseID: "A9/1/1/P1",
		Provider: "P1", ServiceURL: "https://x.example/bot",
	})
	fx.journal.RecordStep(ctx, "d1:1", stepDeployBot, raw)
	marked, _ := json.Marshal(true)
	fx.journal.RecordStep(ctx, "d1:1", stepMarkDeploying, marked)

	fx.runner.handle(ctx, events.DeploymentStarted{DeploymentID: "d1", Attempt: 1, FailedDSeqs: []string{"A8"}})

	if calls := fx.console.leaseProviders(); len(calls) != 0 {
		t.Errorf("replay must not touch the marketplace lease path: %v", calls)
	}
	d := fx.repo.get("d1")
	if d.Status != store.StatusActive {
		t.Fatalf("status: got %q", d.Status)
	}
	if *d.MarketplaceDeploymentID != "A9" {
		t.Errorf("dseq: %v", *d.MarketplaceDeploymentID)
	}
	// The pre-crash failed dseq still gets cleaned up on replay.
	if n := fx.console.closeCount("A8"); n != 1 {
		t.Errorf("A8 closed %d times, want 1", n)
	}
}

func TestRunner_SingleFlightPerDeployment(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.addPending("d1")
	fx.console.bids = []marketplace.Bid{consoleBid("P1", "1000")}

	ctx := context.Background()
	if !fx.journal.AcquireLock(ctx, "d1", time.Minute) {
		t.Fatal("setup: lock")
	}

	fx.runner.handle(ctx, events.DeploymentStarted{DeploymentID: "d1", Attempt: 1})

	if d := fx.repo.get("d1"); d.Status != store.StatusDeploying {
		t.Errorf("locked deployment was processed: %q", d.Status)
	}
	if calls := fx.console.leaseProviders(); len(calls) != 0 {
		t.Errorf("locked deployment reached the marketplace: %v", calls)
	}
}

func TestRunner_TerminalDeploymentDropsJob(t *testing.T) {
	fx := newRunnerFixture(t)
	d := pendingDeployment("d1", "u1")
	d.Status = store.StatusActive
	fx.repo.add(d)
	fx.journal.SaveJob(context.Background(), "d1", []byte(`{"deploymentId":"d1"}`))

	fx.runner.handle(context.Background(), events.DeploymentStarted{DeploymentID: "d1"})

	if jobs, _ := fx.journal.PendingJobs(context.Background()); len(jobs) != 0 {
		t.Errorf("stale job record kept: %d", len(jobs))
	}
}

func TestRunner_ZombieSweepSparesRecentAndCurrent(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.addPending("d1")
	fx.console.bids = []marketplace.Bid{consoleBid("P1", "1000")}
	// An old zombie from another run and a fresh deployment inside the
	// grace window.
	fx.console.openSince["Z1"] = time.Now().Add(-2 * time.Hour)
	fx.console.openSince["F1"] = time.Now().Add(-time.Minute)

	fx.runner.handle(context.Background(), events.DeploymentStarted{DeploymentID: "d1", Attempt: 1})

	if n := fx.console.closeCount("Z1"); n != 1 {
		t.Errorf("zombie Z1 closed %d times, want 1", n)
	}
	if n := fx.console.closeCount("F1"); n != 0 {
		t.Errorf("in-grace F1 closed %d times", n)
	}
	if n := fx.console.closeCount("A1"); n != 0 {
		t.Errorf("current A1 closed %d times", n)
	}
}

func TestRecoverPendingJobs_ReemitsSavedEvents(t *testing.T) {
	fx := newRunnerFixture(t)
	ev := events.DeploymentStarted{DeploymentID: "d1", Attempt: 2, FailedDSeqs: []string{"A1"}}
	raw, _ := json.Marshal(ev)
	fx.journal.SaveJob(context.Background(), "d1", raw)

	fx.runner.RecoverPendingJobs(context.Background())

	got, ok := fx.drainStarted(t)
	if !ok {
		t.Fatal("no event recovered")
	}
	if got.DeploymentID != "d1" || got.Attempt != 2 || len(got.FailedDSeqs) != 1 {
		t.Errorf("recovered event: %+v", got)
	}
}
