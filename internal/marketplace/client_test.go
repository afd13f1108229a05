package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// testClient builds a client with sub-millisecond backoff so retry paths run
// fast under test.
func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := NewClient(baseURL, "test-key", zap.NewNop())
	c.retryDelay = time.Millisecond
	c.pollEvery = time.Millisecond
	c.pollBudget = 250 * time.Millisecond
	return c
}

// ── CreateDeployment ──────────────────────────────────────────────────────────

func TestCreateDeployment_OK(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/deployments" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"dseq":     "12345",
			"manifest": map[string]string{"kind": "manifest"},
		})
	})

	got, err := testClient(t, srv.URL).CreateDeployment(context.Background(), "sdl-doc", 5)
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if got.DSeq != "12345" {
		t.Errorf("dseq: got %q want 12345", got.DSeq)
	}
	if len(got.Manifest) == 0 {
		t.Error("manifest is empty")
	}
}

func TestCreateDeployment_DepositBelowMinimum_NoRequest(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := testClient(t, srv.URL).CreateDeployment(context.Background(), "sdl", 4.99)
	var ia *InvalidArgumentError
	if !errors.As(err, &ia) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected no network call, got %d", calls)
	}
}

func TestCreateDeployment_RetriesMalformedBody(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Write([]byte(`{"dseq": "12345"}`)) // manifest missing
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"dseq": "12345", "manifest": map[string]string{}})
	})

	got, err := testClient(t, srv.URL).CreateDeployment(context.Background(), "sdl", 5)
	if err != nil {
		t.Fatalf("CreateDeployment after retries: %v", err)
	}
	if got.DSeq != "12345" {
		t.Errorf("dseq: got %q", got.DSeq)
	}
	if calls != 3 {
		t.Errorf("calls: got %d want 3", calls)
	}
}

func TestCreateDeployment_FatalStatusNotRetried(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := testClient(t, srv.URL).CreateDeployment(context.Background(), "sdl", 5)
	var me *Error
	if !errors.As(err, &me) || me.Status != http.StatusBadRequest {
		t.Fatalf("expected protocol error with status 400, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d want 1 (400 must not be retried)", calls)
	}
}

func TestCreateDeployment_SetsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		json.NewEncoder(w).Encode(map[string]any{"dseq": "1", "manifest": map[string]string{}})
	})

	testClient(t, srv.URL).CreateDeployment(context.Background(), "sdl", 5) //nolint:errcheck
	if gotKey != "test-key" {
		t.Errorf("x-api-key: got %q want test-key", gotKey)
	}
}

// ── PollForBids ───────────────────────────────────────────────────────────────

func TestPollForBids_FirstNonEmptyBatchWins(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dseq") != "77" {
			t.Errorf("dseq query: got %q", r.URL.Query().Get("dseq"))
		}
		if atomic.AddInt32(&calls, 1) < 4 {
			w.Write([]byte(`{"bids": []}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"bids": []Bid{
			{Provider: "akash1aaa", DSeq: "77", Price: Price{Amount: "100", Denom: "uakt"}},
		}})
	})

	bids, err := testClient(t, srv.URL).PollForBids(context.Background(), "77")
	if err != nil {
		t.Fatalf("PollForBids: %v", err)
	}
	if len(bids) != 1 || bids[0].Provider != "akash1aaa" {
		t.Errorf("bids: got %+v", bids)
	}
}

func TestPollForBids_TransientErrorsDoNotAbort(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"bids": []Bid{{Provider: "akash1bbb"}}})
	})

	bids, err := testClient(t, srv.URL).PollForBids(context.Background(), "1")
	if err != nil {
		t.Fatalf("PollForBids: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("bids: got %d want 1", len(bids))
	}
}

func TestPollForBids_Timeout(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids": []}`))
	})

	_, err := testClient(t, srv.URL).PollForBids(context.Background(), "1")
	var to *TimeoutError
	if !errors.As(err, &to) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestPollForBids_ContextCancelled(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids": []}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(t, srv.URL).PollForBids(ctx, "1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// ── CreateLease ───────────────────────────────────────────────────────────────

func leaseOK(provider string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(Lease{
			DSeq:     "9",
			Provider: provider,
			Status:   map[string]ServiceStatus{"openclaw": {URIs: []string{"https://x.example/bot"}}},
		})
	}
}

func TestCreateLease_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		leaseOK("akash1p")(w)
	})

	lease, err := testClient(t, srv.URL).CreateLease(context.Background(), json.RawMessage(`{}`), "9", Bid{Provider: "akash1p"})
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d want 3", calls)
	}
	if got := lease.ServiceURL(); got != "https://x.example/bot" {
		t.Errorf("service url: got %q", got)
	}
}

func TestCreateLease_ExhaustedRetriesSurfaceStatus(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := testClient(t, srv.URL).CreateLease(context.Background(), json.RawMessage(`{}`), "9", Bid{Provider: "akash1p"})
	var me *Error
	if !errors.As(err, &me) || me.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d want 3", calls)
	}
	if me.Provider != "akash1p" {
		t.Errorf("provider on error: got %q", me.Provider)
	}
}

func TestCreateLease_FatalStatusImmediate(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	})

	_, err := testClient(t, srv.URL).CreateLease(context.Background(), json.RawMessage(`{}`), "9", Bid{Provider: "akash1p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls: got %d want 1", calls)
	}
}

func TestCreateLease_ProviderUnavailableNotRetried(t *testing.T) {
	var calls int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error": "provider not reachable"}`))
	})

	_, err := testClient(t, srv.URL).CreateLease(context.Background(), json.RawMessage(`{}`), "9", Bid{Provider: "akash1p"})
	if !IsProviderUnavailable(err) {
		t.Fatalf("expected provider-unavailable classification, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d want 1 (unavailable provider must not be retried)", calls)
	}
}

// ── Providers & health ────────────────────────────────────────────────────────

func TestGetProviderDetails_NotFoundIsNil(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	p, err := testClient(t, srv.URL).GetProviderDetails(context.Background(), "akash1gone")
	if err != nil {
		t.Fatalf("GetProviderDetails: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil provider, got %+v", p)
	}
}

func TestCheckProviderHealth(t *testing.T) {
	healthy := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	sick := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := testClient(t, healthy.URL)
	if !c.CheckProviderHealth(context.Background(), healthy.URL) {
		t.Error("healthy provider reported unhealthy")
	}
	if c.CheckProviderHealth(context.Background(), sick.URL) {
		t.Error("sick provider reported healthy")
	}
	if c.CheckProviderHealth(context.Background(), "http://127.0.0.1:1") {
		t.Error("unreachable provider reported healthy")
	}
}

// ── Certificates ──────────────────────────────────────────────────────────────

func TestEnsureCertificate_ValidExists_NoCreate(t *testing.T) {
	var created int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&created, 1)
			return
		}
		json.NewEncoder(w).Encode([]Certificate{{ID: "c1", State: "valid"}})
	})

	if !testClient(t, srv.URL).EnsureCertificate(context.Background()) {
		t.Error("expected true")
	}
	if created != 0 {
		t.Errorf("create calls: got %d want 0", created)
	}
}

func TestEnsureCertificate_HTMLCreateResponse_RelistsAndSucceeds(t *testing.T) {
	var lists int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("<html>certificate already exists</html>"))
			return
		}
		// First list: none; re-list: valid.
		if atomic.AddInt32(&lists, 1) == 1 {
			w.Write([]byte("[]"))
			return
		}
		json.NewEncoder(w).Encode([]Certificate{{ID: "c1", State: "valid"}})
	})

	if !testClient(t, srv.URL).EnsureCertificate(context.Background()) {
		t.Error("expected best-effort true")
	}
	if lists != 2 {
		t.Errorf("list calls: got %d want 2", lists)
	}
}

func TestEnsureCertificate_NeverFails(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if !testClient(t, srv.URL).EnsureCertificate(context.Background()) {
		t.Error("EnsureCertificate must be best-effort true even when everything fails")
	}
}

// ── Close & list ──────────────────────────────────────────────────────────────

func TestCloseDeployment_GoneIsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusNotFound, http.StatusGone} {
		srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete || r.URL.Path != "/v1/deployments/42" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			w.WriteHeader(status)
		})
		if err := testClient(t, srv.URL).CloseDeployment(context.Background(), "42"); err != nil {
			t.Errorf("status %d: CloseDeployment: %v", status, err)
		}
	}
}

func TestCloseDeployment_ServerError(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if err := testClient(t, srv.URL).CloseDeployment(context.Background(), "42"); err == nil {
		t.Fatal("expected error for 500, got nil")
	}
}

func TestListOpenDeployments(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"deployments": []OpenDeployment{{DSeq: "1", CreatedAt: now}, {DSeq: "2", CreatedAt: now}},
		})
	})

	got, err := testClient(t, srv.URL).ListOpenDeployments(context.Background())
	if err != nil {
		t.Fatalf("ListOpenDeployments: %v", err)
	}
	if len(got) != 2 || got[0].DSeq != "1" {
		t.Errorf("deployments: got %+v", got)
	}
}
