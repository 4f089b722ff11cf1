package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// decode reads a /readyz response body into its JSON form.
func decode(t *testing.T, rec *httptest.ResponseRecorder) readiness {
	t.Helper()
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

// checkFor returns the named entry from a readiness body.
func checkFor(t *testing.T, body readiness, name string) checkResult {
	t.Helper()
	for _, c := range body.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no check named %q in %+v", name, body.Checks)
	return checkResult{}
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body liveness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.UptimeSeconds < 0 {
		t.Errorf("uptime_s = %v, must not be negative", body.UptimeSeconds)
	}
}

func TestReadyz_AllProbesPass(t *testing.T) {
	h := New(
		Checker{Name: "bus", Check: func(context.Context) error { return nil }},
		Checker{Name: "providers", Check: func(context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decode(t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if len(body.Checks) != 2 {
		t.Fatalf("checks = %+v, want 2 entries", body.Checks)
	}
	// Entries keep registration order.
	if body.Checks[0].Name != "bus" || body.Checks[1].Name != "providers" {
		t.Errorf("order = %s, %s", body.Checks[0].Name, body.Checks[1].Name)
	}
	if checkFor(t, body, "bus").Status != "ok" {
		t.Errorf("bus = %+v", checkFor(t, body, "bus"))
	}
}

func TestReadyz_FailingProbeReports503(t *testing.T) {
	h := New(
		Checker{Name: "providers", Check: func(context.Context) error {
			return errors.New("openai: connection refused")
		}},
		Checker{Name: "plugins", Check: func(context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decode(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	failed := checkFor(t, body, "providers")
	if failed.Status != "fail" || failed.Error != "openai: connection refused" {
		t.Errorf("providers = %+v", failed)
	}
	if checkFor(t, body, "plugins").Status != "ok" {
		t.Errorf("plugins = %+v, one failure must not mark the others", checkFor(t, body, "plugins"))
	}
}

func TestReadyz_NoProbesIsReady(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz_ProbesRunConcurrently(t *testing.T) {
	// Two probes that only finish once both are in flight: sequential
	// execution would deadlock until the per-probe timeout.
	var inFlight atomic.Int32
	probe := func(ctx context.Context) error {
		inFlight.Add(1)
		deadline := time.After(2 * time.Second)
		for inFlight.Load() < 2 {
			select {
			case <-deadline:
				return errors.New("peer probe never started")
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	}
	h := New(
		Checker{Name: "a", Check: probe},
		Checker{Name: "b", Check: probe},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (probes must run in parallel)", rec.Code, http.StatusOK)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
