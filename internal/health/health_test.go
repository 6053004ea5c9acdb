package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode probe response: %v", err)
	}
	return rep
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rep := decodeReport(t, rec); rep.Status != "ok" {
		t.Errorf("body status = %q, want ok", rep.Status)
	}
}

func TestReadyzReportsPerCheck(t *testing.T) {
	tests := []struct {
		name       string
		realtime   error
		wantCode   int
		wantStatus string
		wantCheck  string
	}{
		{"ready", nil, http.StatusOK, "ok", "ok"},
		{"key missing", errors.New("realtime api key missing"), http.StatusServiceUnavailable, "fail", "fail: realtime api key missing"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New(
				Checker{Name: "backend", Check: func(context.Context) error { return nil }},
				Checker{Name: "realtime", Check: func(context.Context) error { return tc.realtime }},
			)

			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			rep := decodeReport(t, rec)
			if rep.Status != tc.wantStatus {
				t.Errorf("body status = %q, want %q", rep.Status, tc.wantStatus)
			}
			if rep.Checks["backend"] != "ok" {
				t.Errorf("backend check = %q, want ok", rep.Checks["backend"])
			}
			if rep.Checks["realtime"] != tc.wantCheck {
				t.Errorf("realtime check = %q, want %q", rep.Checks["realtime"], tc.wantCheck)
			}
		})
	}
}

func TestReadyzWithoutCheckersIsReady(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzRunsAllCheckersOnFailure(t *testing.T) {
	h := New(
		Checker{Name: "backend", Check: func(context.Context) error { return errors.New("timeout") }},
		Checker{Name: "realtime", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	rep := decodeReport(t, rec)
	if rep.Checks["backend"] != "fail: timeout" {
		t.Errorf("backend check = %q", rep.Checks["backend"])
	}
	// A failing check does not short-circuit the rest of the report.
	if rep.Checks["realtime"] != "ok" {
		t.Errorf("realtime check = %q, want ok", rep.Checks["realtime"])
	}
}

func TestReadyzHonorsRequestCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRegisterMountsProbes(t *testing.T) {
	mux := http.NewServeMux()
	New(Checker{Name: "realtime", Check: func(context.Context) error { return nil }}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
