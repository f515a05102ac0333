package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func TestHTTPHandler(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	slow := PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus Status
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: Status{OK: true, Message: "ok"},
		},
		{
			name:       "all healthy",
			checks:     []Check{{"database", PingFunc(ok)}, {"redis", PingFunc(ok)}},
			wantCode:   http.StatusOK,
			wantStatus: Status{OK: true, Message: "ok", Checks: map[string]bool{"database": true, "redis": true}},
		},
		{
			name:       "database down",
			checks:     []Check{{"database", down}, {"redis", PingFunc(ok)}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: Status{OK: false, Message: "database ping failed", Checks: map[string]bool{"database": false, "redis": true}},
		},
		{
			name:       "ping exceeds budget",
			checks:     []Check{{"redis", slow}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: Status{OK: false, Message: "redis ping failed", Checks: map[string]bool{"redis": false}},
		},
		{
			name:       "nil pinger skipped",
			checks:     []Check{{"nsq", nil}},
			wantCode:   http.StatusOK,
			wantStatus: Status{OK: true, Message: "ok", Checks: map[string]bool{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			start := time.Now()
			HTTPHandler(tt.checks...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if time.Since(start) > 3*time.Second {
				t.Error("handler ignored the ping budget")
			}
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var got Status
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.OK != tt.wantStatus.OK || got.Message != tt.wantStatus.Message || len(got.Checks) != len(tt.wantStatus.Checks) {
				t.Errorf("status = %+v, want %+v", got, tt.wantStatus)
			}
			for k, v := range tt.wantStatus.Checks {
				if got.Checks[k] != v {
					t.Errorf("check %s = %v, want %v", k, got.Checks[k], v)
				}
			}
		})
	}
}
