package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/config"
	"github.com/austindbirch/jobharbor/internal/handlers"
	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
)

const secret = "fake-secret"

func handlerConfig(signingSecret string) config.Handler {
	return config.Handler{
		SigningSecret:   signingSecret,
		SignatureHeader: "X-JobHarbor-Signature",
		TimestampHeader: "X-JobHarbor-Timestamp",
		Timeout:         2 * time.Second,
	}
}

func newTestDependency(cfg config.FakeDependency) (*dependency, *httptest.Server) {
	logger := logging.New("fake-dependency-test").WithOutput(&bytes.Buffer{})
	d := newDependency(cfg, handlerConfig(""), logger)
	d.sleep = func(time.Duration) {}
	return d, httptest.NewServer(d.routes())
}

func call(t *testing.T, target, signingSecret string, attempt int) ([]byte, error) {
	t.Helper()
	logger := logging.New("forwarder-test").WithOutput(&bytes.Buffer{})
	f := handlers.NewForwarder(handlerConfig(signingSecret), logger)
	return f.Handler(target)(context.Background(), job.Call{
		JobID:    "j-1",
		Queue:    "invoice-cae",
		TenantID: "acme",
		Payload:  []byte(`{"invoice":"42"}`),
		Attempt:  attempt,
	})
}

func TestFailFirstN(t *testing.T) {
	_, srv := newTestDependency(config.FakeDependency{FailFirstN: 2, FailStatus: http.StatusServiceUnavailable})
	defer srv.Close()

	for attempt := range 2 {
		_, err := call(t, srv.URL+"/cae", "", attempt)
		class, kind := job.Classify(err)
		if class != job.ClassRetryable || kind != job.KindServiceUnavailable {
			t.Fatalf("attempt %d: class=%s kind=%s, want retryable service_unavailable", attempt, class, kind)
		}
	}
	out, err := call(t, srv.URL+"/cae", "", 2)
	if err != nil {
		t.Fatalf("third attempt error = %v", err)
	}
	if !strings.Contains(string(out), `"jobId":"j-1"`) || !strings.Contains(string(out), `"request":3`) {
		t.Errorf("response = %s", out)
	}
}

func TestFailStatusIsTerminal(t *testing.T) {
	_, srv := newTestDependency(config.FakeDependency{FailFirstN: 1, FailStatus: http.StatusUnprocessableEntity})
	defer srv.Close()

	_, err := call(t, srv.URL, "", 0)
	if class, _ := job.Classify(err); class != job.ClassTerminal {
		t.Errorf("class = %s, want terminal for 422", class)
	}
}

func TestSignatureVerification(t *testing.T) {
	d, srv := newTestDependency(config.FakeDependency{EndpointSecret: secret, SigningLeewaySeconds: 300})
	defer srv.Close()

	tests := []struct {
		name      string
		secret    string
		wantClass job.Class
	}{
		{name: "signed", secret: secret},
		{name: "unsigned", secret: "", wantClass: job.ClassTerminal},
		{name: "wrong secret", secret: "nope", wantClass: job.ClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, srv.URL, tt.secret, 0)
			if class, _ := job.Classify(err); class != tt.wantClass {
				t.Errorf("class = %q, want %q (err %v)", class, tt.wantClass, err)
			}
		})
	}
	if got := d.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestResponseDelay(t *testing.T) {
	d, srv := newTestDependency(config.FakeDependency{ResponseDelayMS: 250})
	defer srv.Close()
	var slept time.Duration
	d.sleep = func(dur time.Duration) { slept += dur }

	if _, err := call(t, srv.URL, "", 0); err != nil {
		t.Fatalf("call error = %v", err)
	}
	if slept != 250*time.Millisecond {
		t.Errorf("slept %s, want 250ms", slept)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestDependency(config.FakeDependency{})
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
