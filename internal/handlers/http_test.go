package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/config"
	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/queue"
)

const (
	testSecret = "s3cret"
	sigHeader  = "X-JobHarbor-Signature"
	tsHeader   = "X-JobHarbor-Timestamp"
)

func newForwarder() *Forwarder {
	return NewForwarder(config.Handler{
		SigningSecret:   testSecret,
		SignatureHeader: sigHeader,
		TimestampHeader: tsHeader,
		Timeout:         2 * time.Second,
	}, logging.New("test").WithOutput(&bytes.Buffer{}))
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"invoice":"42"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	good := sign([]byte(testSecret), body, ts)

	tests := []struct {
		name    string
		ts      string
		sig     string
		body    []byte
		wantErr bool
	}{
		{"valid", ts, good, body, false},
		{"missing timestamp", "", good, body, true},
		{"missing signature", ts, "", body, true},
		{"bad timestamp", "yesterday", good, body, true},
		{"stale timestamp", strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10), good, body, true},
		{"tampered body", ts, good, []byte(`{"invoice":"43"}`), true},
		{"wrong secret", ts, sign([]byte("other"), body, ts), body, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(testSecret, tt.body, tt.ts, tt.sig, 5*time.Minute, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadSignature) {
				t.Errorf("Verify() error = %v, want ErrBadSignature", err)
			}
		})
	}
}

func TestForwarderSignsAndReturnsBody(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		if err := Verify(testSecret, gotBody, r.Header.Get(tsHeader), r.Header.Get(sigHeader), time.Minute, time.Now()); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"cae":"74123456789012"}`))
	}))
	defer srv.Close()

	call := job.Call{JobID: "j1", Queue: "invoice-cae", TenantID: "acme", Payload: []byte(`{"invoice":"42"}`), Attempt: 2, CorrelationID: "corr-1"}
	out, err := newForwarder().Handler(srv.URL)(context.Background(), call)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if string(out) != `{"cae":"74123456789012"}` {
		t.Errorf("result = %s", out)
	}
	if string(gotBody) != `{"invoice":"42"}` {
		t.Errorf("forwarded body = %s", gotBody)
	}
	for h, want := range map[string]string{
		HeaderJobID:         "j1",
		HeaderTenantID:      "acme",
		HeaderAttempt:       "2",
		HeaderCorrelationID: "corr-1",
		"Content-Type":      "application/json",
	} {
		if v := got.Header.Get(h); v != want {
			t.Errorf("header %s = %q, want %q", h, v, want)
		}
	}
}

func TestForwarderClassifiesFailures(t *testing.T) {
	tests := []struct {
		status    int
		wantClass job.Class
		wantKind  job.Kind
	}{
		{http.StatusServiceUnavailable, job.ClassRetryable, job.KindServiceUnavailable},
		{http.StatusTooManyRequests, job.ClassRetryable, job.KindRateLimited},
		{http.StatusBadGateway, job.ClassRetryable, job.KindHTTP5xx},
		{http.StatusUnprocessableEntity, job.ClassTerminal, job.KindHTTP4xx},
		{http.StatusNotFound, job.ClassTerminal, job.KindHTTP4xx},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := newForwarder().Handler(srv.URL)(context.Background(), job.Call{JobID: "j1"})
			class, kind := job.Classify(err)
			if class != tt.wantClass || kind != tt.wantKind {
				t.Errorf("Classify() = (%s, %s), want (%s, %s): %v", class, kind, tt.wantClass, tt.wantKind, err)
			}
		})
	}
}

func TestForwarderConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newForwarder().Handler(url)(context.Background(), job.Call{JobID: "j1"})
	if class, kind := job.Classify(err); class != job.ClassRetryable || kind != job.KindConnectionRefused {
		t.Errorf("Classify() = (%s, %s), want retryable connection-refused: %v", class, kind, err)
	}
}

func TestUnsignedWithoutSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	NewSigner("", sigHeader, tsHeader).Sign(req, []byte("x"))
	if req.Header.Get(sigHeader) != "" || req.Header.Get(tsHeader) != "" {
		t.Errorf("headers set without a secret: %v", req.Header)
	}
}

type registry map[string]job.Handler

func (r registry) Register(name string, h job.Handler) error {
	if name == "broken" {
		return queue.ErrUnknownQueue
	}
	r[name] = h
	return nil
}

func TestBind(t *testing.T) {
	reg := registry{}
	bound, err := Bind(reg, []queue.Config{
		{Name: "invoice-cae", TargetURL: "http://afip.local/cae"},
		{Name: "email"},
		{Name: "payment-webhook", TargetURL: "http://gateway.local/hook"},
	}, newForwarder(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(bound) != 2 || bound[0] != "invoice-cae" || bound[1] != "payment-webhook" {
		t.Errorf("bound = %v", bound)
	}
	if _, ok := reg["email"]; ok {
		t.Error("queue without target was bound")
	}

	bound, err = Bind(reg, []queue.Config{{Name: "email"}}, newForwarder(), "http://fake-dependency:8081/")
	if err != nil || len(bound) != 1 || reg["email"] == nil {
		t.Errorf("Bind(fallback) = (%v, %v)", bound, err)
	}

	_, err = Bind(reg, []queue.Config{{Name: "broken", TargetURL: "http://x"}}, newForwarder(), "")
	if !errors.Is(err, queue.ErrUnknownQueue) {
		t.Errorf("Bind() error = %v", err)
	}
}
