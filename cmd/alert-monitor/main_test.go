package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/jobharbor/internal/logging"
)

func newTestMonitor(t *testing.T) (*monitor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.New("alert-monitor-test").WithOutput(&buf)
	return newMonitor(prometheus.NewRegistry(), logger, "jobharbor_alerts", "jobharbor_dlq"), &buf
}

func message(body string) *nsq.Message {
	return &nsq.Message{Body: []byte(body)}
}

func TestHandleAlert(t *testing.T) {
	m, buf := newTestMonitor(t)

	body := `{"rule":"breaker_open","severity":"critical","dependency":"afip","message":"breaker afip opened","value":5,"at":"2026-01-02T03:04:05Z"}`
	if err := m.handleAlert(message(body)); err != nil {
		t.Fatalf("handleAlert() error = %v", err)
	}
	if got := testutil.ToFloat64(m.alerts.WithLabelValues("breaker_open", "critical")); got != 1 {
		t.Errorf("alerts counter = %v, want 1", got)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "breaker afip opened") {
		t.Errorf("log output = %s", out)
	}

	if err := m.handleAlert(message("{not json")); err != nil {
		t.Fatalf("handleAlert(malformed) error = %v, want nil so the message is finished", err)
	}
	if got := testutil.ToFloat64(m.malformed.WithLabelValues("alerts")); got != 1 {
		t.Errorf("malformed counter = %v, want 1", got)
	}
}

func TestHandleEvent(t *testing.T) {
	m, buf := newTestMonitor(t)

	events := []string{
		`{"type":"dead_lettered","itemId":"d-1","queue":"invoice-cae","tenantId":"acme","jobId":"j-1","errorKind":"service_unavailable","at":"2026-01-02T03:04:05Z"}`,
		`{"type":"retried","itemId":"d-1","queue":"invoice-cae","tenantId":"acme","jobId":"j-2","at":"2026-01-02T03:05:05Z"}`,
		`{"type":"dead_lettered","itemId":"d-2","queue":"invoice-cae","tenantId":"acme","jobId":"j-3","at":"2026-01-02T03:06:05Z"}`,
	}
	for _, e := range events {
		if err := m.handleEvent(message(e)); err != nil {
			t.Fatalf("handleEvent() error = %v", err)
		}
	}

	tests := []struct {
		typ  string
		want float64
	}{
		{"dead_lettered", 2},
		{"retried", 1},
		{"discarded", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.events.WithLabelValues(tt.typ, "invoice-cae")); got != tt.want {
			t.Errorf("events[%s] = %v, want %v", tt.typ, got, tt.want)
		}
	}
	if !strings.Contains(buf.String(), `"dlq_item":"d-2"`) {
		t.Errorf("log output missing item id: %s", buf.String())
	}
}

func TestUpdateStats(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		status  int
		wantErr bool
	}{
		{
			name: "watched topics update gauges",
			payload: `{"topics":[
				{"topic_name":"jobharbor_alerts","channels":[{"channel_name":"monitor","depth":7,"in_flight_count":2}],"depth":7},
				{"topic_name":"jobharbor_dlq","channels":[{"channel_name":"monitor","depth":3,"in_flight_count":1}],"depth":3},
				{"topic_name":"other","channels":[{"channel_name":"monitor","depth":99,"in_flight_count":9}],"depth":99}
			]}`,
			status: http.StatusOK,
		},
		{name: "server error", payload: "boom", status: http.StatusInternalServerError, wantErr: true},
		{name: "bad json", payload: "{", status: http.StatusOK, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMonitor(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
					t.Errorf("unexpected request %s", r.URL)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer srv.Close()

			err := m.updateStats(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
			if (err != nil) != tc.wantErr {
				t.Fatalf("updateStats() error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if got := testutil.ToFloat64(m.channelDepth.WithLabelValues("jobharbor_alerts", "monitor")); got != 7 {
				t.Errorf("alerts depth = %v, want 7", got)
			}
			if got := testutil.ToFloat64(m.channelInflight.WithLabelValues("jobharbor_dlq", "monitor")); got != 1 {
				t.Errorf("dlq inflight = %v, want 1", got)
			}
			if n := testutil.CollectAndCount(m.channelDepth); n != 2 {
				t.Errorf("depth series = %d, want 2 (unwatched topic ignored)", n)
			}
		})
	}
}
