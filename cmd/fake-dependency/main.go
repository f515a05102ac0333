package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/jobharbor/internal/config"
	"github.com/austindbirch/jobharbor/internal/handlers"
	"github.com/austindbirch/jobharbor/internal/logging"
)

// dependency stands in for an external service a queue handler calls. It
// can fail its first N requests and delay every response.
type dependency struct {
	cfg       config.FakeDependency
	sigHeader string
	tsHeader  string
	logger    *logging.Logger
	now       func() time.Time
	sleep     func(time.Duration)

	requests atomic.Int64
}

func newDependency(cfg config.FakeDependency, h config.Handler, logger *logging.Logger) *dependency {
	return &dependency{
		cfg:       cfg,
		sigHeader: h.SignatureHeader,
		tsHeader:  h.TimestampHeader,
		logger:    logger,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

func (d *dependency) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("POST /", d.handle)
	return mux
}

func (d *dependency) handle(w http.ResponseWriter, r *http.Request) {
	n := d.requests.Add(1)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	entry := d.logger.Plain().
		WithJob(r.Header.Get(handlers.HeaderJobID)).
		WithTenant(r.Header.Get(handlers.HeaderTenantID)).
		WithField("path", r.URL.Path).
		WithField("attempt", r.Header.Get(handlers.HeaderAttempt))

	if d.cfg.EndpointSecret != "" {
		leeway := time.Duration(d.cfg.SigningLeewaySeconds) * time.Second
		err := handlers.Verify(d.cfg.EndpointSecret, body, r.Header.Get(d.tsHeader), r.Header.Get(d.sigHeader), leeway, d.now())
		if err != nil {
			entry.WithError(err).Warn("Rejected request with bad signature")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if d.cfg.ResponseDelayMS > 0 {
		d.sleep(time.Duration(d.cfg.ResponseDelayMS) * time.Millisecond)
	}

	if n <= int64(d.cfg.FailFirstN) {
		entry.WithField("failing", fmt.Sprintf("%d/%d", n, d.cfg.FailFirstN)).Warn("Simulated failure")
		http.Error(w, "temporary failure", d.cfg.FailStatus)
		return
	}

	entry.WithField("bytes", len(body)).Info("Handled request")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      true,
		"request": n,
		"jobId":   r.Header.Get(handlers.HeaderJobID),
	})
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jobharbor-fake-dependency")
	d := newDependency(cfg.FakeDependency, cfg.Handler, logger)

	srv := &http.Server{
		Addr:         cfg.FakeDependency.Port,
		Handler:      d.routes(),
		ReadTimeout:  cfg.FakeDependency.ReadTimeout,
		WriteTimeout: cfg.FakeDependency.WriteTimeout,
		IdleTimeout:  cfg.FakeDependency.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeDependency.FailFirstN,
		"fail_status":  cfg.FakeDependency.FailStatus,
		"delay_ms":     cfg.FakeDependency.ResponseDelayMS,
		"signed":       cfg.FakeDependency.EndpointSecret != "",
	}).Info("fake dependency listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake dependency failed")
	}
}
