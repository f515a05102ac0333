// Package handlers provides job handlers that forward payloads to HTTP
// services, signing each request.
package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jobharbor/internal/config"
	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/queue"
	"github.com/austindbirch/jobharbor/internal/tracing"
)

// Request headers set on every forwarded call.
const (
	HeaderJobID         = "X-Job-Id"
	HeaderTenantID      = "X-Tenant-Id"
	HeaderAttempt       = "X-Job-Attempt"
	HeaderCorrelationID = "X-Correlation-Id"
)

const maxResultBytes = job.MaxPayloadBytes

var ErrBadSignature = errors.New("signature mismatch")

// Signer computes sha256=<hex> over body||timestamp.
type Signer struct {
	secret          []byte
	signatureHeader string
	timestampHeader string
	now             func() time.Time
}

func NewSigner(secret, signatureHeader, timestampHeader string) *Signer {
	return &Signer{
		secret:          []byte(secret),
		signatureHeader: signatureHeader,
		timestampHeader: timestampHeader,
		now:             time.Now,
	}
}

func sign(secret []byte, body []byte, ts string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(ts))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Sign sets the timestamp and signature headers. A signer without a secret
// leaves the request unsigned.
func (s *Signer) Sign(req *http.Request, body []byte) {
	if s == nil || len(s.secret) == 0 {
		return
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set(s.timestampHeader, ts)
	req.Header.Set(s.signatureHeader, sign(s.secret, body, ts))
}

// Verify checks a signature produced by Sign and rejects timestamps further
// than leeway from now.
func Verify(secret string, body []byte, ts, signature string, leeway time.Duration, now time.Time) error {
	if ts == "" || signature == "" {
		return fmt.Errorf("%w: missing headers", ErrBadSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrBadSignature)
	}
	if skew := now.Sub(time.Unix(unix, 0)).Abs(); skew > leeway {
		return fmt.Errorf("%w: timestamp outside leeway (%s)", ErrBadSignature, skew)
	}
	if !hmac.Equal([]byte(signature), []byte(sign([]byte(secret), body, ts))) {
		return ErrBadSignature
	}
	return nil
}

// Forwarder posts job payloads to a target URL and maps the response onto
// the job error taxonomy.
type Forwarder struct {
	client *http.Client
	signer *Signer
	logger *logging.Logger
}

func NewForwarder(cfg config.Handler, logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		client: &http.Client{Timeout: timeout},
		signer: NewSigner(cfg.SigningSecret, cfg.SignatureHeader, cfg.TimestampHeader),
		logger: logger,
	}
}

// Handler returns a job handler posting to target.
func (f *Forwarder) Handler(target string) job.Handler {
	return func(ctx context.Context, c job.Call) ([]byte, error) {
		ctx, span := tracing.StartSpan(ctx, "handler.forward",
			tracing.AttrJobID.String(c.JobID),
			tracing.AttrQueue.String(c.Queue),
			attribute.String("http.url", target),
			tracing.AttrAttempt.Int(c.Attempt),
		)
		defer span.End()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(c.Payload))
		if err != nil {
			return nil, job.Terminal(job.KindValidation, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderJobID, c.JobID)
		req.Header.Set(HeaderTenantID, c.TenantID)
		req.Header.Set(HeaderAttempt, strconv.Itoa(c.Attempt))
		if c.CorrelationID != "" {
			req.Header.Set(HeaderCorrelationID, c.CorrelationID)
		}
		for k, v := range tracing.InjectHeaders(ctx) {
			req.Header.Set(k, v)
		}
		f.signer.Sign(req, c.Payload)

		start := time.Now()
		resp, err := f.client.Do(req)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, job.Retryable("", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
		if err != nil {
			return nil, job.Retryable("", fmt.Errorf("read response: %w", err))
		}
		span.SetAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.Int64("http.latency_ms", time.Since(start).Milliseconds()),
		)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		kind, retry := job.KindForStatus(resp.StatusCode)
		err = fmt.Errorf("%s returned %d: %s", target, resp.StatusCode, snippet(body))
		tracing.SetSpanError(ctx, err)
		if retry {
			return nil, job.Retryable(kind, err)
		}
		return nil, job.Terminal(kind, err)
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// Registrar accepts handlers by queue name.
type Registrar interface {
	Register(queueName string, h job.Handler) error
}

// Bind registers a forwarding handler for every queue that names a target
// URL, or for every queue when fallback is set, and returns the queues it
// bound.
func Bind(r Registrar, queues []queue.Config, f *Forwarder, fallback string) ([]string, error) {
	var bound []string
	for _, q := range queues {
		target := q.TargetURL
		if target == "" {
			target = fallback
		}
		if target == "" {
			continue
		}
		if err := r.Register(q.Name, f.Handler(target)); err != nil {
			return bound, fmt.Errorf("bind %s: %w", q.Name, err)
		}
		bound = append(bound, q.Name)
		f.logger.Plain().WithQueue(q.Name).WithField("target", target).Info("forwarding handler bound")
	}
	return bound, nil
}
