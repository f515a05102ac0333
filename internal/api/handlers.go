package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/jobharbor/internal/dispatcher"
	"github.com/austindbirch/jobharbor/internal/dlq"
	"github.com/austindbirch/jobharbor/internal/idempotency"
	"github.com/austindbirch/jobharbor/internal/job"
)

type enqueueBody struct {
	QueueName        string            `json:"queueName"`
	TenantID         string            `json:"tenantId"`
	IdempotencyKey   string            `json:"idempotencyKey,omitempty"`
	Payload          json.RawMessage   `json:"payload"`
	OrderingEntityID string            `json:"orderingEntityId,omitempty"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	Delay            string            `json:"delay,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

type outcomeView struct {
	JobID     string             `json:"jobId,omitempty"`
	Status    dispatcher.Status  `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	QueueOnly bool               `json:"queueOnly,omitempty"`
	Result    any                `json:"result,omitempty"`
	Recorded  idempotency.Status `json:"recorded,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type jobView struct {
	*job.Envelope
	Payload any `json:"payload"`
}

type recordView struct {
	*idempotency.Record
	Result any `json:"result,omitempty"`
}

type deadLetterView struct {
	*dlq.Item
	Payload any `json:"payload"`
}

// raw renders stored bytes inline when they are JSON and as a string
// otherwise.
func raw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: body over %d bytes", dispatcher.ErrPayloadTooLarge, tooLarge.Limit)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body enqueueBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.TenantID == "" {
		if c := caller(r); c != nil {
			body.TenantID = c.TenantID
		}
	}
	if body.TenantID != "" && !s.canActFor(r, body.TenantID) {
		s.writeError(w, r, errForbidden)
		return
	}
	var delay time.Duration
	if body.Delay != "" {
		d, err := time.ParseDuration(body.Delay)
		if err != nil || d < 0 {
			s.writeError(w, r, fmt.Errorf("%w: delay %q", errBadBody, body.Delay))
			return
		}
		delay = d
	}

	out, err := s.engine.Enqueue(r.Context(), dispatcher.Request{
		QueueName:        body.QueueName,
		TenantID:         body.TenantID,
		IdempotencyKey:   body.IdempotencyKey,
		Payload:          body.Payload,
		OrderingEntityID: body.OrderingEntityID,
		CorrelationID:    body.CorrelationID,
		Delay:            delay,
		Tags:             body.Tags,
	})
	view := outcomeView{
		JobID:     out.JobID,
		Status:    out.Status,
		Reason:    out.Reason,
		QueueOnly: out.QueueOnly,
		Result:    raw(out.Result),
		Recorded:  out.Recorded,
	}
	if err != nil {
		if view.Status == "" {
			view.Status = dispatcher.StatusRejected
		}
		view.Error = err.Error()
		writeJSON(w, statusFor(err), view)
		return
	}
	code := http.StatusAccepted
	if out.Status == dispatcher.StatusDuplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, view)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, p map[string]string) {
	env, err := s.engine.Dispatcher().Job(r.Context(), p["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// other tenants' jobs are reported as missing
	if !s.canActFor(r, env.TenantID) {
		s.writeError(w, r, job.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobView{Envelope: env, Payload: raw(env.Payload)})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request, p map[string]string) {
	tenant := p["tenant"]
	if !s.canActFor(r, tenant) {
		s.writeError(w, r, errForbidden)
		return
	}
	rec, err := s.engine.Dispatcher().Lookup(r.Context(), tenant, p["key"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordView{Record: rec, Result: raw(rec.Result)})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request, p map[string]string) {
	stats, err := s.engine.Stats(r.Context(), p["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	f := dlq.Filter{
		Queue:  q.Get("queue"),
		Status: dlq.Status(q.Get("status")),
		Tenant: q.Get("tenant"),
	}
	switch f.Status {
	case "", dlq.StatusPending, dlq.StatusRetried, dlq.StatusDiscarded:
	default:
		s.writeError(w, r, fmt.Errorf("%w: status %q", errBadBody, f.Status))
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit %q", errBadBody, l))
			return
		}
		f.Limit = n
	}
	items, err := s.engine.DeadLetters().List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]deadLetterView, 0, len(items))
	for _, it := range items {
		views = append(views, deadLetterView{Item: it, Payload: raw(it.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "count": len(views)})
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request, p map[string]string) {
	it, err := s.engine.DeadLetters().Get(r.Context(), p["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterView{Item: it, Payload: raw(it.Payload)})
}

type resolveBody struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) retryDeadLetter(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body resolveBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	jobID, err := s.engine.DeadLetters().Retry(r.Context(), p["id"], actor(r, body.Actor))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": p["id"], "status": string(dlq.StatusRetried), "jobId": jobID})
}

func (s *Server) discardDeadLetter(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body resolveBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.DeadLetters().Discard(r.Context(), p["id"], actor(r, body.Actor), body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": p["id"], "status": string(dlq.StatusDiscarded)})
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.engine.Breakers()})
}

type panicBody struct {
	Enable bool   `json:"enable"`
	Actor  string `json:"actor"`
}

func (s *Server) setPanic(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body panicBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.SetPanic(p["dependency"], body.Enable, actor(r, body.Actor))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
