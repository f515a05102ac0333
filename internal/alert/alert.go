// Package alert evaluates queue thresholds, breaker transitions and dead
// letter arrivals and fans the resulting alerts out to sinks.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/jobharbor/internal/breaker"
	"github.com/austindbirch/jobharbor/internal/dlq"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/metrics"
	"github.com/austindbirch/jobharbor/internal/queue"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule names.
const (
	RuleDepth       = "queue_depth"
	RuleErrorRate   = "error_rate"
	RuleOldestAge   = "oldest_waiting"
	RuleBreakerOpen = "breaker_open"
	RulePanic       = "breaker_panic"
	RuleDeadLetter  = "dead_letter"
)

// MinErrorSamples is the number of finished executions an interval needs
// before its error rate is judged.
const MinErrorSamples = 10

type Alert struct {
	Rule       string    `json:"rule"`
	Severity   Severity  `json:"severity"`
	Queue      string    `json:"queue,omitempty"`
	Dependency string    `json:"dependency,omitempty"`
	TenantID   string    `json:"tenantId,omitempty"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold,omitempty"`
	At         time.Time `json:"at"`
}

// Event is a dead letter lifecycle event forwarded to event sinks.
type Event struct {
	Type      dlq.EventType `json:"type"`
	ItemID    string        `json:"itemId,omitempty"`
	Queue     string        `json:"queue,omitempty"`
	TenantID  string        `json:"tenantId,omitempty"`
	JobID     string        `json:"jobId,omitempty"`
	ErrorKind string        `json:"errorKind,omitempty"`
	Message   string        `json:"message,omitempty"`
	Count     int           `json:"count,omitempty"`
	At        time.Time     `json:"at"`
}

type Sink interface {
	Send(ctx context.Context, a Alert) error
}

type EventSink interface {
	SendEvent(ctx context.Context, e Event) error
}

// SnapshotSource is satisfied by *metrics.Sampler.
type SnapshotSource interface {
	Snapshot(queue string) (metrics.Snapshot, bool)
}

type counters struct{ succeeded, errored int64 }

// Evaluator is edge triggered: a threshold alert fires once when it starts
// failing and again only after it has cleared.
type Evaluator struct {
	queues   *queue.Registry
	source   SnapshotSource
	sinks    []Sink
	events   []EventSink
	now      func() time.Time
	logger   *logging.Logger

	mu     sync.Mutex
	prev   map[string]counters
	firing map[string]bool
}

func NewEvaluator(queues *queue.Registry, source SnapshotSource, now func() time.Time, logger *logging.Logger) *Evaluator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Evaluator{
		queues: queues,
		source: source,
		now:    now,
		logger: logger,
		prev:   make(map[string]counters),
		firing: make(map[string]bool),
	}
}

// AddSink registers an alert sink. Register before Run.
func (e *Evaluator) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// AddEventSink registers a dead letter event sink. Register before Run.
func (e *Evaluator) AddEventSink(s EventSink) {
	e.events = append(e.events, s)
}

// EvaluateOnce checks every queue threshold and returns the alerts that
// started firing.
func (e *Evaluator) EvaluateOnce(ctx context.Context) []Alert {
	now := e.now()
	var fired []Alert
	for _, cfg := range e.queues.All() {
		snap, ok := e.source.Snapshot(cfg.Name)
		if !ok {
			continue
		}
		th := cfg.Alerts

		depth := snap.Waiting + snap.Delayed
		if e.edge(RuleDepth, cfg.Name, th.MaxDepth > 0 && depth > th.MaxDepth) {
			fired = append(fired, Alert{
				Rule:      RuleDepth,
				Severity:  SeverityWarning,
				Queue:     cfg.Name,
				Message:   fmt.Sprintf("queue %s depth %d exceeds %d", cfg.Name, depth, th.MaxDepth),
				Value:     float64(depth),
				Threshold: float64(th.MaxDepth),
				At:        now,
			})
		}

		rate, judged := e.errorRate(cfg.Name, snap)
		if judged && e.edge(RuleErrorRate, cfg.Name, th.MaxErrorRate > 0 && rate > th.MaxErrorRate) {
			fired = append(fired, Alert{
				Rule:      RuleErrorRate,
				Severity:  SeverityWarning,
				Queue:     cfg.Name,
				Message:   fmt.Sprintf("queue %s error rate %.2f exceeds %.2f", cfg.Name, rate, th.MaxErrorRate),
				Value:     rate,
				Threshold: th.MaxErrorRate,
				At:        now,
			})
		}

		if e.edge(RuleOldestAge, cfg.Name, th.MaxOldestAge > 0 && snap.OldestWaiting > th.MaxOldestAge) {
			fired = append(fired, Alert{
				Rule:      RuleOldestAge,
				Severity:  SeverityWarning,
				Queue:     cfg.Name,
				Message:   fmt.Sprintf("queue %s oldest waiting job is %s old", cfg.Name, snap.OldestWaiting.Round(time.Second)),
				Value:     snap.OldestWaiting.Seconds(),
				Threshold: th.MaxOldestAge.Seconds(),
				At:        now,
			})
		}
	}
	for _, a := range fired {
		e.dispatch(ctx, a)
	}
	return fired
}

// errorRate returns the error fraction since the previous evaluation. It
// reports false while the interval has too few samples to judge, leaving
// the rule's firing state untouched.
func (e *Evaluator) errorRate(queueName string, snap metrics.Snapshot) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.prev[queueName]
	ds, de := snap.Succeeded-p.succeeded, snap.Errored-p.errored
	if ds+de < MinErrorSamples {
		return 0, false
	}
	e.prev[queueName] = counters{succeeded: snap.Succeeded, errored: snap.Errored}
	return float64(de) / float64(ds+de), true
}

func (e *Evaluator) edge(rule, subject string, failing bool) bool {
	key := rule + "|" + subject
	e.mu.Lock()
	defer e.mu.Unlock()
	was := e.firing[key]
	e.firing[key] = failing
	return failing && !was
}

// BreakerTransition raises an alert when a breaker opens or enters panic.
// Wire it with breaker.Registry.OnTransition.
func (e *Evaluator) BreakerTransition(t breaker.Transition) {
	var a Alert
	switch t.To {
	case breaker.StateOpen:
		if t.From == breaker.StateHalfOpen {
			return
		}
		a = Alert{Rule: RuleBreakerOpen, Severity: SeverityWarning, Message: fmt.Sprintf("dependency %s circuit opened", t.Dependency)}
	case breaker.StatePanic:
		a = Alert{Rule: RulePanic, Severity: SeverityCritical, Message: fmt.Sprintf("dependency %s in panic mode, new work rejected", t.Dependency)}
		if t.Actor != "" {
			a.Message += " (forced by " + t.Actor + ")"
		}
	default:
		return
	}
	a.Dependency = t.Dependency
	a.At = t.At
	if a.At.IsZero() {
		a.At = e.now()
	}
	e.dispatch(context.Background(), a)
}

// DeadLetterEvent forwards dlq events to event sinks and raises an alert for
// every new dead letter. Wire it with dlq.Manager.OnEvent.
func (e *Evaluator) DeadLetterEvent(ev dlq.Event) {
	ctx := context.Background()
	out := Event{Type: ev.Type, Count: ev.Count, At: e.now()}
	if it := ev.Item; it != nil {
		out.ItemID = it.ID
		out.Queue = it.OriginalQueue
		out.TenantID = it.TenantID
		out.JobID = it.OriginalJobID
		out.ErrorKind = it.ErrorKind
		out.Message = it.ErrorMessage
	}
	for _, s := range e.events {
		if err := s.SendEvent(ctx, out); err != nil {
			e.logger.Plain().WithQueue(out.Queue).WithError(err).Warn("dead letter event publish failed")
		}
	}
	if ev.Type != dlq.EventDeadLettered || ev.Item == nil {
		return
	}
	e.dispatch(ctx, Alert{
		Rule:     RuleDeadLetter,
		Severity: SeverityWarning,
		Queue:    out.Queue,
		TenantID: out.TenantID,
		Message:  fmt.Sprintf("job %s dead lettered after %d attempts: %s", out.JobID, ev.Item.AttemptsMade, out.Message),
		Value:    float64(ev.Item.AttemptsMade),
		At:       out.At,
	})
}

func (e *Evaluator) dispatch(ctx context.Context, a Alert) {
	metrics.RecordAlert(a.Rule)
	for _, s := range e.sinks {
		if err := s.Send(ctx, a); err != nil {
			e.logger.Plain().WithField("rule", a.Rule).WithError(err).Warn("alert sink failed")
		}
	}
}

// Run evaluates thresholds every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.EvaluateOnce(ctx)
		}
	}
}
