package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/jobharbor/internal/logging"
)

// LogSink writes alerts as structured log lines.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, a Alert) error {
	entry := s.logger.WithContext(ctx).WithFields(map[string]any{
		"rule":     a.Rule,
		"severity": string(a.Severity),
		"value":    a.Value,
	})
	if a.Queue != "" {
		entry = entry.WithQueue(a.Queue)
	}
	if a.Dependency != "" {
		entry = entry.WithField("dependency", a.Dependency)
	}
	if a.TenantID != "" {
		entry = entry.WithTenant(a.TenantID)
	}
	if a.Severity == SeverityCritical {
		entry.Error(a.Message)
	} else {
		entry.Warn(a.Message)
	}
	return nil
}

// Publisher is the subset of *nsq.Producer the NSQ sink needs.
type Publisher interface {
	Publish(topic string, body []byte) error
}

var _ Publisher = (*nsq.Producer)(nil)

// NSQSink publishes alerts and dead letter events as JSON messages.
type NSQSink struct {
	pub         Publisher
	alertsTopic string
	eventsTopic string
}

func NewNSQSink(pub Publisher, alertsTopic, eventsTopic string) *NSQSink {
	return &NSQSink{pub: pub, alertsTopic: alertsTopic, eventsTopic: eventsTopic}
}

// DialNSQ connects a producer to nsqd and verifies it with a ping.
func DialNSQ(addr string) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", addr, err)
	}
	return prod, nil
}

func (s *NSQSink) Send(_ context.Context, a Alert) error {
	if s.alertsTopic == "" {
		return nil
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.alertsTopic, body)
}

func (s *NSQSink) SendEvent(_ context.Context, e Event) error {
	if s.eventsTopic == "" {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.eventsTopic, body)
}
