package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/jobharbor/internal/alert"
	"github.com/austindbirch/jobharbor/internal/config"
	"github.com/austindbirch/jobharbor/internal/logging"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor consumes the alert and dead letter topics, logs what it sees and
// keeps counters for dashboards that do not scrape the engine directly.
type monitor struct {
	logger *logging.Logger
	sink   *alert.LogSink
	topics []string

	alerts          *prometheus.CounterVec
	events          *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(reg prometheus.Registerer, logger *logging.Logger, topics ...string) *monitor {
	m := &monitor{
		logger: logger,
		sink:   alert.NewLogSink(logger),
		topics: topics,
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobharbor_monitor_alerts_total",
			Help: "Alerts received from the engine by rule and severity",
		}, []string{"rule", "severity"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobharbor_monitor_dlq_events_total",
			Help: "Dead letter lifecycle events received by type and queue",
		}, []string{"type", "queue"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobharbor_monitor_malformed_messages_total",
			Help: "Messages that could not be decoded, by topic",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobharbor_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobharbor_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
	reg.MustRegister(m.alerts, m.events, m.malformed, m.channelDepth, m.channelInflight)
	return m
}

// handleAlert is the handler for the alerts topic. Malformed bodies are
// finished rather than requeued.
func (m *monitor) handleAlert(msg *nsq.Message) error {
	var a alert.Alert
	if err := json.Unmarshal(msg.Body, &a); err != nil {
		m.malformed.WithLabelValues("alerts").Inc()
		m.logger.Plain().WithError(err).Warn("Dropping malformed alert")
		return nil
	}
	m.alerts.WithLabelValues(a.Rule, string(a.Severity)).Inc()
	return m.sink.Send(context.Background(), a)
}

// handleEvent is the handler for the dead letter topic.
func (m *monitor) handleEvent(msg *nsq.Message) error {
	var e alert.Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		m.malformed.WithLabelValues("dlq").Inc()
		m.logger.Plain().WithError(err).Warn("Dropping malformed dead letter event")
		return nil
	}
	m.events.WithLabelValues(string(e.Type), e.Queue).Inc()

	entry := m.logger.Plain().WithQueue(e.Queue).WithTenant(e.TenantID).WithJob(e.JobID).
		WithField("event", string(e.Type))
	if e.ItemID != "" {
		entry = entry.WithField("dlq_item", e.ItemID)
	}
	if e.ErrorKind != "" {
		entry = entry.WithField("error_kind", e.ErrorKind)
	}
	if e.Count > 0 {
		entry = entry.WithField("count", e.Count)
	}
	entry.Info("Dead letter event")
	return nil
}

// updateStats polls nsqd and records channel depth for the watched topics.
func (m *monitor) updateStats(ctx context.Context, nsqdHTTPAddr string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if !slices.Contains(m.topics, topic.TopicName) {
			continue
		}
		for _, ch := range topic.Channels {
			m.channelDepth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) pollStats(ctx context.Context, nsqdHTTPAddr string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateStats(ctx, nsqdHTTPAddr); err != nil {
				m.logger.Plain().WithError(err).Warn("Error updating NSQ stats")
			}
		}
	}
}

func consume(cfg config.NSQ, topic string, h nsq.HandlerFunc) (*nsq.Consumer, error) {
	c, err := nsq.NewConsumer(topic, cfg.MonitorChannel, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("consumer for %s: %w", topic, err)
	}
	c.AddHandler(h)
	if err := c.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		return nil, fmt.Errorf("connect %s to nsqd: %w", topic, err)
	}
	if err := c.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
		return nil, fmt.Errorf("connect %s to lookupd: %w", topic, err)
	}
	return c, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jobharbor-alert-monitor")
	port := getEnv("PORT", "8084")
	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1))
	interval, err := time.ParseDuration(getEnv("POLL_INTERVAL", "15s"))
	if err != nil || interval <= 0 {
		interval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newMonitor(prometheus.DefaultRegisterer, logger, cfg.NSQ.AlertsTopic, cfg.NSQ.DLQTopic)

	alertsConsumer, err := consume(cfg.NSQ, cfg.NSQ.AlertsTopic, m.handleAlert)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Alerts consumer failed")
	}
	dlqConsumer, err := consume(cfg.NSQ, cfg.NSQ.DLQTopic, m.handleEvent)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Dead letter consumer failed")
	}

	go m.pollStats(ctx, nsqdHTTP, interval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("Metrics server failed")
		}
	}()
	logger.Plain().WithFields(map[string]any{
		"port":    port,
		"alerts":  cfg.NSQ.AlertsTopic,
		"dlq":     cfg.NSQ.DLQTopic,
		"channel": cfg.NSQ.MonitorChannel,
	}).Info("Alert monitor started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down alert monitor")
	cancel()
	for _, c := range []*nsq.Consumer{alertsConsumer, dlqConsumer} {
		c.Stop()
		<-c.StopChan
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
}
