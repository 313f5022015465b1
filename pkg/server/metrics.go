package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/relay"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime control connections (TLS and WebSocket)
	ActiveConnections atomic.Int64 // current open control connections
	FailedAuths       atomic.Int64
	SuccessfulAuths   atomic.Int64
	TotalDisconnects  atomic.Int64 // authenticated sessions that ended

	// Message counters
	MessagesPosted  atomic.Int64 // chat posts accepted
	PrivateMessages atomic.Int64 // whispers accepted
	Broadcasts      atomic.Int64 // fan-outs of any kind
	Deliveries      atomic.Int64 // callback invocations that succeeded
	DeliveryFailed  atomic.Int64 // callback invocations that failed or timed out

	// Chat counters
	ChatsStarted atomic.Int64
	ChatsStopped atomic.Int64
	Subscribes   atomic.Int64
	Unsubscribes atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	MessagesPosted  int64 `json:"messages_posted"`
	PrivateMessages int64 `json:"private_messages"`
	Broadcasts      int64 `json:"broadcasts"`
	Deliveries      int64 `json:"deliveries"`
	DeliveryFailed  int64 `json:"delivery_failed"`

	ChatsStarted int64 `json:"chats_started"`
	ChatsStopped int64 `json:"chats_stopped"`
	Subscribes   int64 `json:"subscribes"`
	Unsubscribes int64 `json:"unsubscribes"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		MessagesPosted:    m.MessagesPosted.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		Broadcasts:        m.Broadcasts.Load(),
		Deliveries:        m.Deliveries.Load(),
		DeliveryFailed:    m.DeliveryFailed.Load(),
		ChatsStarted:      m.ChatsStarted.Load(),
		ChatsStopped:      m.ChatsStopped.Load(),
		Subscribes:        m.Subscribes.Load(),
		Unsubscribes:      m.Unsubscribes.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"posts", s.MessagesPosted,
		"deliveries", s.Deliveries,
		"delivery_failed", s.DeliveryFailed,
		"chats_started", s.ChatsStarted,
		"chats_stopped", s.ChatsStopped,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}

// recordReport is the relay's OnReport hook.
func (m *Metrics) recordReport(_ string, report relay.DeliveryReport) {
	m.Broadcasts.Add(1)
	m.Deliveries.Add(int64(len(report.Delivered)))
	m.DeliveryFailed.Add(int64(len(report.Failed)))
}

// metricsObserver counts subscription changes.
type metricsObserver struct {
	m *Metrics
}

func (o metricsObserver) OnSubscribe(context.Context, model.User, model.Chat) error {
	o.m.Subscribes.Add(1)
	return nil
}

func (o metricsObserver) OnUnsubscribe(context.Context, model.User, model.Chat) error {
	o.m.Unsubscribes.Add(1)
	return nil
}
