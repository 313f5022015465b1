package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Handler routes /metrics, /healthz and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// StartHTTP starts the HTTP listener in the background. It is closed by
// Shutdown. An empty Config.HTTPAddr disables it.
func (s *Server) StartHTTP() error {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen http: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP error", "err", err)
		}
	}()
	return nil
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP gorelay_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE gorelay_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "gorelay_uptime_seconds %f\n", uptime)

	write("gorelay_sessions_active", "Sessions registered with the relay.", "gauge",
		int64(s.relay.Presence.Count()))
	write("gorelay_connections_active", "Current open control connections.", "gauge",
		m.ActiveConnections.Load())
	write("gorelay_connections_total", "Lifetime control connections accepted.", "counter",
		m.TotalConnections.Load())
	write("gorelay_disconnects_total", "Authenticated sessions that ended.", "counter",
		m.TotalDisconnects.Load())

	write("gorelay_auth_success_total", "Successful authentication attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("gorelay_auth_failed_total", "Failed authentication attempts.", "counter",
		m.FailedAuths.Load())

	write("gorelay_posts_total", "Chat posts accepted.", "counter",
		m.MessagesPosted.Load())
	write("gorelay_whispers_total", "Private messages accepted.", "counter",
		m.PrivateMessages.Load())
	write("gorelay_broadcasts_total", "Fan-outs performed.", "counter",
		m.Broadcasts.Load())
	write("gorelay_deliveries_total", "Callback invocations that succeeded.", "counter",
		m.Deliveries.Load())
	write("gorelay_delivery_failures_total", "Callback invocations that failed or timed out.", "counter",
		m.DeliveryFailed.Load())

	write("gorelay_chats_started_total", "Chats started.", "counter",
		m.ChatsStarted.Load())
	write("gorelay_chats_stopped_total", "Chats ended, explicitly or automatically.", "counter",
		m.ChatsStopped.Load())
	write("gorelay_subscribes_total", "Subscriptions created.", "counter",
		m.Subscribes.Load())
	write("gorelay_unsubscribes_total", "Subscriptions removed.", "counter",
		m.Unsubscribes.Load())
}
