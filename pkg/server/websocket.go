package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// originPolicy decides which browser origins may open /ws. Requests without
// an Origin header come from non-browser clients and are always accepted.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(list string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, origin := range strings.Split(list, ",") {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			p.allowAll = true
		default:
			if norm, ok := normalizeOrigin(trimmed); ok {
				p.allowed[norm] = struct{}{}
			}
		}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	if len(p.allowed) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	norm, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[norm]
	return exists
}

// handleWebSocket upgrades the request and runs the same session loop as the
// TLS control listener over JSON text frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	policy := newOriginPolicy(s.cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if policy.check(r) {
				return true
			}
			s.logger.Warn("blocked websocket from disallowed origin", "origin", r.Header.Get("Origin"))
			return false
		},
	}

	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serveConn(newWSConn(conn))
}
