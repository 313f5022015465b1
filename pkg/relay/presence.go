package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// Member is one connected session as seen in a presence snapshot.
type Member struct {
	model.Identity
	Callback ClientCallback
}

// Presence tracks connected sessions and their callbacks.
type Presence struct {
	mu        sync.RWMutex
	members   map[string]*presenceEntry // sessionID -> entry
	seq       uint64
	listeners []PresenceListener
	logger    *slog.Logger
}

type presenceEntry struct {
	seq    uint64
	member Member
	guard  *guardedCallback
}

// NewPresence creates an empty registry.
func NewPresence(logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		members: make(map[string]*presenceEntry),
		logger:  logger,
	}
}

// AddListener registers l for join/leave notifications.
func (p *Presence) AddListener(l PresenceListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Join registers a session. The callback is wrapped so that it stops reaching
// the client as soon as the session leaves.
func (p *Presence) Join(ctx context.Context, who model.Identity, cb ClientCallback) error {
	if who.SessionID == "" || cb == nil {
		return fmt.Errorf("relay: join: session id and callback are required: %w", ErrInvalidMessage)
	}

	p.mu.Lock()
	if _, exists := p.members[who.SessionID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("relay: join %s: %w", who.SessionID, ErrDuplicateSession)
	}
	p.seq++
	guard := &guardedCallback{inner: cb}
	p.members[who.SessionID] = &presenceEntry{
		seq:    p.seq,
		member: Member{Identity: who, Callback: guard},
		guard:  guard,
	}
	listeners := append([]PresenceListener(nil), p.listeners...)
	p.mu.Unlock()

	p.logger.Info("session joined", "session", who.SessionID, "nickname", who.Nickname, "user", who.UserID)
	for _, l := range listeners {
		l.OnJoin(ctx, who)
	}
	return nil
}

// Leave removes a session. Leaving twice returns ErrNotFound and changes nothing.
func (p *Presence) Leave(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	e, ok := p.members[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("relay: leave %s: %w", sessionID, ErrNotFound)
	}
	e.guard.gone.Store(true)
	delete(p.members, sessionID)
	listeners := append([]PresenceListener(nil), p.listeners...)
	p.mu.Unlock()

	who := e.member.Identity
	p.logger.Info("session left", "session", sessionID, "nickname", who.Nickname, "user", who.UserID)
	for _, l := range listeners {
		l.OnLeave(ctx, who)
	}
	return nil
}

// Lookup returns the member registered under sessionID.
func (p *Presence) Lookup(sessionID string) (Member, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.members[sessionID]
	if !ok {
		return Member{}, false
	}
	return e.member, true
}

// Snapshot returns all members in join order (snapshot).
func (p *Presence) Snapshot() []Member {
	p.mu.RLock()
	entries := make([]*presenceEntry, 0, len(p.members))
	for _, e := range p.members {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return lo.Map(entries, func(e *presenceEntry, _ int) Member {
		return e.member
	})
}

// ByNickname returns every member using nickname, in join order.
func (p *Presence) ByNickname(nickname string) []Member {
	return lo.Filter(p.Snapshot(), func(m Member, _ int) bool {
		return m.Nickname == nickname
	})
}

// ByUser returns every member logged in as userID, in join order.
func (p *Presence) ByUser(userID int64) []Member {
	return lo.Filter(p.Snapshot(), func(m Member, _ int) bool {
		return m.UserID == userID
	})
}

// Rename changes the nickname of every session of userID and returns how many
// sessions were renamed.
func (p *Presence) Rename(userID int64, nickname string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.members {
		if e.member.UserID == userID {
			e.member.Nickname = nickname
			n++
		}
	}
	return n
}

// Count returns the number of connected sessions.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// guardedCallback rejects every call once its session has left.
type guardedCallback struct {
	inner ClientCallback
	gone  atomic.Bool
}

func (g *guardedCallback) ReceiveMessage(ctx context.Context, text string) error {
	if g.gone.Load() {
		return ErrSessionGone
	}
	return g.inner.ReceiveMessage(ctx, text)
}

func (g *guardedCallback) UserJoined(ctx context.Context, nickname string) error {
	if g.gone.Load() {
		return ErrSessionGone
	}
	return g.inner.UserJoined(ctx, nickname)
}

func (g *guardedCallback) UserLeft(ctx context.Context, nickname string) error {
	if g.gone.Load() {
		return ErrSessionGone
	}
	return g.inner.UserLeft(ctx, nickname)
}
