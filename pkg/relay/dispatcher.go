package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

const (
	DefaultDeliveryTimeout = 2 * time.Second
	DefaultDeliveryWorkers = 16
)

// DeliveryFailure records one recipient that did not get a message.
type DeliveryFailure struct {
	SessionID string
	Nickname  string
	Err       error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver to %s (%s): %v", f.SessionID, f.Nickname, f.Err)
}

func (f DeliveryFailure) Unwrap() error {
	return f.Err
}

// DeliveryReport is the outcome of one fan-out.
type DeliveryReport struct {
	Delivered []string
	Failed    []DeliveryFailure
}

// Attempted returns how many callbacks were invoked.
func (r DeliveryReport) Attempted() int {
	return len(r.Delivered) + len(r.Failed)
}

// OK reports whether every attempted delivery succeeded.
func (r DeliveryReport) OK() bool {
	return len(r.Failed) == 0
}

// Delivery kinds passed to DispatcherConfig.OnReport.
const (
	KindBroadcast = "broadcast"
	KindPrivate   = "private"
	KindJoined    = "joined"
	KindLeft      = "left"
)

type DispatcherConfig struct {
	// Timeout bounds each single callback invocation.
	Timeout time.Duration
	// Workers bounds how many callbacks run at once for one fan-out.
	Workers int
	// OnReport, if set, sees every fan-out result.
	OnReport func(kind string, report DeliveryReport)
	// PresenceLines also sends a "<nick> has joined the chat." style text
	// line along with each join and leave event.
	PresenceLines bool
}

// Dispatcher fans messages out to the sessions held by a Presence registry.
// Each recipient is isolated: a failing, slow or panicking callback only shows
// up as a DeliveryFailure in the report.
type Dispatcher struct {
	presence *Presence
	cfg      DispatcherConfig
	logger   *slog.Logger
}

func NewDispatcher(presence *Presence, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDeliveryTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultDeliveryWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{presence: presence, cfg: cfg, logger: logger}
}

type broadcastConfig struct {
	exclude map[string]struct{}
	users   map[int64]struct{}
}

// BroadcastOption narrows the recipients of a Broadcast.
type BroadcastOption func(*broadcastConfig)

// Excluding skips the given sessions.
func Excluding(sessionIDs ...string) BroadcastOption {
	return func(c *broadcastConfig) {
		if c.exclude == nil {
			c.exclude = make(map[string]struct{}, len(sessionIDs))
		}
		for _, id := range sessionIDs {
			c.exclude[id] = struct{}{}
		}
	}
}

// ToUsers restricts delivery to sessions of the given users. An empty set
// reaches nobody.
func ToUsers(userIDs ...int64) BroadcastOption {
	return func(c *broadcastConfig) {
		c.users = make(map[int64]struct{}, len(userIDs))
		for _, id := range userIDs {
			c.users[id] = struct{}{}
		}
	}
}

// Broadcast delivers text to every connected session matching opts, using a
// single snapshot of the registry.
func (d *Dispatcher) Broadcast(ctx context.Context, text string, opts ...BroadcastOption) DeliveryReport {
	var cfg broadcastConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	targets := lo.Filter(d.presence.Snapshot(), func(m Member, _ int) bool {
		if _, skip := cfg.exclude[m.SessionID]; skip {
			return false
		}
		if cfg.users != nil {
			_, ok := cfg.users[m.UserID]
			return ok
		}
		return true
	})

	return d.deliver(ctx, KindBroadcast, targets, func(ctx context.Context, cb ClientCallback) error {
		return cb.ReceiveMessage(ctx, text)
	})
}

// SendPrivate delivers text to every session using recipientNickname except
// the sender's own. Without a recipient it returns ErrRecipientOffline and
// invokes nothing.
func (d *Dispatcher) SendPrivate(ctx context.Context, fromSession, recipientNickname, text string) (DeliveryReport, error) {
	targets := lo.Filter(d.presence.ByNickname(recipientNickname), func(m Member, _ int) bool {
		return m.SessionID != fromSession
	})
	if len(targets) == 0 {
		return DeliveryReport{}, fmt.Errorf("relay: private message to %q: %w", recipientNickname, ErrRecipientOffline)
	}

	return d.deliver(ctx, KindPrivate, targets, func(ctx context.Context, cb ClientCallback) error {
		return cb.ReceiveMessage(ctx, text)
	}), nil
}

// NotifyJoined tells every other session that who joined.
func (d *Dispatcher) NotifyJoined(ctx context.Context, who model.Identity) DeliveryReport {
	return d.deliver(ctx, KindJoined, d.others(who.SessionID), func(ctx context.Context, cb ClientCallback) error {
		if err := cb.UserJoined(ctx, who.Nickname); err != nil {
			return err
		}
		if d.cfg.PresenceLines {
			return cb.ReceiveMessage(ctx, JoinedLine(who.Nickname))
		}
		return nil
	})
}

// NotifyLeft tells every other session that who left.
func (d *Dispatcher) NotifyLeft(ctx context.Context, who model.Identity) DeliveryReport {
	return d.deliver(ctx, KindLeft, d.others(who.SessionID), func(ctx context.Context, cb ClientCallback) error {
		if err := cb.UserLeft(ctx, who.Nickname); err != nil {
			return err
		}
		if d.cfg.PresenceLines {
			return cb.ReceiveMessage(ctx, LeftLine(who.Nickname))
		}
		return nil
	})
}

func (d *Dispatcher) OnJoin(ctx context.Context, who model.Identity) {
	d.NotifyJoined(ctx, who)
}

func (d *Dispatcher) OnLeave(ctx context.Context, who model.Identity) {
	d.NotifyLeft(ctx, who)
}

func (d *Dispatcher) others(sessionID string) []Member {
	return lo.Filter(d.presence.Snapshot(), func(m Member, _ int) bool {
		return m.SessionID != sessionID
	})
}

func (d *Dispatcher) deliver(ctx context.Context, kind string, targets []Member, call func(context.Context, ClientCallback) error) DeliveryReport {
	results := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, m := range targets {
		g.Go(func() error {
			results[i] = d.invoke(ctx, m, call)
			return nil
		})
	}
	_ = g.Wait()

	var report DeliveryReport
	for i, m := range targets {
		if results[i] == nil {
			report.Delivered = append(report.Delivered, m.SessionID)
			continue
		}
		d.logger.Warn("delivery failed", "kind", kind, "session", m.SessionID, "nickname", m.Nickname, "err", results[i])
		report.Failed = append(report.Failed, DeliveryFailure{
			SessionID: m.SessionID,
			Nickname:  m.Nickname,
			Err:       results[i],
		})
	}

	if d.cfg.OnReport != nil {
		d.cfg.OnReport(kind, report)
	}
	return report
}

// invoke runs one callback in its own goroutine and stops waiting at the
// deadline whether or not the callback honors its context.
func (d *Dispatcher) invoke(ctx context.Context, m Member, call func(context.Context, ClientCallback) error) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: callback panic: %v", ErrDeliveryFailure, r)
			}
		}()
		done <- call(cctx, m.Callback)
	}()

	select {
	case err := <-done:
		return deliveryErr(err)
	case <-cctx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrDeliveryFailure, ctx.Err())
		}
		return ErrDeliveryTimeout
	}
}

func deliveryErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeliveryFailure):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrDeliveryTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
}
