package server

import (
	"context"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/model"
	pb "github.com/NicolasHaas/gorelay/pkg/protocol/pb"
	"github.com/NicolasHaas/gorelay/pkg/relay"
)

// subscriptionFeed pushes subscription_event frames to the connected members
// of a chat and to every session of the user whose subscription changed.
type subscriptionFeed struct {
	srv *Server
}

var _ relay.SubscriptionObserver = (*subscriptionFeed)(nil)

func (f *subscriptionFeed) OnSubscribe(ctx context.Context, user model.User, chat model.Chat) error {
	return f.push(ctx, user, chat, true)
}

func (f *subscriptionFeed) OnUnsubscribe(ctx context.Context, user model.User, chat model.Chat) error {
	return f.push(ctx, user, chat, false)
}

func (f *subscriptionFeed) push(ctx context.Context, user model.User, chat model.Chat, subscribed bool) error {
	members, err := f.srv.relay.Members(ctx, chat.ID)
	if err != nil {
		return err
	}
	own := lo.Filter(f.srv.relay.Presence.Snapshot(), func(m relay.Member, _ int) bool {
		return m.UserID == user.ID
	})
	targets := lo.Uniq(lo.Map(append(members, own...), func(m relay.Member, _ int) string {
		return m.SessionID
	}))

	msg := &pb.ControlMessage{SubscriptionEvent: &pb.SubscriptionEvent{
		UserID:     user.ID,
		Nickname:   user.DisplayName(),
		ChatID:     chat.ID,
		Subscribed: subscribed,
	}}
	for _, sid := range targets {
		cc, ok := f.srv.conn(sid)
		if !ok {
			continue
		}
		if err := cc.send(ctx, msg); err != nil {
			f.srv.logger.Debug("subscription event not delivered", "session", sid, "err", err)
		}
	}
	return nil
}

// chatEnded pushes a chat_ended frame to the connected subscribers of chat.
func (s *Server) chatEnded(ctx context.Context, chat model.Chat) {
	s.metrics.ChatsStopped.Add(1)
	members, err := s.relay.Members(ctx, chat.ID)
	if err != nil {
		s.logger.Warn("chat ended: list members", "chat", chat.ID, "err", err)
		return
	}
	info := chatInfo(chat, true)
	for _, m := range members {
		if cc, ok := s.conn(m.SessionID); ok {
			_ = cc.send(ctx, &pb.ControlMessage{ChatEnded: &info})
		}
	}
}
