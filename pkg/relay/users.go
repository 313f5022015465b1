package relay

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// ProfileUpdate lists the profile fields to change. Nil fields keep their
// stored value; an empty Nickname falls back to the username.
type ProfileUpdate struct {
	Nickname     *string
	AvatarPath   *string
	PasswordHash *string
}

// UpdateProfile changes the profile of the session's user. A new nickname is
// applied to every connected session of that user right away.
func (r *Relay) UpdateProfile(ctx context.Context, sessionID string, upd ProfileUpdate) (model.User, error) {
	sender, err := r.session("update profile", sessionID)
	if err != nil {
		return model.User{}, err
	}

	user, err := r.store.GetUserByID(ctx, sender.UserID)
	if err != nil {
		return model.User{}, persistenceErr("update profile", err)
	}
	if user == nil {
		return model.User{}, fmt.Errorf("relay: update profile: user %d: %w", sender.UserID, ErrNotFound)
	}

	user.Nickname = lo.FromPtrOr(upd.Nickname, user.Nickname)
	user.AvatarPath = lo.FromPtrOr(upd.AvatarPath, user.AvatarPath)
	user.PasswordHash = lo.FromPtrOr(upd.PasswordHash, user.PasswordHash)
	if err := user.Validate(); err != nil {
		return model.User{}, fmt.Errorf("relay: update profile: %w: %w", ErrInvalidMessage, err)
	}

	updated, err := r.store.UpdateUser(ctx, user)
	if err != nil {
		return model.User{}, persistenceErr("update profile", err)
	}
	if !updated {
		return model.User{}, fmt.Errorf("relay: update profile: user %d: %w", user.ID, ErrNotFound)
	}

	if upd.Nickname != nil {
		renamed := r.Presence.Rename(user.ID, user.DisplayName())
		r.logger.InfoContext(ctx, "nickname changed", "user", user.ID, "nickname", user.DisplayName(), "sessions", renamed)
	}
	return *user, nil
}

// DeleteUser disconnects every session of the user and then removes the user
// and its subscriptions. Sessions leave first, so chats the user was keeping
// alive are auto-stopped with their subscribers still known. It returns the IDs
// of the sessions that were disconnected.
func (r *Relay) DeleteUser(ctx context.Context, userID int64) ([]string, error) {
	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, persistenceErr("delete user", err)
	}
	if user == nil {
		return nil, fmt.Errorf("relay: delete user %d: %w", userID, ErrNotFound)
	}

	var gone []string
	for _, m := range r.Presence.ByUser(userID) {
		if err := r.Presence.Leave(ctx, m.SessionID); err != nil {
			// Disconnected concurrently.
			continue
		}
		gone = append(gone, m.SessionID)
	}

	deleted, err := r.store.DeleteUser(ctx, userID)
	if err != nil {
		return gone, persistenceErr("delete user", err)
	}
	if !deleted {
		return gone, fmt.Errorf("relay: delete user %d: %w", userID, ErrNotFound)
	}
	r.logger.InfoContext(ctx, "user deleted", "user", userID, "username", user.Username, "sessions", len(gone))
	return gone, nil
}

// Users lists every registered user.
func (r *Relay) Users(ctx context.Context) ([]model.User, error) {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, persistenceErr("list users", err)
	}
	return users, nil
}
