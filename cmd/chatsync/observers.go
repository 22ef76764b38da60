package main

import (
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// roomObservers logs everything a subscription delivers.
func roomObservers(logger *slog.Logger) chat.RoomObservers {
	return chat.RoomObservers{
		Messages: chat.MessageFunc(func(msg *chat.Message) {
			attrs := []any{
				slog.Int64("message_id", msg.ID),
				slog.String("sender_id", msg.Sender.ID()),
				slog.String("sender", msg.Sender.Name()),
				slog.String("text", msg.Text),
			}
			if msg.Attachment != nil {
				attrs = append(attrs, slog.String("attachment", string(msg.Attachment.Kind)))
			}

			logger.Info("message", attrs...)
		}),
		Membership: chat.MembershipFuncs{
			Joined: func(_ *chat.Room, user *chat.User) {
				logger.Info("user joined", slog.String("user_id", user.ID()))
			},
			Left: func(_ *chat.Room, user *chat.User) {
				logger.Info("user left", slog.String("user_id", user.ID()))
			},
		},
		Errors: chat.ErrorFunc(func(err error) {
			logger.Warn("subscription error", slog.String("error", err.Error()))
		}),
	}
}

func presenceLogger(logger *slog.Logger) chat.PresenceObserver {
	return chat.PresenceFunc(func(user *chat.User, previous, current models.PresenceState) {
		logger.Info("presence changed",
			slog.String("user_id", user.ID()),
			slog.String("from", previous.String()),
			slog.String("to", current.String()),
		)
	})
}

func typingLogger(logger *slog.Logger) chat.TypingObserver {
	return chat.TypingFuncs{
		Started: func(room *chat.Room, user *chat.User) {
			logger.Debug("typing started", slog.String("room_id", room.ID()), slog.String("user_id", user.ID()))
		},
		Stopped: func(room *chat.Room, user *chat.User) {
			logger.Debug("typing stopped", slog.String("room_id", room.ID()), slog.String("user_id", user.ID()))
		},
	}
}

// following records the rooms runChat subscribed to, for the health
// endpoint.
type following struct {
	mu  sync.Mutex
	ids []string
}

func newFollowing() *following {
	return &following{}
}

func (f *following) add(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ids = append(f.ids, roomID)
}

func (f *following) status(session *chat.Session) func() map[string]string {
	return func() map[string]string {
		f.mu.Lock()
		ids := append([]string(nil), f.ids...)
		f.mu.Unlock()

		out := make(map[string]string, len(ids))

		for _, id := range ids {
			out[id] = chat.StateUnsubscribed.String()
			if sub, ok := session.Subscription(id); ok {
				out[id] = sub.State().String()
			}
		}

		return out
	}
}
