package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=feed.go -destination=mock_feed_test.go -package=chat

// EventType names a push feed event.
type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventPresenceUpdate EventType = "presence_update"
	EventTypingSignal   EventType = "is_typing"

	// eventHeartbeat frames keep the connection alive and carry no data.
	eventHeartbeat EventType = "heartbeat"
)

// feedReadLimit caps a single feed frame. Events are small JSON
// envelopes; messages with attachments carry only links.
const feedReadLimit = 1024 * 1024

// RawEvent is one undecoded event from a push feed.
type RawEvent struct {
	Type       EventType
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Feed is a live stream of events for one room. Next blocks until an
// event arrives, ctx ends, or the feed fails. Close is safe to call more
// than once.
type Feed interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// FeedDialer opens push feeds. initialBatch asks the service to replay up
// to that many recent messages at the head of the feed.
type FeedDialer interface {
	Subscribe(ctx context.Context, path string, initialBatch int) (Feed, error)
}

// wsConn abstracts the WebSocket connection so the feed can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// WSDialer opens push feeds over WebSocket.
type WSDialer struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWSDialer creates a dialer for feedURL (ws:// or wss://). An
// http(s):// URL is converted to the matching ws scheme.
func NewWSDialer(feedURL, token string, logger *slog.Logger) *WSDialer {
	base := strings.TrimRight(feedURL, "/")

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	return &WSDialer{baseURL: base, token: token, logger: logger}
}

// Subscribe dials the feed at path. Dial failures are *TransportError,
// retryable for network errors and transient statuses.
func (d *WSDialer) Subscribe(ctx context.Context, path string, initialBatch int) (Feed, error) {
	target := d.baseURL + path + "?" + url.Values{
		"message_limit": {strconv.Itoa(max(initialBatch, 0))},
	}.Encode()

	d.logger.Debug("dialing feed", slog.String("url", target))

	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		return nil, &TransportError{
			Op:        "dial " + path,
			Status:    status,
			Retryable: status == 0 || isTransientStatus(status),
			Err:       err,
		}
	}

	conn.SetReadLimit(feedReadLimit)

	return newWSFeed(conn, d.logger), nil
}

type wsFeed struct {
	conn   wsConn
	logger *slog.Logger
	now    func() time.Time

	closeOnce sync.Once
	closeErr  error
}

func newWSFeed(conn wsConn, logger *slog.Logger) *wsFeed {
	return &wsFeed{conn: conn, logger: logger, now: time.Now}
}

// Next reads frames until one carries an event. Frames are JSON
// envelopes {"event_name": ..., "data": {...}}; binary frames, heartbeats
// and frames without an event name are skipped.
func (f *wsFeed) Next(ctx context.Context) (RawEvent, error) {
	for {
		typ, data, err := f.conn.Read(ctx)
		if err != nil {
			return RawEvent{}, fmt.Errorf("reading feed: %w", err)
		}

		if typ == websocket.MessageBinary {
			f.logger.Debug("unexpected binary frame on feed", slog.Int("bytes", len(data)))
			continue
		}

		name := gjson.GetBytes(data, "event_name")
		if !name.Exists() || name.String() == "" {
			f.logger.Debug("feed frame without event name", slog.Int("bytes", len(data)))
			continue
		}

		if EventType(name.String()) == eventHeartbeat {
			continue
		}

		payload := json.RawMessage("{}")
		if d := gjson.GetBytes(data, "data"); d.Exists() {
			payload = json.RawMessage(d.Raw)
		}

		return RawEvent{
			Type:       EventType(name.String()),
			Data:       payload,
			ReceivedAt: f.now(),
		}, nil
	}
}

func (f *wsFeed) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})

	return f.closeErr
}
