package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// sharedFetchTimeout bounds a deduplicated fetch. The fetch is detached
// from the caller that started it, so it needs its own deadline.
const sharedFetchTimeout = 60 * time.Second

// User is the cached entity for one chat user. The cache hands out the
// same *User for an ID for as long as the entry exists; merges update it
// in place so every holder observes them.
type User struct {
	id string

	mu   sync.RWMutex
	data models.User
}

func newUser(data models.User) *User {
	data.CustomData = maps.Clone(data.CustomData)
	return &User{id: data.ID, data: data}
}

// ID returns the immutable user ID.
func (u *User) ID() string { return u.id }

func (u *User) Name() string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.data.Name
}

func (u *User) AvatarURL() string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.data.AvatarURL
}

func (u *User) Presence() models.PresenceState {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.data.Presence
}

// LastSeenAt returns when the user was last seen, or nil if never reported.
func (u *User) LastSeenAt() *time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.data.LastSeenAt == nil {
		return nil
	}

	t := *u.data.LastSeenAt

	return &t
}

// Snapshot returns a copy of the user's current fields.
func (u *User) Snapshot() models.User {
	u.mu.RLock()
	defer u.mu.RUnlock()

	snap := u.data
	snap.CustomData = maps.Clone(u.data.CustomData)

	if u.data.LastSeenAt != nil {
		t := *u.data.LastSeenAt
		snap.LastSeenAt = &t
	}

	return snap
}

// merge applies every field present in p, last applied wins per field.
// Absent fields (empty strings, nil map, zero times, unknown presence)
// leave the current value untouched, so merging the same payload twice
// is the same as merging it once.
func (u *User) merge(p models.User) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if p.Name != "" {
		u.data.Name = p.Name
	}

	if p.AvatarURL != "" {
		u.data.AvatarURL = p.AvatarURL
	}

	if p.CustomData != nil {
		u.data.CustomData = maps.Clone(p.CustomData)
	}

	if !p.CreatedAt.IsZero() {
		u.data.CreatedAt = p.CreatedAt
	}

	if !p.UpdatedAt.IsZero() {
		u.data.UpdatedAt = p.UpdatedAt
	}

	if p.Presence != models.PresenceUnknown {
		u.data.Presence = p.Presence
	}

	if p.LastSeenAt != nil {
		t := *p.LastSeenAt
		u.data.LastSeenAt = &t
	}
}

// setPresence applies a presence payload and reports the previous state.
func (u *User) setPresence(state models.PresenceState, lastSeen *time.Time) (previous models.PresenceState) {
	u.mu.Lock()
	defer u.mu.Unlock()

	previous = u.data.Presence

	if state != models.PresenceUnknown {
		u.data.Presence = state
	}

	if lastSeen != nil {
		t := *lastSeen
		u.data.LastSeenAt = &t
	}

	return previous
}

// PresenceChange is a presence payload applied to a cached user.
type PresenceChange struct {
	User     *User
	Previous models.PresenceState
	Current  models.PresenceState
}

// UserStore is the entity cache for users. It is safe for concurrent use
// and guarantees at most one in-flight fetch per missing user ID.
type UserStore struct {
	exec   *Executor
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]*User

	// inflight is the pending-fetch map, keyed by user ID like users.
	inflight singleflight.Group
}

// NewUserStore creates an empty user cache fetching misses through exec.
func NewUserStore(exec *Executor, logger *slog.Logger) *UserStore {
	return &UserStore{
		exec:   exec,
		logger: logger,
		users:  make(map[string]*User),
	}
}

// AddOrMerge inserts u, or merges it into the existing entry with the
// same ID and returns that entry.
func (s *UserStore) AddOrMerge(u models.User) *User {
	s.mu.Lock()
	existing, ok := s.users[u.ID]
	if !ok {
		created := newUser(u)
		s.users[u.ID] = created
		s.mu.Unlock()

		return created
	}
	s.mu.Unlock()

	existing.merge(u)

	return existing
}

// Remove deletes the user with the given ID and returns it.
func (s *UserStore) Remove(id string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if ok {
		delete(s.users, id)
	}

	return u, ok
}

// Lookup returns the cached user without touching the network.
func (s *UserStore) Lookup(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]

	return u, ok
}

// Users returns every cached user sorted by ID.
func (s *UserStore) Users() []*User {
	s.mu.RLock()
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	slices.SortFunc(users, func(a, b *User) int { return strings.Compare(a.id, b.id) })

	return users
}

// Restore seeds the cache with previously persisted users. Persisted
// presence is stale, so it is not restored.
func (s *UserStore) Restore(users []models.User) {
	for _, u := range users {
		if u.ID == "" {
			continue
		}

		u.Presence = models.PresenceUnknown
		u.LastSeenAt = nil

		s.AddOrMerge(u)
	}
}

// FetchOrGet returns the cached user, fetching it when absent.
// Concurrent calls for the same missing ID share one network fetch. A
// caller whose ctx ends stops waiting; the fetch still completes for the
// others.
func (s *UserStore) FetchOrGet(ctx context.Context, id string) (*User, error) {
	if u, ok := s.Lookup(id); ok {
		return u, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(id, func() (any, error) {
		// A fetch that finished between our lookup and DoChan has
		// already merged the user.
		if u, ok := s.Lookup(id); ok {
			return u, nil
		}

		ctx, cancel := context.WithTimeout(fetchCtx, sharedFetchTimeout)
		defer cancel()

		return s.fetchUser(ctx, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*User), nil
	}
}

func (s *UserStore) fetchUser(ctx context.Context, id string) (*User, error) {
	body, err := s.exec.Execute(ctx, Request{
		Method: http.MethodGet,
		Path:   "/users/" + url.PathEscape(id),
	}, RetryPolicy{})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			err = &NotFoundError{Kind: "user", ID: id}
		}

		s.logger.Error("fetching user", slog.String("user_id", id), slog.String("error", err.Error()))

		return nil, err
	}

	parsed, err := ParseUser(body)
	if err != nil {
		s.logger.Debug("decoding user", slog.String("user_id", id), slog.String("error", err.Error()))
		return nil, err
	}

	if parsed.ID != id {
		err := &DeserializationError{Kind: "user", Err: errors.New("response id " + parsed.ID + " does not match " + id)}
		s.logger.Debug("decoding user", slog.String("user_id", id), slog.String("error", err.Error()))

		return nil, err
	}

	return s.AddOrMerge(parsed), nil
}

// FetchMany fetches the given users in one request, without retries so
// it completes quickly either way. Duplicate IDs are collapsed. Entries
// that fail to decode are logged and skipped rather than failing the
// batch.
func (s *UserStore) FetchMany(ctx context.Context, ids []string) ([]*User, error) {
	unique := dedupeIDs(ids)
	if len(unique) == 0 {
		s.logger.Debug("requested to fetch users for an empty list of user ids")
		return []*User{}, nil
	}

	body, err := s.exec.Execute(ctx, Request{
		Method: http.MethodGet,
		Path:   "/users",
		Query:  url.Values{"user_ids": {strings.Join(unique, ",")}},
	}, NoRetry())
	if err != nil {
		s.logger.Debug("fetching users", slog.Int("count", len(unique)), slog.String("error", err.Error()))
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		derr := &DeserializationError{Kind: "user list", Err: err}
		s.logger.Debug("fetching users", slog.String("error", derr.Error()))

		return nil, derr
	}

	users := make([]*User, 0, len(items))

	for _, item := range items {
		parsed, err := ParseUser(item)
		if err != nil {
			s.logger.Debug("skipping malformed user in batch",
				slog.String("user_id", gjson.GetBytes(item, "id").String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		users = append(users, s.AddOrMerge(parsed))
	}

	return users, nil
}

// missing returns the IDs (deduplicated) that are not cached.
func (s *UserStore) missing(ids []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string

	for _, id := range dedupeIDs(ids) {
		if _, ok := s.users[id]; !ok {
			out = append(out, id)
		}
	}

	return out
}

// prefetch batch-fetches any of ids not yet cached. Failures are logged
// only; callers fall back to FetchOrGet per user.
func (s *UserStore) prefetch(ctx context.Context, ids []string) {
	missing := s.missing(ids)
	if len(missing) < 2 {
		return
	}

	if _, err := s.FetchMany(ctx, missing); err != nil {
		s.logger.Debug("batch prefetch failed", slog.Int("count", len(missing)), slog.String("error", err.Error()))
	}
}

// ApplyPresence resolves each payload's user and applies its presence.
// Users that cannot be resolved are logged and skipped.
func (s *UserStore) ApplyPresence(ctx context.Context, payloads []models.PresencePayload) []PresenceChange {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		ids = append(ids, p.UserID)
	}

	s.prefetch(ctx, ids)

	changes := make([]PresenceChange, 0, len(payloads))

	for _, p := range payloads {
		u, err := s.FetchOrGet(ctx, p.UserID)
		if err != nil {
			s.logger.Error("applying presence",
				slog.String("user_id", p.UserID),
				slog.String("error", err.Error()),
			)

			continue
		}

		previous := u.setPresence(p.State, p.LastSeenAt)
		changes = append(changes, PresenceChange{User: u, Previous: previous, Current: u.Presence()})
	}

	return changes
}

// dedupeIDs drops empty and repeated IDs, keeping first-seen order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if id == "" {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
