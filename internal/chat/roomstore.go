package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// Room is the cached entity for one chat room, including its member set.
type Room struct {
	id string

	mu      sync.RWMutex
	data    models.Room
	members map[string]struct{}
}

func newRoom(data models.Room) *Room {
	r := &Room{id: data.ID, members: make(map[string]struct{}, len(data.MemberIDs))}
	r.merge(data)

	return r
}

// ID returns the immutable room ID.
func (r *Room) ID() string { return r.id }

func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.data.Name
}

// MemberIDs returns the member user IDs sorted.
func (r *Room) MemberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// HasMember reports whether userID is in the room.
func (r *Room) HasMember(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[userID]

	return ok
}

// AddMember adds userID and reports whether it was newly added.
func (r *Room) AddMember(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[userID]; ok {
		return false
	}

	r.members[userID] = struct{}{}

	return true
}

// RemoveMember removes userID and reports whether it was present.
func (r *Room) RemoveMember(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[userID]; !ok {
		return false
	}

	delete(r.members, userID)

	return true
}

// Snapshot returns a copy of the room's current fields.
func (r *Room) Snapshot() models.Room {
	snap := func() models.Room {
		r.mu.RLock()
		defer r.mu.RUnlock()

		return r.data
	}()
	snap.MemberIDs = r.MemberIDs()

	return snap
}

// merge applies the fields present in p. A payload carrying a member
// list is a full membership snapshot and replaces the set.
func (r *Room) merge(p models.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data.ID = r.id

	if p.Name != "" {
		r.data.Name = p.Name
	}

	if p.CreatedByID != "" {
		r.data.CreatedByID = p.CreatedByID
	}

	if p.IsPrivate {
		r.data.IsPrivate = true
	}

	if !p.CreatedAt.IsZero() {
		r.data.CreatedAt = p.CreatedAt
	}

	if !p.UpdatedAt.IsZero() {
		r.data.UpdatedAt = p.UpdatedAt
	}

	if p.MemberIDs != nil {
		clear(r.members)

		for _, id := range p.MemberIDs {
			r.members[id] = struct{}{}
		}
	}

	r.data.MemberIDs = nil
}

// RoomStore caches rooms by ID with the same merge and fetch-dedup rules
// as UserStore.
type RoomStore struct {
	exec   *Executor
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	inflight singleflight.Group
}

// NewRoomStore creates an empty room cache.
func NewRoomStore(exec *Executor, logger *slog.Logger) *RoomStore {
	return &RoomStore{
		exec:   exec,
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// AddOrMerge inserts r, or merges it into the existing entry.
func (s *RoomStore) AddOrMerge(r models.Room) *Room {
	s.mu.Lock()
	existing, ok := s.rooms[r.ID]
	if !ok {
		created := newRoom(r)
		s.rooms[r.ID] = created
		s.mu.Unlock()

		return created
	}
	s.mu.Unlock()

	existing.merge(r)

	return existing
}

// Restore seeds the cache from a saved snapshot. Entries without an ID
// are ignored.
func (s *RoomStore) Restore(rooms []models.Room) {
	for _, r := range rooms {
		if r.ID == "" {
			continue
		}

		s.AddOrMerge(r)
	}
}

// Remove deletes the room with the given ID and returns it.
func (s *RoomStore) Remove(id string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if ok {
		delete(s.rooms, id)
	}

	return r, ok
}

// Lookup returns the cached room without touching the network.
func (s *RoomStore) Lookup(id string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]

	return r, ok
}

// Rooms returns every cached room sorted by ID.
func (s *RoomStore) Rooms() []*Room {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *Room) int { return strings.Compare(a.id, b.id) })

	return rooms
}

// FetchOrGet returns the cached room, fetching it when absent.
func (s *RoomStore) FetchOrGet(ctx context.Context, id string) (*Room, error) {
	if r, ok := s.Lookup(id); ok {
		return r, nil
	}

	return s.fetchShared(ctx, id)
}

// Refresh fetches the room even when cached and merges the result, so
// the member set reflects the service's current snapshot.
func (s *RoomStore) Refresh(ctx context.Context, id string) (*Room, error) {
	return s.fetchShared(ctx, id)
}

func (s *RoomStore) fetchShared(ctx context.Context, id string) (*Room, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(id, func() (any, error) {
		ctx, cancel := context.WithTimeout(fetchCtx, sharedFetchTimeout)
		defer cancel()

		return s.fetchRoom(ctx, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*Room), nil
	}
}

func (s *RoomStore) fetchRoom(ctx context.Context, id string) (*Room, error) {
	body, err := s.exec.Execute(ctx, Request{
		Method: http.MethodGet,
		Path:   "/rooms/" + url.PathEscape(id),
	}, RetryPolicy{})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			err = &NotFoundError{Kind: "room", ID: id}
		}

		s.logger.Error("fetching room", slog.String("room_id", id), slog.String("error", err.Error()))

		return nil, err
	}

	parsed, err := ParseRoom(body)
	if err != nil {
		s.logger.Debug("decoding room", slog.String("room_id", id), slog.String("error", err.Error()))
		return nil, err
	}

	if parsed.ID != id {
		return nil, &DeserializationError{Kind: "room", Err: errors.New("response id " + parsed.ID + " does not match " + id)}
	}

	return s.AddOrMerge(parsed), nil
}

// FetchJoined fetches the rooms userID belongs to and merges them.
// Malformed entries are logged and skipped.
func (s *RoomStore) FetchJoined(ctx context.Context, userID string) ([]*Room, error) {
	body, err := s.exec.Execute(ctx, Request{
		Method: http.MethodGet,
		Path:   "/users/" + url.PathEscape(userID) + "/rooms",
	}, RetryPolicy{})
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &DeserializationError{Kind: "room list", Err: err}
	}

	rooms := make([]*Room, 0, len(items))

	for _, item := range items {
		parsed, err := ParseRoom(item)
		if err != nil {
			s.logger.Debug("skipping malformed room",
				slog.String("room_id", gjson.GetBytes(item, "id").String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		rooms = append(rooms, s.AddOrMerge(parsed))
	}

	return rooms, nil
}
