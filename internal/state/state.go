package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	userIDKey     = []byte("user_id")
	usersBucket   = []byte("users")
	roomsBucket   = []byte("rooms")
	cursorsBucket = []byte("cursors")
)

// Cursor records the newest message delivered for a room.
type Cursor struct {
	MessageID int64     `json:"message_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State wraps a bbolt database holding the cached users and rooms of the
// last session and the per-room delivery cursors.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the state database at ~/.chatsync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(DefaultPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, usersBucket, roomsBucket, cursorsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// UserID returns the user the stored state belongs to, or empty string.
func (s *State) UserID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(userIDKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// Claim binds the state to userID. State left by a different user is
// discarded first, since cached rooms and cursors are per user. It
// reports whether anything was discarded.
func (s *State) Claim(userID string) (bool, error) {
	reset := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)

		previous := app.Get(userIDKey)
		if previous != nil && string(previous) != userID {
			reset = true

			for _, name := range [][]byte{usersBucket, roomsBucket, cursorsBucket} {
				if err := recreateBucket(tx, name); err != nil {
					return err
				}
			}
		}

		return app.Put(userIDKey, []byte(userID))
	})

	return reset, err
}

// SaveUsers replaces the stored user snapshot.
func (s *State) SaveUsers(users []models.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := recreateBucket(tx, usersBucket); err != nil {
			return err
		}

		b := tx.Bucket(usersBucket)

		for _, u := range users {
			data, err := json.Marshal(u)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(u.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadUsers returns the stored user snapshot ordered by ID.
func (s *State) LoadUsers() ([]models.User, error) {
	var users []models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var u models.User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decoding user %s: %w", k, err)
			}

			users = append(users, u)

			return nil
		})
	})

	return users, err
}

// SaveRooms replaces the stored room snapshot.
func (s *State) SaveRooms(rooms []models.Room) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := recreateBucket(tx, roomsBucket); err != nil {
			return err
		}

		b := tx.Bucket(roomsBucket)

		for _, r := range rooms {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(r.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadRooms returns the stored room snapshot ordered by ID.
func (s *State) LoadRooms() ([]models.Room, error) {
	var rooms []models.Room

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(k, v []byte) error {
			var r models.Room
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding room %s: %w", k, err)
			}

			rooms = append(rooms, r)

			return nil
		})
	})

	return rooms, err
}

// SetRoomCursor records messageID as the newest message delivered for
// roomID. A cursor never moves backwards.
func (s *State) SetRoomCursor(roomID string, messageID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorsBucket)

		if v := b.Get([]byte(roomID)); v != nil {
			var current Cursor
			if err := json.Unmarshal(v, &current); err == nil && current.MessageID >= messageID {
				return nil
			}
		}

		data, err := json.Marshal(Cursor{MessageID: messageID, UpdatedAt: s.now().UTC()})
		if err != nil {
			return err
		}

		return b.Put([]byte(roomID), data)
	})
}

// RoomCursor returns the newest delivered message ID for roomID, or zero.
func (s *State) RoomCursor(roomID string) (int64, error) {
	var c Cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get([]byte(roomID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &c)
	})

	return c.MessageID, err
}

// AllCursors returns every stored cursor keyed by room ID.
func (s *State) AllCursors() (map[string]Cursor, error) {
	result := make(map[string]Cursor)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).ForEach(func(k, v []byte) error {
			var c Cursor
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			result[string(k)] = c

			return nil
		})
	})

	return result, err
}

func recreateBucket(tx *bolt.Tx, name []byte) error {
	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}

	_, err := tx.CreateBucket(name)

	return err
}

// DefaultPath returns ~/.chatsync/state.db.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database might end up inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".chatsync", "state.db")
}
