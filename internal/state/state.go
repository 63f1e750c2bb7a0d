// Package state emulates the embedding page's session-scoped storage on
// top of bbolt. Each bridge session owns a nested bucket under "sessions";
// the external OAuth flow writes credential blobs into it and the token
// manager reads and clears them.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var sessionsBucket = []byte("sessions")

// ErrEmptySessionID is returned when a session id is blank. bbolt rejects
// empty bucket names, so this is caught before touching the database.
var ErrEmptySessionID = errors.New("session id must not be empty")

// State wraps a bbolt database holding all session storage.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns a handle scoped to one session id. The bucket is created
// lazily on first write.
func (s *State) Session(id string) *Session {
	return &Session{db: s.db, id: []byte(id)}
}

// DeleteSession drops everything stored for a session. Deleting a session
// that does not exist is not an error.
func (s *State) DeleteSession(id string) error {
	if id == "" {
		return ErrEmptySessionID
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(sessionsBucket).DeleteBucket([]byte(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
}

// Sessions lists the ids of all sessions with stored data.
func (s *State) Sessions() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				ids = append(ids, string(k))
			}

			return nil
		})
	})

	return ids, err
}

// Session is the key-value store of a single embedding page session.
type Session struct {
	db *bolt.DB
	id []byte
}

// Credential returns the blob stored under key, or nil when absent.
func (s *Session) Credential(key string) ([]byte, error) {
	if len(s.id) == 0 {
		return nil, ErrEmptySessionID
	}

	var blob []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket).Bucket(s.id)
		if b == nil {
			return nil
		}

		if v := b.Get([]byte(key)); v != nil {
			// bbolt values are only valid inside the transaction.
			blob = append([]byte(nil), v...)
		}

		return nil
	})

	return blob, err
}

// SetCredential stores blob under key, replacing any previous value.
func (s *Session) SetCredential(key string, blob []byte) error {
	if len(s.id) == 0 {
		return ErrEmptySessionID
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(sessionsBucket).CreateBucketIfNotExists(s.id)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), blob)
	})
}

// DeleteCredential removes key. Missing keys are ignored.
func (s *Session) DeleteCredential(key string) error {
	if len(s.id) == 0 {
		return ErrEmptySessionID
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket).Bucket(s.id)
		if b == nil {
			return nil
		}

		return b.Delete([]byte(key))
	})
}
