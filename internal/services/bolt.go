package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of sessions and
// messages. Sessions live in a single bucket keyed by id, each session owns a message bucket whose keys
// are a per-bucket sequence, so a cursor walks messages in insertion order. History is never trimmed.
type BoltDB struct {
	db *bolt.DB
}

var sessionsBucket = []byte("sessions")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

func messageKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Session retrieves a single session, or models.ErrNotFound.
func (b BoltDB) Session(_ context.Context, id string) (models.Session, error) {
	var session models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		session, err = getSession(tx, id)
		return err
	})
	return session, err
}

func getSession(tx *bolt.Tx, id string) (models.Session, error) {
	v := tx.Bucket(sessionsBucket).Get([]byte(id))
	if v == nil {
		return models.Session{}, models.ErrNotFound
	}
	var session models.Session
	if err := json.Unmarshal(v, &session); err != nil {
		return models.Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

func putSession(tx *bolt.Tx, session models.Session) error {
	v, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return tx.Bucket(sessionsBucket).Put([]byte(session.ID), v)
}

// Sessions retrieves all stored sessions, most recently updated first.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var session models.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortSessions(sessions)
	return sessions, nil
}

// AddSession stores a new session record and creates its message bucket. It returns models.ErrExists
// when a session with the same id is already stored.
func (b BoltDB) AddSession(_ context.Context, session models.Session) (models.Session, error) {
	session.Touch(session.UpdatedAt)
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(sessionsBucket).Get([]byte(session.ID)) != nil {
			return models.ErrExists
		}
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(session.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putSession(tx, session)
	})
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}

// UpdateSession modifies an existing session record, keeping its creation time. It returns
// models.ErrNotFound if the session doesn't exist.
func (b BoltDB) UpdateSession(_ context.Context, session models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		old, err := getSession(tx, session.ID)
		if err != nil {
			return err
		}
		session.CreatedAt = old.CreatedAt
		session.Touch(old.UpdatedAt)
		return putSession(tx, session)
	})
}

// DeleteSession removes the session record and its whole message bucket.
func (b BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb.Get([]byte(id)) == nil {
			return models.ErrNotFound
		}
		if err := sb.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if err := tx.DeleteBucket(messageBucketName(id)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// Messages retrieves all messages of the session, oldest first. An unknown session has no messages.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messageBucketName(sessionID))
		if mb == nil {
			return nil
		}

		return mb.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMessages(messages)
	return messages, nil
}

// AddMessage stores a new message in the session's message bucket and moves the session's update time
// forward, in one transaction.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, message models.Message) error {
	message.SessionID = sessionID
	return b.db.Update(func(tx *bolt.Tx) error {
		session, err := getSession(tx, sessionID)
		if err != nil {
			return err
		}

		mb, err := tx.CreateBucketIfNotExists(messageBucketName(sessionID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		seq, err := mb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := mb.Put(messageKey(seq), v); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		session.Touch(message.CreatedAt)
		return putSession(tx, session)
	})
}

// ClearMessages drops every message of the session and leaves an empty message bucket behind.
func (b BoltDB) ClearMessages(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := getSession(tx, sessionID); err != nil {
			return err
		}
		name := messageBucketName(sessionID)
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return nil
	})
}
