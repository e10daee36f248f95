// Package store persists two-party negotiation rows in badger and notifies
// watchers when a row changes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"

	"github.com/peerlink/peerlink/internal/signaling"
)

var (
	ErrNotFound = errors.New("session row not found")
	// ErrConflict is returned when an update keeps losing to concurrent
	// writers after all retries.
	ErrConflict = errors.New("session row update conflict")
	ErrClosed   = errors.New("store closed")
)

const maxUpdateAttempts = 16

const keyPrefix = "session/"

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusJoined    Status = "joined"
	StatusHostLeft  Status = "host_left"
	StatusGuestLeft Status = "guest_left"
)

// Session is the persisted negotiation row shared by both peers. Each side
// owns its own fields and always rewrites them whole.
type Session struct {
	SessionID string `json:"session_id"`
	HostID    string `json:"host_id,omitempty"`
	GuestID   string `json:"guest_id,omitempty"`
	Status    Status `json:"status"`

	// A nil offer or answer means that side has not negotiated yet.
	Offer              *signaling.SDP        `json:"offer"`
	Answer             *signaling.SDP        `json:"answer"`
	HostICECandidates  []signaling.Candidate `json:"host_ice_candidates"`
	GuestICECandidates []signaling.Candidate `json:"guest_ice_candidates"`

	// Epoch increments every time the host resets the row for a new call.
	Epoch     uint64    `json:"epoch"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Options struct {
	// Dir is the badger directory. Empty runs in memory.
	Dir    string
	Logger *slog.Logger
}

// Store keeps session rows in badger and fans out change notifications.
type Store struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time

	// mu is held for reading by every transaction so Close never pulls the
	// database out from under one.
	mu     sync.RWMutex
	closed bool
}

func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{log: logger.With("component", "badger")})
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, log: logger, now: time.Now}, nil
}

// Close closes the database. Later calls fail with ErrClosed; closing twice
// is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// acquire holds the read lock for one database call. It reports false when
// the store is already closed.
func (s *Store) acquire() bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	return true
}

// Keys end in a separator so watching one session never matches another
// whose id merely starts with the same text.
func sessionKey(id string) []byte {
	return []byte(keyPrefix + id + "/row")
}

func sessionPrefix(id string) []byte {
	return []byte(keyPrefix + id + "/")
}

// Get reads the current row for id.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if !s.acquire() {
		return Session{}, ErrClosed
	}
	defer s.mu.RUnlock()
	var row Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		row, err = readRow(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return Session{}, ErrClosed
	}
	return row, err
}

// Update runs fn against the current row inside a read-modify-write
// transaction. exists is false when no row is stored yet; fn may then fill in
// the zero row to create it. Conflicts with concurrent writers are retried.
func (s *Store) Update(ctx context.Context, id string, fn func(row *Session, exists bool) error) (Session, error) {
	if !s.acquire() {
		return Session{}, ErrClosed
	}
	defer s.mu.RUnlock()
	var out Session
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Session{}, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			row, err := readRow(txn, id)
			exists := err == nil
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if !exists {
				row = Session{SessionID: id}
			}
			if err := fn(&row, exists); err != nil {
				return err
			}
			row.SessionID = id
			row.UpdatedAt = s.now().UTC()
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			out = row
			return txn.Set(sessionKey(id), data)
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, badger.ErrConflict):
			s.log.Debug("session row conflict, retrying", "session_id", id, "attempt", attempt+1)
			continue
		case errors.Is(err, badger.ErrDBClosed):
			return Session{}, ErrClosed
		default:
			return Session{}, err
		}
	}
	return Session{}, fmt.Errorf("%w: session %s", ErrConflict, id)
}

// Delete removes the row for id. Missing rows are not an error.
func (s *Store) Delete(id string) error {
	if !s.acquire() {
		return ErrClosed
	}
	defer s.mu.RUnlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

// Watch calls notify after every committed write to id's row until ctx is
// done. Notifications carry no data; the caller re-reads the row. Watch
// returns before the subscription is registered with badger, so writes that
// land in between are only seen by a later re-read.
func (s *Store) Watch(ctx context.Context, id string, notify func()) {
	if !s.acquire() {
		return
	}
	defer s.mu.RUnlock()
	go func() {
		err := s.db.Subscribe(ctx, func(*badger.KVList) error {
			notify()
			return nil
		}, sessionPrefix(id))
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("session watch ended", "session_id", id, "err", err)
		}
	}()
}

func readRow(txn *badger.Txn, id string) (Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return Session{}, err
	}
	var row Session
	if err := json.Unmarshal(data, &row); err != nil {
		return Session{}, fmt.Errorf("decode session row %s: %w", id, err)
	}
	return row, nil
}

// badgerLogger routes badger's printf-style logging into slog. badger is
// chatty at info level, so info is demoted to debug.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
