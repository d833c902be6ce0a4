package history

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/keylock"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"go.uber.org/zap"
)

const (
	backendBadger = "badger"

	// maxConflictRetries bounds retries of a transaction that lost a
	// write-write conflict to a concurrent append on the same session.
	maxConflictRetries = 10
)

// BadgerStore keeps history in an embedded Badger database.
//
// Keys, with the session ID hex-encoded so one session's prefix never
// matches another's:
//
//	sess:{sid}        session JSON
//	seq:{sid}         last seq, 8 bytes big-endian
//	msg:{sid}:{seq}   message JSON, seq zero-padded to 20 digits
type BadgerStore struct {
	db      *badger.DB
	logger  *zap.SugaredLogger
	appends keylock.Map
}

// NewBadgerStore opens (or creates) the database described by cfg.
func NewBadgerStore(cfg config.BadgerConfig, logger *zap.SugaredLogger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db, logger: logger.Named("badger")}, nil
}

func encodeID(sessionID string) string {
	return hex.EncodeToString([]byte(sessionID))
}

func sessionKey(sessionID string) []byte {
	return []byte("sess:" + encodeID(sessionID))
}

func seqKey(sessionID string) []byte {
	return []byte("seq:" + encodeID(sessionID))
}

func messagePrefix(sessionID string) []byte {
	return []byte("msg:" + encodeID(sessionID) + ":")
}

func messageKey(sessionID string, seq int64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", encodeID(sessionID), seq))
}

func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getSession(txn *badger.Txn, sessionID string) (*model.ChatSession, error) {
	item, err := txn.Get(sessionKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s model.ChatSession
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	}); err != nil {
		return nil, err
	}
	return &s, nil
}

func putSession(txn *badger.Txn, s *model.ChatSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return txn.Set(sessionKey(s.SessionID), data)
}

func (b *BadgerStore) CreateSessionIfAbsent(_ context.Context, s *model.ChatSession) (*model.ChatSession, bool, error) {
	defer observe(backendBadger, "create_session")()
	if s == nil {
		return nil, false, ErrInvalidSession
	}
	if err := validateSessionID(s.SessionID); err != nil {
		return nil, false, err
	}

	var (
		stored  *model.ChatSession
		created bool
	)
	err := b.update(func(txn *badger.Txn) error {
		existing, err := getSession(txn, s.SessionID)
		if err == nil {
			stored, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return err
		}
		stored, created = cloneSession(s), true
		return putSession(txn, s)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return stored, created, nil
}

func (b *BadgerStore) GetSession(_ context.Context, sessionID string) (*model.ChatSession, error) {
	defer observe(backendBadger, "get_session")()
	var s *model.ChatSession
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = getSession(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *BadgerStore) ListSessions(_ context.Context) ([]*model.ChatSession, error) {
	defer observe(backendBadger, "list_sessions")()
	out := []*model.ChatSession{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte("sess:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s model.ChatSession
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			out = append(out, &s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	slices.SortFunc(out, func(a, b *model.ChatSession) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (b *BadgerStore) SetStatus(_ context.Context, sessionID string, status model.Status, at time.Time) error {
	defer observe(backendBadger, "set_status")()
	return b.update(func(txn *badger.Txn) error {
		s, err := getSession(txn, sessionID)
		if err != nil {
			return err
		}
		s.Status = status
		s.UpdatedAt = at
		return putSession(txn, s)
	})
}

// Append bumps the seq counter, writes the message and touches the session
// in one transaction. Appends to one session are serialized locally so they
// do not fight over the counter key.
func (b *BadgerStore) Append(_ context.Context, sessionID string, sender model.Sender, content string, at time.Time) (*model.Message, error) {
	defer observe(backendBadger, "append")()
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	unlock := b.appends.Lock(sessionID)
	defer unlock()

	var msg *model.Message
	err := b.update(func(txn *badger.Txn) error {
		var last int64
		item, err := txn.Get(seqKey(sessionID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				last = int64(binary.BigEndian.Uint64(val))
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		next := last + 1
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(next))
		if err := txn.Set(seqKey(sessionID), buf[:]); err != nil {
			return err
		}

		msg = &model.Message{
			MessageID: uuid.NewString(),
			SessionID: sessionID,
			Sender:    sender,
			Content:   content,
			Seq:       next,
			CreatedAt: at,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(messageKey(sessionID, next), data); err != nil {
			return err
		}

		s, err := getSession(txn, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		s.UpdatedAt = at
		return putSession(txn, s)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// LoadSince seeks straight to seq afterSeq+1 and scans forward.
func (b *BadgerStore) LoadSince(_ context.Context, sessionID string, afterSeq int64) ([]*model.Message, error) {
	defer observe(backendBadger, "load_since")()
	if afterSeq < 0 {
		afterSeq = 0
	}

	out := []*model.Message{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messageKey(sessionID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			var m model.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return out, nil
}

func (b *BadgerStore) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
