// Package txlog is the append-only record of accepted transactions. Records
// live in badger keyed by id, with a sequence index that preserves
// acceptance order. A bounded in-memory ring serves the recent view.
package txlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"kaya.mini/kaya/internal/types"
)

const (
	txPrefix  = "tx/"
	seqPrefix = "seq/"

	defaultRecentCap = 100
)

// Log stores finalized transactions.
type Log struct {
	mu     sync.RWMutex
	db     *badger.DB
	seq    uint64
	recent []string // oldest first, at most cap entries
	cap    int
	log    zerolog.Logger
}

// Open opens the log under dir. An empty dir keeps the log in memory.
func Open(dir string, recentCap int, log zerolog.Logger) (*Log, error) {
	if recentCap <= 0 {
		recentCap = defaultRecentCap
	}
	l := &Log{
		cap: recentCap,
		log: log.With().Str("component", "txlog").Logger(),
	}

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{l.log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	l.db = db

	if err := l.rebuild(); err != nil {
		db.Close()
		return nil, err
	}

	l.log.Debug().Str("dir", dir).Uint64("count", l.seq).Msg("transaction log opened")
	return l, nil
}

// Close flushes and closes the underlying database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// rebuild restores the sequence counter and the recent ring by walking the
// sequence index backwards.
func (l *Log) rebuild() error {
	var newest []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		iter := txn.NewIterator(opts)
		defer iter.Close()

		prefix := []byte(seqPrefix)
		seek := append([]byte(seqPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for iter.Seek(seek); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			if l.seq == 0 {
				l.seq = binary.BigEndian.Uint64(item.Key()[len(seqPrefix):])
			}
			if len(newest) == l.cap {
				break
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			newest = append(newest, string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild transaction index: %w", err)
	}

	l.recent = make([]string, 0, l.cap)
	for i := len(newest) - 1; i >= 0; i-- {
		l.recent = append(l.recent, newest[i])
	}
	return nil
}

func seqKey(n uint64) []byte {
	key := make([]byte, len(seqPrefix)+8)
	copy(key, seqPrefix)
	binary.BigEndian.PutUint64(key[len(seqPrefix):], n)
	return key
}

// Append records tx. Ids are unique: a second append of the same id is a
// ValidationError.
func (l *Log) Append(tx *types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendLocked(tx); err != nil {
		return err
	}
	l.log.Debug().Str("tx_id", tx.ID).Uint64("seq", l.seq).Msg("transaction recorded")
	return nil
}

func (l *Log) appendLocked(tx *types.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}

	next := l.seq + 1
	err = l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(txPrefix + tx.ID))
		if err == nil {
			return types.Errorf(types.KindValidation, "transaction %s already recorded", tx.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte(txPrefix+tx.ID), data); err != nil {
			return err
		}
		return txn.Set(seqKey(next), []byte(tx.ID))
	})
	if err != nil {
		if types.AsError(err) != nil {
			return err
		}
		return fmt.Errorf("append transaction %s: %w", tx.ID, err)
	}

	l.seq = next
	if len(l.recent) == l.cap {
		copy(l.recent, l.recent[1:])
		l.recent = l.recent[:l.cap-1]
	}
	l.recent = append(l.recent, tx.ID)
	return nil
}

// Get returns the transaction with the given id.
func (l *Log) Get(id string) (*types.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var tx types.Transaction
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(txPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tx)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.Errorf(types.KindTransactionNotFound, "txn hash %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read transaction %s: %w", id, err)
	}
	return &tx, nil
}

// Recent returns up to n ids, newest first.
func (l *Log) Recent(n int) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]string, 0, n)
	for i := len(l.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.recent[i])
	}
	return out
}

// Count returns the total number of recorded transactions.
func (l *Log) Count() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// All returns every transaction in acceptance order.
func (l *Log) All() ([]*types.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*types.Transaction
	err := l.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()

		prefix := []byte(seqPrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			id, err := iter.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get([]byte(txPrefix + string(id)))
			if err != nil {
				return fmt.Errorf("transaction %s indexed but missing: %w", id, err)
			}
			var tx types.Transaction
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &tx)
			}); err != nil {
				return err
			}
			out = append(out, &tx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// Import appends previously saved transactions in order. It stops at the
// first failure; transactions appended before it stay recorded.
func (l *Log) Import(txs []*types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, tx := range txs {
		if err := l.appendLocked(tx); err != nil {
			return err
		}
	}
	l.log.Info().Int("count", len(txs)).Msg("transactions imported")
	return nil
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.log.Error().Msgf(format, args...)
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.log.Warn().Msgf(format, args...)
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.log.Debug().Msgf(format, args...)
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.log.Trace().Msgf(format, args...)
}
