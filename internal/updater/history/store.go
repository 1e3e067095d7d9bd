// Package history keeps the durable audit trail of update attempts and the
// descriptors of every release the orchestrator has seen.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

const (
	recordPrefix     = "history/"
	descriptorPrefix = "descriptor/"

	keyTimeLayout = "20060102T150405.000000000Z"
)

var _ core.HistoryStore = (*Store)(nil)

// Store is a badger-backed core.HistoryStore.
type Store struct {
	db  *badger.DB
	log log.Logger
}

// Open opens (or creates) the store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create history directory %s: %w", dir, err)
	}
	return open(badger.DefaultOptions(dir).WithSyncWrites(true))
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	l := log.WithName("history")
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{log: l})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &Store{db: db, log: l}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes rec. A missing ID or Time is filled in.
func (s *Store) Append(rec model.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), val)
	})
}

// List returns at most limit records, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]model.HistoryRecord, error) {
	var out []model.HistoryRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(recordPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(recordPrefix + "\xff")); it.ValidForPrefix(opts.Prefix); it.Next() {
			var rec model.HistoryRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				s.log.Warn("Skipping unreadable history record", "key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// SaveDescriptor stores d under its version, replacing any earlier copy.
func (s *Store) SaveDescriptor(d model.UpdateDescriptor) error {
	val, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(descriptorPrefix+d.Version), val)
	})
}

// Descriptor returns the stored descriptor of version, or core.ErrNotFound.
func (s *Store) Descriptor(version string) (model.UpdateDescriptor, error) {
	var d model.UpdateDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(descriptorPrefix + version))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &d) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return d, fmt.Errorf("descriptor %s: %w", version, core.ErrNotFound)
	}
	return d, err
}

// Descriptors returns every stored descriptor in key order.
func (s *Store) Descriptors() ([]model.UpdateDescriptor, error) {
	var out []model.UpdateDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(descriptorPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var d model.UpdateDescriptor
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &d) }); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// RunGC reclaims value log space. It is a no-op for in-memory stores.
func (s *Store) RunGC() {
	if s.db.Opts().InMemory {
		return
	}
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		s.log.Warn("History value log GC failed", "error", err)
	}
}

func recordKey(rec model.HistoryRecord) []byte {
	return []byte(recordPrefix + rec.Time.UTC().Format(keyTimeLayout) + "/" + rec.ID)
}

type badgerLogger struct {
	log log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(nil, fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
