package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"

	dlog "github.com/jkaberg/skyeupload/log"
)

var _ Index = &DB{}

const torrentRootKey = "/torrent/"

type DB struct {
	db *badger.DB
}

func NewDB(path string) (*DB, error) {
	l := log.Logger.With().Str("component", "torrent-store").Logger()

	opts := badger.DefaultOptions(path).
		WithLogger(&dlog.Badger{L: l}).
		WithValueLogFileSize(1<<26 - 1)

	return open(opts)
}

// NewMemDB returns an index that lives only in memory.
func NewMemDB() (*DB, error) {
	l := log.Logger.With().Str("component", "torrent-store").Logger()
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(&dlog.Badger{L: l}))
}

func open(opts badger.Options) (*DB, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if !opts.InMemory {
		err = db.RunValueLogGC(0.5)
		if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			db.Close()
			return nil, err
		}
	}

	return &DB{
		db: db,
	}, nil
}

func key(hash string) []byte {
	return []byte(path.Join(torrentRootKey, strings.ToLower(hash)))
}

func (l *DB) Put(r *Record) error {
	if r.InfoHash == "" {
		return errors.New("record without infohash")
	}
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(r.InfoHash), v)
	})
	if err != nil {
		return err
	}

	return l.db.Sync()
}

func (l *DB) Get(hash string) (*Record, error) {
	r := &Record{}
	err := l.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(key(hash))
		if err != nil {
			return err
		}
		return it.Value(func(v []byte) error {
			return json.Unmarshal(v, r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Delete does not fail when the record is already gone.
func (l *DB) Delete(hash string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(hash))
	})
	if err != nil {
		return err
	}
	return l.db.Sync()
}

func (l *DB) List() ([]*Record, error) {
	tx := l.db.NewTransaction(false)
	defer tx.Discard()

	it := tx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(torrentRootKey)
	var out []*Record
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		r := &Record{}
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, r)
		}); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, nil
}

func (l *DB) Close() error {
	return l.db.Close()
}
