// Package licstore persists engine provisioning records under the
// configured license path.
package licstore

import (
	"strings"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/lanikai/alohacdm/internal/logging"
)

var log = logging.DefaultLogger.WithTag("licstore")

const provisioningPrefix = "prov/"

// Store is a key-value store of provisioning records.
type Store struct {
	db *badger.DB
}

// Open opens the store rooted at dir. An empty dir keeps everything in
// memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open license store %q", dir)
	}
	return &Store{db}, nil
}

// Load returns the provisioning record of key, if any.
func (s *Store) Load(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(provisioningPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "load %s", key)
	}
	return value, true, nil
}

// Save stores the provisioning record of key.
func (s *Store) Save(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(provisioningPrefix+key), value)
	})
	return errors.Wrapf(err, "save %s", key)
}

// Delete forgets the provisioning record of key.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(provisioningPrefix + key))
	})
	return errors.Wrapf(err, "delete %s", key)
}

// Keys lists the keys holding a provisioning record.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(provisioningPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), provisioningPrefix))
		}
		return nil
	})
	return keys, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's chatter to the tagged logger, one level
// quieter than badger would like.
type badgerLogger struct {
	*logging.Logger
}

func (l badgerLogger) Errorf(format string, a ...interface{}) {
	l.Log(logging.Error, 1, format, a...)
}

func (l badgerLogger) Warningf(format string, a ...interface{}) {
	l.Log(logging.Warn, 1, format, a...)
}

func (l badgerLogger) Infof(format string, a ...interface{}) {
	l.Log(logging.Debug, 1, format, a...)
}

func (l badgerLogger) Debugf(format string, a ...interface{}) {
	l.Log(logging.Debug+1, 1, format, a...)
}
