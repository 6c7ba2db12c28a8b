package resume

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const badgerDir = ".index"

// badgerIndex keeps offset/<name> and meta/<name> keys in a Badger database.
type badgerIndex struct {
	db *badger.DB
}

func openBadgerIndex(dir string, log *logrus.Entry) (*badgerIndex, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{log.WithField("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger index: %w", err)
	}
	return &badgerIndex{db: db}, nil
}

func offsetKey(name string) []byte { return []byte("offset/" + name) }
func metaKey(name string) []byte   { return []byte("meta/" + name) }

func (b *badgerIndex) get(key []byte) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read index: %w", err)
	}
	return value, true, nil
}

func (b *badgerIndex) set(key []byte, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

func (b *badgerIndex) Offset(name string) (int64, bool, error) {
	v, ok, err := b.get(offsetKey(name))
	if !ok || err != nil {
		return 0, false, err
	}
	off, err := strconv.ParseInt(v, 10, 64)
	if err != nil || off < 0 {
		return 0, false, nil
	}
	return off, true, nil
}

func (b *badgerIndex) SetOffset(name string, offset int64) error {
	return b.set(offsetKey(name), strconv.FormatInt(offset, 10))
}

func (b *badgerIndex) Meta(name string) (Meta, bool, error) {
	v, ok, err := b.get(metaKey(name))
	if !ok || err != nil {
		return Meta{}, false, err
	}
	m, ok := parseMeta(v)
	return m, ok, nil
}

func (b *badgerIndex) SetMeta(name string, m Meta) error {
	return b.set(metaKey(name), formatMeta(m))
}

func (b *badgerIndex) Forget(name string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(offsetKey(name)); err != nil {
			return err
		}
		return txn.Delete(metaKey(name))
	})
	if err != nil {
		return fmt.Errorf("failed to forget %q: %w", name, err)
	}
	return nil
}

func (b *badgerIndex) Close() error {
	return b.db.Close()
}

// badgerLogger demotes Badger's chatty info output to debug.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
