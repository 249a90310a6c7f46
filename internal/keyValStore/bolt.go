package keyValStore

import (
	"bytes"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	boltDataBucket    = []byte("kv")
	boltCounterBucket = []byte("counters")
)

const boltFileName = "rooms.bolt"

// BoltStore keeps everything in one bbolt bucket. bbolt has a single writer,
// so PutIfAbsent and counters are serialised by the write transaction.
type BoltStore struct {
	log          logrus.FieldLogger
	db           *bolt.DB
	readCounter  uint64
	writeCounter uint64
}

func NewBoltStore(config StoreConfig) (*BoltStore, error) {
	if err := config.checkConfig(); err != nil {
		return nil, errors.Wrap(err, "error checking config for BoltStore")
	}
	filePath := filepath.Join(config.Paths[0], boltFileName)

	db, err := bolt.Open(filePath, 0o600, &bolt.Options{
		Timeout: time.Second,
		NoSync:  !config.SyncWrites,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", filePath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltDataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltCounterBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	if err := displayDiskUsage(config.Logger, config.Paths); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{log: config.Logger, db: db}, nil
}

func (s *BoltStore) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&s.readCounter, 1)
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltDataBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, errors.Wrapf(err, "read key %x", key)
}

func (s *BoltStore) Put(key, value []byte) error {
	atomic.AddUint64(&s.writeCounter, 1)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDataBucket).Put(key, value)
	})
	return errors.Wrapf(err, "write key %x", key)
}

func (s *BoltStore) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	var stored []byte
	var inserted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltDataBucket)
		if v := b.Get(key); v != nil {
			stored = bytes.Clone(v)
			return nil
		}
		atomic.AddUint64(&s.writeCounter, 1)
		stored, inserted = bytes.Clone(value), true
		return b.Put(key, value)
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "put if absent %x", key)
	}
	return stored, inserted, nil
}

func (s *BoltStore) WriteBatch(batch []Pair) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltDataBucket)
		for _, kv := range batch {
			atomic.AddUint64(&s.writeCounter, 1)
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "write batch")
}

func (s *BoltStore) InsertBatch(guard []byte, batch []Pair) (bool, error) {
	var inserted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltDataBucket)
		if b.Get(guard) != nil {
			return nil
		}
		for _, kv := range batch {
			atomic.AddUint64(&s.writeCounter, 1)
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "insert batch guarded by %x", guard)
	}
	return inserted, nil
}

func (s *BoltStore) Delete(key []byte) error {
	atomic.AddUint64(&s.writeCounter, 1)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDataBucket).Delete(key)
	})
	return errors.Wrapf(err, "delete key %x", key)
}

func (s *BoltStore) Scan(prefix, from []byte, reverse bool, fn ScanFunc) error {
	atomic.AddUint64(&s.readCounter, 1)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltDataBucket).Cursor()

		var k, v []byte
		if reverse {
			seek := reverseSeekKey(prefix, from)
			k, v = c.Seek(seek)
			switch {
			case k == nil:
				k, v = c.Last()
			case !bytes.Equal(k, seek) || !bytes.HasPrefix(k, prefix):
				k, v = c.Prev()
			}
		} else {
			k, v = c.Seek(forwardSeekKey(prefix, from))
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = step(c, reverse) {
			more, err := fn(bytes.Clone(k), bytes.Clone(v))
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
	return errors.Wrapf(err, "scan prefix %x", prefix)
}

func step(c *bolt.Cursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Prev()
	}
	return c.Next()
}

func (s *BoltStore) Increment(counter []byte) (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(boltCounterBucket).CreateBucketIfNotExists(counter)
		if err != nil {
			return err
		}
		n, err = b.NextSequence()
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "advance counter %s", counter)
	}
	return n, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Sync(); err != nil {
		s.log.WithError(err).Warn("sync before close")
	}
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
