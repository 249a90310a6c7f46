package keyValStore

import (
	"bytes"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// sequenceBandwidth is how many counter values badger leases per disk write.
// A crash loses at most one lease, which only leaves a gap.
const sequenceBandwidth = 128

type KeyValStore struct {
	config       StoreConfig
	log          logrus.FieldLogger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64

	seqMu     sync.Mutex
	sequences map[string]*badger.Sequence

	stopStats chan struct{}
	statsOnce sync.Once
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, errors.Wrap(err, "error checking config for KeyValStore")
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %s", config.Paths[0])
	}

	err = displayDiskUsage(log, config.Paths)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &KeyValStore{
		config:    config,
		log:       log,
		badgerDB:  db,
		sequences: make(map[string]*badger.Sequence),
		stopStats: make(chan struct{}),
	}, nil
}

// StartTransactionCounter logs read and write operations per interval until
// the store is closed.
func (k *KeyValStore) StartTransactionCounter(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stopStats:
				return
			case <-ticker.C:
				readOps := atomic.SwapUint64(&k.readCounter, 0)
				writeOps := atomic.SwapUint64(&k.writeCounter, 0)
				k.log.WithFields(logrus.Fields{
					"reads":    readOps,
					"writes":   writeOps,
					"interval": interval.String(),
				}).Debug("kv operations")
			}
		}
	}()
}

func (k *KeyValStore) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read key %x", key)
	}
	return value, nil
}

func (k *KeyValStore) Put(key []byte, value []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return errors.Wrapf(err, "write key %x", key)
}

func (k *KeyValStore) WriteBatch(batch []Pair) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Set(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "write batch")
}

// PutIfAbsent runs a read-then-write transaction. Two writers racing for the
// same key conflict on commit; the loser retries and then reads the winner.
func (k *KeyValStore) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	var stored []byte
	var inserted bool

	attempt := func() error {
		stored, inserted = nil, false
		err := k.badgerDB.Update(func(txn *badger.Txn) error {
			atomic.AddUint64(&k.readCounter, 1)
			item, err := txn.Get(key)
			if err == nil {
				stored, err = item.ValueCopy(nil)
				return err
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			atomic.AddUint64(&k.writeCounter, 1)
			stored, inserted = bytes.Clone(value), true
			return txn.Set(key, value)
		})
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(attempt, conflictBackoff()); err != nil {
		return nil, false, errors.Wrapf(err, "put if absent %x", key)
	}
	return stored, inserted, nil
}

// InsertBatch is WriteBatch in a transaction that first reads guard, so
// racing inserts of the same guard conflict and only one commits.
func (k *KeyValStore) InsertBatch(guard []byte, batch []Pair) (bool, error) {
	var inserted bool

	attempt := func() error {
		inserted = false
		err := k.badgerDB.Update(func(txn *badger.Txn) error {
			atomic.AddUint64(&k.readCounter, 1)
			_, err := txn.Get(guard)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			for _, kv := range batch {
				atomic.AddUint64(&k.writeCounter, 1)
				if err := txn.Set(kv.Key, kv.Value); err != nil {
					return err
				}
			}
			inserted = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(attempt, conflictBackoff()); err != nil {
		return false, errors.Wrapf(err, "insert batch guarded by %x", guard)
	}
	return inserted, nil
}

func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return errors.Wrapf(err, "delete key %x", key)
}

// will visit all keys and values with the given prefix
func (k *KeyValStore) Scan(prefix, from []byte, reverse bool, fn ScanFunc) error {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		if reverse {
			seek := reverseSeekKey(prefix, from)
			it.Seek(seek)
			// Seek lands on seek itself when it exists; it is outside the
			// prefix range unless the caller passed it as from.
			if it.Valid() && !bytes.HasPrefix(it.Item().Key(), prefix) {
				it.Next()
			}
		} else {
			it.Seek(forwardSeekKey(prefix, from))
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			more, err := fn(key, value)
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

func (k *KeyValStore) Increment(counter []byte) (uint64, error) {
	k.seqMu.Lock()
	defer k.seqMu.Unlock()

	seq, ok := k.sequences[string(counter)]
	if !ok {
		var err error
		seq, err = k.badgerDB.GetSequence(counter, sequenceBandwidth)
		if err != nil {
			return 0, errors.Wrapf(err, "lease counter %s", counter)
		}
		k.sequences[string(counter)] = seq
	}

	n, err := seq.Next()
	if err != nil {
		return 0, errors.Wrapf(err, "advance counter %s", counter)
	}
	// badger sequences start at 0, counters hand out 1 first
	return n + 1, nil
}

func (k *KeyValStore) Close() error {
	k.statsOnce.Do(func() { close(k.stopStats) })

	k.seqMu.Lock()
	for name, seq := range k.sequences {
		if err := seq.Release(); err != nil {
			k.log.WithField("counter", name).WithError(err).Warn("release counter lease")
		}
	}
	k.sequences = map[string]*badger.Sequence{}
	k.seqMu.Unlock()

	if err := k.badgerDB.Sync(); err != nil {
		k.log.WithError(err).Warn("sync before close")
	}
	return k.badgerDB.Close()
}

// Clean compacts the LSM tree and runs value log garbage collection.
func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return errors.Wrap(err, "error syncing db")
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return errors.Wrap(err, "error flattening db")
	}
	k.log.Info("DB Flattened")

	// clean badgerDB
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return errors.Wrap(err, "error cleaning db")
	}

	return nil
}

func conflictBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

var _ Store = (*KeyValStore)(nil)
