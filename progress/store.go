package progress

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var log = logrus.WithField("prefix", "progress")

var (
	progressBucket = []byte("wen-restart-progress")
	progressKey    = []byte("progress")
)

// Store is the crash-safe ProgressStore of spec.md §4.1. It is backed by a
// single-bucket, single-key bbolt database: bbolt's own mmap/copy-on-write
// transaction model gives the "create → write → rename"-equivalent
// atomicity the spec calls for, the same engine and bucket/tx idiom
// beacon-chain/db/kv uses for the rest of this corpus's persisted state.
type Store struct {
	db *bolt.DB
	// snappyFramed enables optional snappy-compressed storage of the
	// marshaled record, mirroring prysm's own use of snappy framing for
	// on-disk state.
	snappyFramed bool
}

// Option configures a Store.
type Option func(*Store)

// WithSnappyFraming enables snappy compression of the persisted bytes.
func WithSnappyFraming() Option {
	return func(s *Store) { s.snappyFramed = true }
}

// NewStore opens (creating if absent) the progress database at path.
func NewStore(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "progress: open %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(progressBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "progress: create bucket")
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the persisted progress record. If none has ever been written,
// it returns a fresh Init progress and immediately writes it back, so a
// subsequent crash still has something to resume from (spec.md §4.1).
func (s *Store) Load() (*Progress, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(progressBucket).Get(progressKey)
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "progress: load")
	}
	if raw == nil {
		fresh := NewInit()
		if err := s.Save(fresh); err != nil {
			return nil, errors.Wrap(err, "progress: persist fresh init")
		}
		return fresh, nil
	}
	if s.snappyFramed {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			// A parser error on a byte-level corrupt file is propagated to
			// the caller rather than treated as fatal (spec.md §4.1).
			return nil, errors.Wrap(err, "progress: snappy decode")
		}
		raw = decoded
	}
	p := &Progress{}
	if err := p.Unmarshal(raw); err != nil {
		return nil, errors.Wrap(err, "progress: corrupt record")
	}
	return p, nil
}

// Save atomically overwrites the persisted progress record. Overwrite in
// place is acceptable per spec.md §4.1: the protocol re-derives state from
// gossip after any partial write, so there is no need for a separate
// rename step once bbolt's own transaction durability is in play.
func (s *Store) Save(p *Progress) error {
	raw, err := p.Marshal()
	if err != nil {
		return errors.Wrap(err, "progress: marshal")
	}
	if s.snappyFramed {
		raw = snappy.Encode(nil, raw)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(progressBucket).Put(progressKey, raw)
	}); err != nil {
		return errors.Wrap(err, "progress: save")
	}
	log.WithFields(logrus.Fields{"state": p.State}).Debug("Persisted wen-restart progress")
	return nil
}
