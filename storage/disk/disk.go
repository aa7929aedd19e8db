// Package disk implements storage.Storage in a local bbolt database file, for
// single instance deployments that should keep pending authorizations across
// restarts.
package disk

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pardot/oidcop/storage"
)

var (
	_ storage.Storage          = (*Storage)(nil)
	_ storage.GarbageCollector = (*Storage)(nil)
)

type record struct {
	Version int64
	Data    []byte
	Expires *time.Time
}

func (r *record) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(r)
	return buf.Bytes(), err
}

func (r *record) expired(now time.Time) bool {
	return r.Expires != nil && !r.Expires.After(now)
}

func decodeRecord(data []byte) (*record, error) {
	var r *record
	buf := bytes.NewBuffer(data)
	err := gob.NewDecoder(buf).Decode(&r)
	return r, err
}

type errNotFound struct {
	error
}

func (*errNotFound) NotFoundErr() {}

type errConflict struct {
	error
}

func (*errConflict) ConflictErr() {}

// Storage keeps each keyspace in its own bucket.
type Storage struct {
	db  *bolt.DB
	Now func() time.Time
}

// New opens or creates the database at path.
func New(path string, mode os.FileMode) (*Storage, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Storage{db: db, Now: time.Now}, nil
}

// Close releases the database file.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Get(_ context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return &errNotFound{fmt.Errorf("keyspace %s does not exist", keyspace)}
		}
		o := b.Get([]byte(key))
		if o == nil {
			return &errNotFound{fmt.Errorf("%s/%s was not found", keyspace, key)}
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if r.expired(s.Now()) {
			return &errNotFound{fmt.Errorf("%s/%s has expired", keyspace, key)}
		}
		version = r.Version
		if err := json.Unmarshal(r.Data, into); err != nil {
			return fmt.Errorf("unmarshaling %s/%s: %w", keyspace, key, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Storage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, nil)
}

func (s *Storage) PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, &expires)
}

func (s *Storage) putWithOptionalExpiry(_ context.Context, keyspace, key string, version int64, obj interface{}, expires *time.Time) (newVersion int64, err error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s/%s: %w", keyspace, key, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(keyspace))
		if err != nil {
			return err
		}

		// don't count expired objects
		var current int64
		if o := b.Get([]byte(key)); o != nil {
			r, err := decodeRecord(o)
			if err != nil {
				return err
			}
			if !r.expired(s.Now()) {
				current = r.Version
			}
		}

		if current != version {
			return &errConflict{fmt.Errorf("%s/%s version conflict, want to put version %d but current version is %d", keyspace, key, version, current)}
		}

		r := &record{
			Version: version + 1,
			Data:    data,
			Expires: expires,
		}
		rb, err := r.encode()
		if err != nil {
			return err
		}
		newVersion = r.Version
		return b.Put([]byte(key), rb)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *Storage) List(_ context.Context, keyspace string) ([]string, error) {
	keys := []string{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return nil
		}
		now := s.Now()
		return b.ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if !r.expired(now) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})

	return keys, err
}

func (s *Storage) Delete(_ context.Context, keyspace, key string, version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return &errNotFound{fmt.Errorf("keyspace %s does not exist", keyspace)}
		}
		o := b.Get([]byte(key))
		if o == nil {
			return &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if r.expired(s.Now()) {
			return &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
		}
		if r.Version != version {
			return &errConflict{fmt.Errorf("%s/%s version conflict, want to delete version %d but current version is %d", keyspace, key, version, r.Version)}
		}
		return b.Delete([]byte(key))
	})
}

// GarbageCollect deletes expired records, and buckets left empty.
func (s *Storage) GarbageCollect(_ context.Context, now time.Time) (removed int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		var emptyBuckets [][]byte

		if err := tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			var expired [][]byte
			var total int
			if err := b.ForEach(func(k, v []byte) error {
				total++
				r, err := decodeRecord(v)
				if err != nil {
					return err
				}
				if r.expired(now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}

			// keys can't be deleted while iterating the bucket
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
			if total == len(expired) {
				emptyBuckets = append(emptyBuckets, append([]byte(nil), name...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, name := range emptyBuckets {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
