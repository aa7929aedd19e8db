// Package memory implements storage.Storage in process memory.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pardot/oidcop/storage"
)

var (
	_ storage.Storage          = (*Storage)(nil)
	_ storage.GarbageCollector = (*Storage)(nil)
)

// Storage is an in-memory implementation of storage.Storage. It should only be
// used for testing or single instance deployments. All data will be lost when
// the process ends.
type Storage struct {
	sync.Mutex
	m map[string]map[string]*record

	now func() time.Time
}

type record struct {
	Version int64
	Data    []byte
	Expires *time.Time
}

func (r *record) expired(now time.Time) bool {
	return r.Expires != nil && now.After(*r.Expires)
}

func New() *Storage {
	return &Storage{
		m:   make(map[string]map[string]*record),
		now: time.Now,
	}
}

func (s *Storage) Get(_ context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	s.Lock()
	defer s.Unlock()

	mm, ok := s.m[keyspace]
	if !ok {
		return 0, &errNotFound{errors.New("keyspace not found")}
	}

	r, ok := mm[key]
	if !ok || r.expired(s.now()) {
		return 0, &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
	}

	if err := json.Unmarshal(r.Data, into); err != nil {
		return 0, fmt.Errorf("unmarshaling %s/%s: %w", keyspace, key, err)
	}

	return r.Version, nil
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

	s.Lock()
	defer s.Unlock()

	mm, ok := s.m[keyspace]
	if !ok {
		mm = make(map[string]*record)
		s.m[keyspace] = mm
	}

	var current int64
	if r, ok := mm[key]; ok && !r.expired(s.now()) {
		current = r.Version
	}
	if current != version {
		return 0, &errConflict{fmt.Errorf("%s/%s version conflict, want to put version %d but current version is %d", keyspace, key, version, current)}
	}

	r := &record{
		Version: version + 1,
		Data:    data,
		Expires: expires,
	}
	mm[key] = r

	return r.Version, nil
}

func (s *Storage) List(_ context.Context, keyspace string) (keys []string, err error) {
	s.Lock()
	defer s.Unlock()

	mm, ok := s.m[keyspace]
	if !ok {
		return []string{}, nil
	}

	now := s.now()
	keys = make([]string, 0, len(mm))
	for k, r := range mm {
		if r.expired(now) {
			continue
		}

		keys = append(keys, k)
	}

	return keys, nil
}

func (s *Storage) Delete(_ context.Context, keyspace, key string, version int64) error {
	s.Lock()
	defer s.Unlock()

	mm, ok := s.m[keyspace]
	if !ok {
		return &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
	}

	r, ok := mm[key]
	if !ok || r.expired(s.now()) {
		return &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
	}

	if r.Version != version {
		return &errConflict{fmt.Errorf("%s/%s version conflict, want to delete version %d but current version is %d", keyspace, key, version, r.Version)}
	}

	delete(mm, key)
	return nil
}

// GarbageCollect drops all expired records.
func (s *Storage) GarbageCollect(_ context.Context, now time.Time) (removed int, err error) {
	s.Lock()
	defer s.Unlock()

	for ks, mm := range s.m {
		for k, r := range mm {
			if r.expired(now) {
				delete(mm, k)
				removed++
			}
		}
		if len(mm) == 0 {
			delete(s.m, ks)
		}
	}

	return removed, nil
}

type errNotFound struct {
	error
}

func (*errNotFound) NotFoundErr() {}

type errConflict struct {
	error
}

func (*errConflict) ConflictErr() {}
