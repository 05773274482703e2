package server

import (
	"context"
	"sync"

	"github.com/tcehjaava/nbd-server/objstore"
)

// fakeStore is an in-memory Store used by session tests: plain get/put
// for block data, plus conditional writes good enough to drive the
// lease state machine without any network dependency.
type fakeStore struct {
	mu   sync.Mutex
	objs map[string]fakeObject
	seq  int
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objs: make(map[string]fakeObject)}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objs[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return append([]byte(nil), o.data...), nil
}

func (s *fakeStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(key, data)
	return nil
}

func (s *fakeStore) Head(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objs[key]
	if !ok {
		return "", objstore.ErrNotFound
	}
	return o.etag, nil
}

func (s *fakeStore) PutIfAbsent(_ context.Context, key string, data []byte) (objstore.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[key]; ok {
		return objstore.PutResult{}, objstore.ErrPreconditionFailed
	}
	return objstore.PutResult{ETag: s.commitLocked(key, data)}, nil
}

func (s *fakeStore) PutIfMatch(_ context.Context, key string, data []byte, etag string) (objstore.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objs[key]
	if !ok || o.etag != etag {
		return objstore.PutResult{}, objstore.ErrPreconditionFailed
	}
	return objstore.PutResult{ETag: s.commitLocked(key, data)}, nil
}

func (s *fakeStore) commitLocked(key string, data []byte) string {
	s.seq++
	etag := "etag-" + string(rune('a'+s.seq))
	s.objs[key] = fakeObject{data: append([]byte(nil), data...), etag: etag}
	return etag
}
