package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/digitalgoods/fulfillment-services/models/service"
)

// FakeStagingStore is an in-memory stand-in for the staging bucket.
type FakeStagingStore struct {
	mutex         sync.Mutex
	files         map[string]*service.StagedFile
	gets          int
	err           error
	requireBucket bool
	bucketReady   bool
}

// ErrNoSuchBucket is what Put returns when RequireBucket is set and
// EnsureBucket has not been called.
var ErrNoSuchBucket = errors.New("NoSuchBucket: The specified bucket does not exist")

func NewFakeStagingStore() *FakeStagingStore {
	return &FakeStagingStore{files: make(map[string]*service.StagedFile)}
}

// SetError makes every call fail with err.
func (s *FakeStagingStore) SetError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.err = err
}

// RequireBucket makes Put fail until EnsureBucket is called, like a
// staging server on a fresh deployment.
func (s *FakeStagingStore) RequireBucket() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requireBucket = true
}

func (s *FakeStagingStore) EnsureBucket(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bucketReady = true
	return nil
}

func (s *FakeStagingStore) Put(ctx context.Context, file *service.StagedFile) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.requireBucket && !s.bucketReady {
		return ErrNoSuchBucket
	}
	copied := *file
	s.files[file.ProductID] = &copied
	return nil
}

func (s *FakeStagingStore) Get(ctx context.Context, productID string) (*service.StagedFile, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.gets++
	if s.err != nil {
		return nil, s.err
	}
	file, ok := s.files[productID]
	if !ok {
		return nil, nil
	}
	copied := *file
	return &copied, nil
}

func (s *FakeStagingStore) Exists(ctx context.Context, productID string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return false, s.err
	}
	_, ok := s.files[productID]
	return ok, nil
}

func (s *FakeStagingStore) Delete(ctx context.Context, productID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.files, productID)
	return nil
}

// Gets returns the number of Get calls.
func (s *FakeStagingStore) Gets() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.gets
}
