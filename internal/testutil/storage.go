package testutil

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/Sternrassler/shellcache/pkg/cache"
)

// ErrStorageDown is returned by FailingStorage.
var ErrStorageDown = errors.New("storage unavailable")

// RecordingStorage wraps a cache.Storage and counts every access to it.
type RecordingStorage struct {
	cache.Storage

	reads  atomic.Int64
	writes atomic.Int64
}

// NewRecordingStorage wraps inner, or a fresh memory storage when inner is nil.
func NewRecordingStorage(inner cache.Storage) *RecordingStorage {
	if inner == nil {
		inner = cache.NewMemoryStorage()
	}
	return &RecordingStorage{Storage: inner}
}

// Reads returns the number of read operations (Names, Has, Match, Keys, Len).
func (s *RecordingStorage) Reads() int64 { return s.reads.Load() }

// Writes returns the number of write operations (Open, Delete, Put).
func (s *RecordingStorage) Writes() int64 { return s.writes.Load() }

// Accesses returns reads plus writes.
func (s *RecordingStorage) Accesses() int64 { return s.Reads() + s.Writes() }

func (s *RecordingStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	s.writes.Add(1)
	p, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &recordingPartition{Partition: p, owner: s}, nil
}

func (s *RecordingStorage) Has(ctx context.Context, name string) (bool, error) {
	s.reads.Add(1)
	return s.Storage.Has(ctx, name)
}

func (s *RecordingStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writes.Add(1)
	return s.Storage.Delete(ctx, name)
}

func (s *RecordingStorage) Names(ctx context.Context) ([]string, error) {
	s.reads.Add(1)
	return s.Storage.Names(ctx)
}

type recordingPartition struct {
	cache.Partition
	owner *RecordingStorage
}

func (p *recordingPartition) Match(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	p.owner.reads.Add(1)
	return p.Partition.Match(ctx, req)
}

func (p *recordingPartition) Put(ctx context.Context, req *http.Request, entry *cache.Entry) error {
	p.owner.writes.Add(1)
	return p.Partition.Put(ctx, req, entry)
}

func (p *recordingPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.owner.writes.Add(1)
	return p.Partition.Delete(ctx, key)
}

func (p *recordingPartition) Keys(ctx context.Context) ([]string, error) {
	p.owner.reads.Add(1)
	return p.Partition.Keys(ctx)
}

func (p *recordingPartition) Len(ctx context.Context) (int, error) {
	p.owner.reads.Add(1)
	return p.Partition.Len(ctx)
}

// FailingStorage fails every operation with ErrStorageDown.
type FailingStorage struct{}

func (FailingStorage) Open(context.Context, string) (cache.Partition, error) {
	return nil, ErrStorageDown
}

func (FailingStorage) Has(context.Context, string) (bool, error) {
	return false, ErrStorageDown
}

func (FailingStorage) Delete(context.Context, string) (bool, error) {
	return false, ErrStorageDown
}

func (FailingStorage) Names(context.Context) ([]string, error) {
	return nil, ErrStorageDown
}
