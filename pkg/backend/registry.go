package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FileRecord is one uploaded file known to the backend.
type FileRecord struct {
	Key          string
	Name         string
	Path         string
	Size         int64
	UploadedAtMs int64
}

// FileRegistry maps upload keys to stored files.
type FileRegistry interface {
	Put(ctx context.Context, rec FileRecord) error
	Get(ctx context.Context, key string) (FileRecord, bool, error)
	Delete(ctx context.Context, key string) error
	// List returns records ordered by upload time, then key.
	List(ctx context.Context) ([]FileRecord, error)
	Close() error
}

func normalizeFileRecord(rec FileRecord) (FileRecord, error) {
	rec.Key = strings.TrimSpace(rec.Key)
	if rec.Key == "" {
		return rec, errors.New("file record: key is empty")
	}
	if rec.Path == "" {
		return rec, errors.Errorf("file record %s: path is empty", rec.Key)
	}
	if rec.Name == "" {
		rec.Name = rec.Key
	}
	if rec.UploadedAtMs <= 0 {
		rec.UploadedAtMs = time.Now().UnixMilli()
	}
	return rec, nil
}

func sortFileRecords(recs []FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UploadedAtMs != recs[j].UploadedAtMs {
			return recs[i].UploadedAtMs < recs[j].UploadedAtMs
		}
		return recs[i].Key < recs[j].Key
	})
}

type InMemoryFileRegistry struct {
	mu    sync.Mutex
	files map[string]FileRecord
}

var _ FileRegistry = &InMemoryFileRegistry{}

func NewInMemoryFileRegistry() *InMemoryFileRegistry {
	return &InMemoryFileRegistry{files: map[string]FileRecord{}}
}

func (r *InMemoryFileRegistry) Put(_ context.Context, rec FileRecord) error {
	rec, err := normalizeFileRecord(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[rec.Key] = rec
	return nil
}

func (r *InMemoryFileRegistry) Get(_ context.Context, key string) (FileRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.files[strings.TrimSpace(key)]
	return rec, ok, nil
}

func (r *InMemoryFileRegistry) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, strings.TrimSpace(key))
	return nil
}

func (r *InMemoryFileRegistry) List(_ context.Context) ([]FileRecord, error) {
	r.mu.Lock()
	out := make([]FileRecord, 0, len(r.files))
	for _, rec := range r.files {
		out = append(out, rec)
	}
	r.mu.Unlock()
	sortFileRecords(out)
	return out, nil
}

func (r *InMemoryFileRegistry) Close() error { return nil }
