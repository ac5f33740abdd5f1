package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store persists the set of jobs with a recorded terminal result so a
// restarted run can skip them. Implementations must never record the same
// ID twice.
type Store interface {
	Load(ctx context.Context) error
	Completed(id string) bool
	MarkCompleted(id string)
	CompletedCount() int
	Flush(ctx context.Context) error
}

type MemoryStore struct {
	mu   sync.Mutex
	done map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{done: make(map[string]struct{})}
}

func (s *MemoryStore) Load(_ context.Context) error { return nil }

func (s *MemoryStore) Completed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

func (s *MemoryStore) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = struct{}{}
}

func (s *MemoryStore) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

func (s *MemoryStore) Flush(_ context.Context) error { return nil }

type checkpointFile struct {
	Completed []string `json:"completed"`
}

// FileStore keeps the checkpoint in a JSON file, written via a temp file
// and rename so a crash never leaves a torn checkpoint.
type FileStore struct {
	path  string
	mu    sync.Mutex
	done  map[string]struct{}
	dirty bool
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	return &FileStore{path: path, done: make(map[string]struct{})}, nil
}

func (s *FileStore) Load(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}
	var cp checkpointFile
	if err := json.Unmarshal(b, &cp); err != nil {
		return fmt.Errorf("parse checkpoint %s: %w", s.path, err)
	}
	for _, id := range cp.Completed {
		s.done[id] = struct{}{}
	}
	return nil
}

func (s *FileStore) Completed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

func (s *FileStore) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; ok {
		return
	}
	s.done[id] = struct{}{}
	s.dirty = true
}

func (s *FileStore) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	ids := make([]string, 0, len(s.done))
	for id := range s.done {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b, err := json.Marshal(checkpointFile{Completed: ids})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}
