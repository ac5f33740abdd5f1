package progress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.checkpoint")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.MarkCompleted("line-000001")
	s.MarkCompleted("line-000003")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := reopened.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reopened.Completed("line-000001") || !reopened.Completed("line-000003") {
		t.Fatal("reloaded store lost completed IDs")
	}
	if reopened.Completed("line-000002") {
		t.Fatal("unrecorded ID reported as completed")
	}
	if got := reopened.CompletedCount(); got != 2 {
		t.Fatalf("expected 2 completed, got %d", got)
	}
}

func TestFileStoreLoadMissingFileIsEmpty(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "never-written"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load of missing file must succeed: %v", err)
	}
	if s.CompletedCount() != 0 {
		t.Fatal("missing checkpoint must load empty")
	}
}

func TestFileStoreLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.checkpoint")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("expected error for corrupt checkpoint")
	}
}

func TestFileStoreMarkIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.checkpoint")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.MarkCompleted("a")
	s.MarkCompleted("a")
	if got := s.CompletedCount(); got != 1 {
		t.Fatalf("expected 1 completed, got %d", got)
	}
}

func TestFileStoreFlushSkipsWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.checkpoint")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("clean store must not write a checkpoint file")
	}

	s.MarkCompleted("a")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// Second flush with no new marks must leave the file untouched.
	if err := os.Chtimes(path, before.ModTime(), before.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatal("flush rewrote an unchanged checkpoint")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.MarkCompleted("x")
	if !s.Completed("x") || s.Completed("y") {
		t.Fatal("memory store membership wrong")
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
