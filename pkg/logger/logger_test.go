package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")

	log, err := New(Config{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	log.Info("hello")
	_ = log.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected log file to contain the entry")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected no-op logger")
	}
}
