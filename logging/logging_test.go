package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_StdoutLogger(t *testing.T) {
	logger, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer logger.Sync()
	logger.Info("hello")
}

func TestNew_InvalidLevelErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "not-a-level"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestNew_FileOutputCreatesDirectoryAndRotatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "modelpool.log")

	cfg := DefaultConfig()
	cfg.Output = path
	cfg.MaxSizeMB = 1

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("writing to a rotating file sink")
	logger.Sync()

	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected the log file to be created, stat error: %v", statErr)
	}
}

func TestDefaultConfig_IsInfoLevelOnStdout(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Fatalf("expected default level info, got %q", cfg.Level)
	}
	if cfg.Output != "stdout" {
		t.Fatalf("expected default output stdout, got %q", cfg.Output)
	}
}
