package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseIntOrDefault(t *testing.T) {
	tests := []struct {
		input    string
		def      int
		expected int
	}{
		{"5", 10, 5},
		{"100", 0, 100},
		{"-3", 10, -3},
		{"abc", 10, 10},
		{"", 10, 10},
		{"3.14", 10, 3},
		{"7xyz", 10, 7},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseIntOrDefault(tt.input, tt.def)
			if result != tt.expected {
				t.Errorf("parseIntOrDefault(%q, %d) = %d; want %d", tt.input, tt.def, result, tt.expected)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	tests := []struct {
		input    string
		def      time.Duration
		expected time.Duration
	}{
		{"60m", 10 * time.Minute, 60 * time.Minute},
		{"2h", 10 * time.Minute, 2 * time.Hour},
		{"90s", 10 * time.Minute, 90 * time.Second},
		{"invalid", 10 * time.Minute, 10 * time.Minute},
		{"", 10 * time.Minute, 10 * time.Minute},
		{"500ms", time.Second, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseDurationOrDefault(tt.input, tt.def)
			if result != tt.expected {
				t.Errorf("parseDurationOrDefault(%q, %v) = %v; want %v", tt.input, tt.def, result, tt.expected)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearKlaussEnv(t)
	root := t.TempDir()

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectRoot != root {
		t.Errorf("ProjectRoot = %q, want %q", cfg.ProjectRoot, root)
	}
	if cfg.DefaultWorkerCount != 4 {
		t.Errorf("DefaultWorkerCount = %d, want 4", cfg.DefaultWorkerCount)
	}
	if cfg.DBPath != filepath.Join(root, ".klauss", "klauss.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want default %v", cfg.IdleTimeout, DefaultIdleTimeout)
	}
}

// TestLoadFileOmittingCoordinationKeepsDefaults guards against a config
// file that only sets an unrelated key (workers.default_count) silently
// flipping CoordinationEnabled/SharedDB/AllowExternalDirs to the YAML
// struct's zero value instead of leaving the true defaults alone.
func TestLoadFileOmittingCoordinationKeepsDefaults(t *testing.T) {
	clearKlaussEnv(t)
	root := t.TempDir()
	fileContents := "workers:\n  default_count: 5\n"
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), []byte(fileContents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultWorkerCount != 5 {
		t.Errorf("DefaultWorkerCount = %d, want 5 from file", cfg.DefaultWorkerCount)
	}
	if !cfg.CoordinationEnabled {
		t.Errorf("CoordinationEnabled = false, want true (default preserved when file omits coordination.enabled)")
	}
	if !cfg.SharedDB {
		t.Errorf("SharedDB = false, want true (default preserved when file omits coordination.shared_db)")
	}
	if cfg.AllowExternalDirs {
		t.Errorf("AllowExternalDirs = true, want false (default preserved when file omits safety.allow_external_dirs)")
	}
}

// TestLoadFileCanExplicitlyDisableCoordination confirms the presence
// check doesn't prevent a file from overriding the true defaults to
// false when it actually sets them.
func TestLoadFileCanExplicitlyDisableCoordination(t *testing.T) {
	clearKlaussEnv(t)
	root := t.TempDir()
	fileContents := "coordination:\n  enabled: false\n  shared_db: false\n"
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), []byte(fileContents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CoordinationEnabled {
		t.Errorf("CoordinationEnabled = true, want false as set in file")
	}
	if cfg.SharedDB {
		t.Errorf("SharedDB = true, want false as set in file")
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	clearKlaussEnv(t)
	os.Setenv("KLAUSS_WORKERS", "7")
	os.Setenv("KLAUSS_AUTO_START_WORKERS", "true")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultWorkerCount != 7 {
		t.Errorf("DefaultWorkerCount = %d, want 7", cfg.DefaultWorkerCount)
	}
	if !cfg.AutoStartWorkers {
		t.Errorf("AutoStartWorkers = false, want true")
	}
}

func TestLoadFileOverridesDefaultButEnvWins(t *testing.T) {
	clearKlaussEnv(t)
	root := t.TempDir()
	fileContents := "workers:\n  default_count: 9\nsafety:\n  allow_external_dirs: true\n"
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), []byte(fileContents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultWorkerCount != 9 {
		t.Errorf("DefaultWorkerCount = %d, want 9 from file", cfg.DefaultWorkerCount)
	}
	if !cfg.AllowExternalDirs {
		t.Errorf("AllowExternalDirs = false, want true from file")
	}

	os.Setenv("KLAUSS_WORKERS", "2")
	cfg, err = Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultWorkerCount != 2 {
		t.Errorf("DefaultWorkerCount = %d, want env override of 2", cfg.DefaultWorkerCount)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	clearKlaussEnv(t)
	if _, err := Load(t.TempDir()); err != nil {
		t.Fatalf("Load without config file: %v", err)
	}
}

func TestLogPath(t *testing.T) {
	cfg := &Config{DBPath: "/srv/klauss/.klauss/klauss.db"}
	want := "/srv/klauss/.klauss/logs/worker-1.log"
	if got := cfg.LogPath("worker-1"); got != want {
		t.Errorf("LogPath = %q, want %q", got, want)
	}
}

func clearKlaussEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"KLAUSS_DB_PATH", "KLAUSS_WORKERS", "KLAUSS_AUTO_START_WORKERS",
		"KLAUSS_TASK_TIMEOUT", "KLAUSS_EXECUTOR_COMMAND", "KLAUSS_ALLOW_EXTERNAL_DIRS",
	}
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}
