package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Staleness() != 5*time.Second {
		t.Fatalf("staleness = %v", cfg.Staleness())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":          func(c *Config) { c.Transport.Mode = "carrier-pigeon" },
		"channel":       func(c *Config) { c.Transport.Channel = " " },
		"staleness":     func(c *Config) { c.Transport.StalenessMs = 0 },
		"port":          func(c *Config) { c.Transport.GossipListenPort = 70000 },
		"backend":       func(c *Config) { c.Storage.Backend = "redis" },
		"touch slop":    func(c *Config) { c.Drag.TouchSlopPx = 0 },
		"frame":         func(c *Config) { c.Drag.FrameMs = 0 },
		"width range":   func(c *Config) { c.Drag.MinWidth = 800 },
		"default width": func(c *Config) { c.Drag.DefaultWidth = 100 },
		"linger":        func(c *Config) { c.Call.EndedLingerMs = -1 },
		"tabs":          func(c *Config) { c.Monitor.Tabs = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadAcceptsCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callsync.json")
	src := "\xEF\xBB\xBF" + `{
	// fall back explicitly
	"transport": { "mode": "storage", },
	/* keep ended calls a little longer */
	"call": { "ended_linger_ms": 4500 },
}`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Mode != "storage" || cfg.Call.EndedLingerMs != 4500 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Transport.Channel != "thorbis-call-sync" {
		t.Fatalf("defaults lost: channel = %q", cfg.Transport.Channel)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callsync.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"backend":"memory"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLSYNC_STORAGE_BACKEND", "sqlite")
	t.Setenv("CALLSYNC_STORAGE_PATH", "data/tabs.db")
	t.Setenv("CALLSYNC_DRAG_SNAP_PX", "12.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "data/tabs.db" || cfg.Drag.SnapPx != 12.5 {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("CALLSYNC_TRANSPORT_MODE", "nope")
	if _, err := Load(path); err == nil {
		t.Fatal("invalid env override accepted")
	}
}

func TestStoragePathDefaultsPerBackend(t *testing.T) {
	cases := []struct {
		storage Storage
		want    string
	}{
		{Storage{Backend: "memory"}, ""},
		{Storage{Backend: "sqlite"}, DefaultSQLitePath},
		{Storage{Backend: "dir"}, DefaultDirPath},
		{Storage{Backend: "dir", Path: "tabs"}, "tabs"},
		{Storage{Backend: "sqlite", Path: "  "}, DefaultSQLitePath},
	}
	for _, tc := range cases {
		if got := tc.storage.ResolvedPath(); got != tc.want {
			t.Errorf("%+v: ResolvedPath = %q, want %q", tc.storage, got, tc.want)
		}
	}

	cfg := Default()
	cfg.Storage.Backend = "dir"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dir backend without path: %v", err)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "callsync.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created || cfg.Monitor.Tabs != 2 {
		t.Fatalf("created=%v cfg=%+v", created, cfg)
	}

	cfg.Monitor.Tabs = 5
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created || again.Monitor.Tabs != 5 {
		t.Fatalf("created=%v tabs=%d", created, again.Monitor.Tabs)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = ""
	if err := Save(filepath.Join(t.TempDir(), "c.json"), cfg); err == nil {
		t.Fatal("expected error")
	}
}
