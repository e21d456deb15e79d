package tier_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/entitle/tier"
)

func writeConfig(t *testing.T, path, version string) {
	t.Helper()
	data := strings.Replace(string(mustReadFixture(t)), `version: "2026-03-01"`, "version: "+version, 1)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoaderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	writeConfig(t, path, "v1")

	l, err := tier.NewLoader(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := l.Current().Version; got != "v1" {
		t.Fatalf("initial version = %q", got)
	}

	var seen atomic.Value
	l.OnChange(func(cfg *tier.Configuration) { seen.Store(cfg.Version) })

	writeConfig(t, path, "v2")
	cfg, err := l.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != "v2" || l.Current().Version != "v2" {
		t.Errorf("version after reload = %q / %q", cfg.Version, l.Current().Version)
	}
	if seen.Load() != "v2" {
		t.Errorf("callback saw %v", seen.Load())
	}
}

func TestLoaderKeepsCurrentOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	writeConfig(t, path, "v1")

	l, err := tier.NewLoader(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("version: v2\npolicy: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err == nil {
		t.Fatal("expected invalid reload to fail")
	}
	if got := l.Current().Version; got != "v1" {
		t.Errorf("version = %q, want v1 kept", got)
	}
}

func TestNewLoaderRequiresValidFile(t *testing.T) {
	if _, err := tier.NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	writeConfig(t, path, "v1")

	l, err := tier.NewLoader(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop, err := l.Watch()
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	writeConfig(t, path, "v2")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.Current().Version == "v2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watch did not pick up change, version = %q", l.Current().Version)
}

func TestStatic(t *testing.T) {
	cfg, err := tier.Parse(mustReadFixture(t))
	if err != nil {
		t.Fatal(err)
	}
	var src tier.Source = tier.NewStatic(cfg)
	if src.Current() != cfg {
		t.Error("static source returned a different configuration")
	}
}
