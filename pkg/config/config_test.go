package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/ritzau/buildwatch/pkg/logging"
)

// inTempDir runs the test from an empty directory so no buildwatch.toml is picked up
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("buildwatch", pflag.ContinueOnError)
	RegisterFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return f
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load(flags(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Project != "." || cfg.Engine != "dotnet" {
		t.Errorf("unexpected project/engine: %q %q", cfg.Project, cfg.Engine)
	}
	if !cfg.Restore || !cfg.StaticAssets || cfg.ReevaluateAlways {
		t.Errorf("unexpected switches: %+v", cfg)
	}
	if cfg.QuietPeriod != 100*time.Millisecond || cfg.MaxWait != 2*time.Second {
		t.Errorf("unexpected debounce settings: %s %s", cfg.QuietPeriod, cfg.MaxWait)
	}
	if cfg.CacheSize != 512 {
		t.Errorf("CacheSize = %d", cfg.CacheSize)
	}
}

func TestLoadPriority(t *testing.T) {
	dir := inTempDir(t)
	toml := `
project = "from-file.csproj"
framework = "net6.0"
cache-size = 32
quiet-period = "300ms"
max-wait = "2s"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUILDWATCH_FRAMEWORK", "net7.0")
	t.Setenv("BUILDWATCH_CACHE_SIZE", "64")

	cfg, err := Load(flags(t, "--framework", "net8.0"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Project != "from-file.csproj" {
		t.Errorf("file should override defaults, Project = %q", cfg.Project)
	}
	if cfg.CacheSize != 64 {
		t.Errorf("env should override the file, CacheSize = %d", cfg.CacheSize)
	}
	if cfg.Framework != "net8.0" {
		t.Errorf("flags should override env, Framework = %q", cfg.Framework)
	}
	if cfg.QuietPeriod != 300*time.Millisecond || cfg.MaxWait != 2*time.Second {
		t.Errorf("durations from file: %s %s", cfg.QuietPeriod, cfg.MaxWait)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	inTempDir(t)

	tests := [][]string{
		{"--cache-size", "0"},
		{"--quiet-period", "3s", "--max-wait", "1s"},
		{"--property", "NoValue"},
		{"--port", "70000"},
	}
	for _, args := range tests {
		if _, err := Load(flags(t, args...)); err == nil {
			t.Errorf("Load(%v) should fail", args)
		}
	}
}

func TestGlobalProperties(t *testing.T) {
	cfg := &Config{Properties: []string{"Configuration=Release", "DefineConstants=A=1", "Configuration=Debug"}}
	props, err := cfg.GlobalProperties()
	if err != nil {
		t.Fatalf("GlobalProperties failed: %v", err)
	}
	if props["Configuration"] != "Debug" {
		t.Errorf("later values should win, got %q", props["Configuration"])
	}
	if props["DefineConstants"] != "A=1" {
		t.Errorf("only the first '=' separates, got %q", props["DefineConstants"])
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		cfg  Config
		want slog.Level
	}{
		{Config{}, slog.LevelInfo},
		{Config{VerboseCnt: 1}, slog.LevelDebug},
		{Config{VerboseCnt: 3}, logging.LevelTrace},
		{Config{Verbosity: "warn", VerboseCnt: 2}, slog.LevelWarn},
	}
	for _, tt := range tests {
		if got := tt.cfg.LogLevel(); got != tt.want {
			t.Errorf("LogLevel(%+v) = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}
