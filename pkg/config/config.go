package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/ritzau/buildwatch/pkg/logging"
)

// FileName is the optional configuration file read from the working directory
const FileName = "buildwatch.toml"

// Config holds all configuration for the application
type Config struct {
	Project          string        `koanf:"project"`
	Properties       []string      `koanf:"property"`
	Framework        string        `koanf:"framework"`
	Restore          bool          `koanf:"restore"`
	StaticAssets     bool          `koanf:"static-assets"`
	ReevaluateAlways bool          `koanf:"reevaluate-always"`
	WatchTargets     []string      `koanf:"watch-targets"`
	Engine           string        `koanf:"engine"`
	EngineArgs       []string      `koanf:"engine-args"`
	CacheSize        int           `koanf:"cache-size"`
	QuietPeriod      time.Duration `koanf:"quiet-period"`
	MaxWait          time.Duration `koanf:"max-wait"`
	Port             int           `koanf:"port"`
	Verbosity        string        `koanf:"verbosity"`
	VerboseCnt       int           `koanf:"verbose"`
	JSONLogs         bool          `koanf:"json-logs"`
	List             bool          `koanf:"list"`
}

// Defaults returns the configuration used when nothing else is set
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"project":           ".",
		"property":          []string{},
		"framework":         "",
		"restore":           true,
		"static-assets":     true,
		"reevaluate-always": false,
		"watch-targets":     []string{},
		"engine":            "dotnet",
		"engine-args":       []string{"msbuild"},
		"cache-size":        512,
		"quiet-period":      "100ms",
		"max-wait":          "2s",
		"port":              0,
		"verbosity":         "",
		"verbose":           0,
		"json-logs":         false,
		"list":              false,
	}
}

// RegisterFlags defines the command line flags that Load reads
func RegisterFlags(f *pflag.FlagSet) {
	f.StringP("project", "p", ".", "Project file, or a directory containing exactly one")
	f.StringSlice("property", nil, "Global properties NAME=VALUE passed to every evaluation (repeatable)")
	f.StringP("framework", "f", "", "Target framework to evaluate for multi-targeted projects")
	f.Bool("restore", true, "Run the restore target before evaluating")
	f.Bool("static-assets", true, "Collect static web assets of web projects")
	f.Bool("reevaluate-always", false, "Re-evaluate on every accepted change")
	f.StringSlice("watch-targets", nil, "Additional targets that collect watch items")
	f.String("engine", "dotnet", "Build engine executable")
	f.StringSlice("engine-args", []string{"msbuild"}, "Arguments passed to the engine before the project")
	f.Int("cache-size", 512, "Number of parsed build documents to keep")
	f.Duration("quiet-period", 100*time.Millisecond, "Quiet time before a batch of changes is handled")
	f.Duration("max-wait", 2*time.Second, "Longest time a batch of changes is held back")
	f.Int("port", 0, "Serve status on this port (0 disables the server)")
	f.String("verbosity", "", "Log level (trace, debug, info, warn, error)")
	f.CountP("verbose", "v", "Increase verbosity (-v debug, -vv trace)")
	f.Bool("json-logs", false, "Write logs as JSON")
	f.Bool("list", false, "Evaluate once, print the watch-set and exit")
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(makeMapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config File (optional) - buildwatch.toml
	// We ignore errors here as the file might not exist
	_ = k.Load(file.Provider(FileName), toml.Parser())

	// 3. Environment Variables
	// Prefix: BUILDWATCH_ (e.g., BUILDWATCH_QUIET_PERIOD=250ms)
	if err := k.Load(env.Provider("BUILDWATCH_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Unmarshal into struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(
		strings.TrimPrefix(s, "BUILDWATCH_")), "_", "-")
}

// Validate checks values that cannot be used as given
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project must not be empty")
	}
	if c.Engine == "" {
		return fmt.Errorf("engine must not be empty")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache-size must be positive, got %d", c.CacheSize)
	}
	if c.QuietPeriod <= 0 {
		return fmt.Errorf("quiet-period must be positive, got %s", c.QuietPeriod)
	}
	if c.MaxWait < c.QuietPeriod {
		return fmt.Errorf("max-wait %s is shorter than quiet-period %s", c.MaxWait, c.QuietPeriod)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if _, err := c.GlobalProperties(); err != nil {
		return err
	}
	return nil
}

// GlobalProperties parses the NAME=VALUE properties. Later values win.
func (c *Config) GlobalProperties() (map[string]string, error) {
	props := make(map[string]string, len(c.Properties))
	for _, p := range c.Properties {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid property %q, expected NAME=VALUE", p)
		}
		props[name] = value
	}
	return props, nil
}

// LogLevel resolves the log level. An explicit verbosity wins over the -v count.
func (c *Config) LogLevel() slog.Level {
	if c.Verbosity != "" {
		return logging.ParseLevel(c.Verbosity)
	}
	switch {
	case c.VerboseCnt >= 2:
		return logging.LevelTrace
	case c.VerboseCnt == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Helper to use map as a provider
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: m}
}

func (p *mapProvider) Read() (map[string]interface{}, error) {
	return p.m, nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
