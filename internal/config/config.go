package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/clintrovert/autofix/pkg/types"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Backends understood by the fixer
const (
	BackendCLI    = "cli"
	BackendOpenAI = "openai"
)

// Config holds all daemon configuration
type Config struct {
	GitHub GitHubConfig `toml:"github"`
	Daemon DaemonConfig `toml:"daemon"`
	Fixer  FixerConfig  `toml:"fixer"`
	Status StatusConfig `toml:"status"`
}

// GitHubConfig holds GitHub API settings and the monitored repositories
type GitHubConfig struct {
	Token             string   `toml:"token"`
	APIURL            string   `toml:"api_url"`
	BotLogin          string   `toml:"bot_login"`
	Repos             []string `toml:"repos"`
	Orgs              []string `toml:"orgs"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// DaemonConfig holds polling loop and ledger settings
type DaemonConfig struct {
	DataDir            string   `toml:"data_dir"`
	DatabasePath       string   `toml:"database_path"`
	PollInterval       Duration `toml:"poll_interval"`
	Lookback           Duration `toml:"lookback"`
	ScopeFailedPerRepo bool     `toml:"scope_failed_per_repo"`
	MinSeverity        string   `toml:"min_severity"`
	LogLevel           string   `toml:"log_level"`
}

// FixerConfig holds settings for the fix executor and its edit backend
type FixerConfig struct {
	Backend        string   `toml:"backend"`
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Timeout        Duration `toml:"timeout"`
	WorkspaceDir   string   `toml:"workspace_dir"`
	Model          string   `toml:"model"`
	OpenAIAPIKey   string   `toml:"openai_api_key"`
	GitAuthorName  string   `toml:"git_author_name"`
	GitAuthorEmail string   `toml:"git_author_email"`
}

// StatusConfig holds the optional read-only HTTP status endpoint
type StatusConfig struct {
	Listen string `toml:"listen"`
}

// Duration is a time.Duration decoded from strings like "5m"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".autofixd")
	return &Config{
		GitHub: GitHubConfig{
			BotLogin:          "cursor[bot]",
			RequestsPerSecond: 5,
		},
		Daemon: DaemonConfig{
			DataDir:      dataDir,
			PollInterval: Duration{5 * time.Minute},
			Lookback:     Duration{7 * 24 * time.Hour},
			MinSeverity:  "low",
			LogLevel:     "info",
		},
		Fixer: FixerConfig{
			Backend:        BackendCLI,
			Command:        "cursor-agent",
			Args:           []string{"--print", "--force"},
			Timeout:        Duration{20 * time.Minute},
			Model:          "gpt-4o",
			GitAuthorName:  "autofix-bot",
			GitAuthorEmail: "autofix-bot@users.noreply.github.com",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandPath(path))
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()

	cfg.Daemon.DataDir = ExpandPath(cfg.Daemon.DataDir)
	cfg.Daemon.DatabasePath = ExpandPath(cfg.Daemon.DatabasePath)
	cfg.Fixer.WorkspaceDir = ExpandPath(cfg.Fixer.WorkspaceDir)
	if cfg.Daemon.DatabasePath == "" {
		cfg.Daemon.DatabasePath = filepath.Join(cfg.Daemon.DataDir, "ledger.db")
	}
	if cfg.Fixer.WorkspaceDir == "" {
		cfg.Fixer.WorkspaceDir = filepath.Join(cfg.Daemon.DataDir, "workspace")
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.GitHub.Token = getEnv("GITHUB_TOKEN", c.GitHub.Token)
	c.Fixer.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.Fixer.OpenAIAPIKey)
	c.Daemon.LogLevel = getEnv("AUTOFIX_LOG_LEVEL", c.Daemon.LogLevel)
	c.Daemon.DataDir = getEnv("AUTOFIX_DATA_DIR", c.Daemon.DataDir)
}

// Validate reports the first configuration problem that would keep the
// daemon from running.
func (c *Config) Validate() error {
	if len(c.GitHub.Repos) == 0 && len(c.GitHub.Orgs) == 0 {
		return fmt.Errorf("%w: no repos or orgs to monitor", ErrInvalid)
	}
	if _, err := c.RepoRefs(); err != nil {
		return err
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("%w: github token not set (GITHUB_TOKEN)", ErrInvalid)
	}
	if c.GitHub.BotLogin == "" {
		return fmt.Errorf("%w: github.bot_login is empty", ErrInvalid)
	}
	if c.Daemon.PollInterval.Duration <= 0 {
		return fmt.Errorf("%w: daemon.poll_interval must be positive", ErrInvalid)
	}
	if c.Daemon.Lookback.Duration <= 0 {
		return fmt.Errorf("%w: daemon.lookback must be positive", ErrInvalid)
	}
	if _, err := types.ParseSeverity(c.Daemon.MinSeverity); err != nil {
		return fmt.Errorf("%w: daemon.min_severity: %v", ErrInvalid, err)
	}
	switch c.Fixer.Backend {
	case BackendCLI:
		if c.Fixer.Command == "" {
			return fmt.Errorf("%w: fixer.command is empty", ErrInvalid)
		}
	case BackendOpenAI:
	default:
		return fmt.Errorf("%w: unknown fixer.backend %q", ErrInvalid, c.Fixer.Backend)
	}
	if c.Fixer.Timeout.Duration <= 0 {
		return fmt.Errorf("%w: fixer.timeout must be positive", ErrInvalid)
	}
	return nil
}

// RepoRefs parses the explicitly configured repositories
func (c *Config) RepoRefs() ([]types.RepoRef, error) {
	refs := make([]types.RepoRef, 0, len(c.GitHub.Repos))
	for _, r := range c.GitHub.Repos {
		ref, err := types.ParseRepoRef(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// LockPath returns the single-instance lock file, next to the ledger
func (c *Config) LockPath() string {
	return filepath.Join(filepath.Dir(c.Daemon.DatabasePath), "autofixd.lock")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "autofixd", "config.toml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
