package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/ledger"
	"github.com/vjranagit/modelvault/pkg/retention"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

// EnvPrefix namespaces every environment override
const EnvPrefix = "MODELVAULT_"

// ConfigPathEnvVar overrides the config file location
const ConfigPathEnvVar = "MODELVAULT_CONFIG"

// DefaultConfigPaths are searched in order when no path is given
var DefaultConfigPaths = []string{
	"modelvault.yaml",
	"modelvault.yml",
	"/etc/modelvault/config.yaml",
}

// Config holds the application configuration
type Config struct {
	Storage      StorageConfig      `koanf:"storage"`
	Ledger       LedgerConfig       `koanf:"ledger"`
	Report       ReportConfig       `koanf:"report"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Families     []FamilyConfig     `koanf:"families" validate:"dive"`
	Publish      PublishConfig      `koanf:"publish"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// StorageConfig holds the model root and retention settings
type StorageConfig struct {
	Root        string        `koanf:"root" validate:"required"`
	KeepLast    int           `koanf:"keep_last" validate:"gte=0"`
	LockTimeout time.Duration `koanf:"lock_timeout" validate:"gte=0"`
}

// LedgerConfig selects the metrics ledger backend
type LedgerConfig struct {
	Backend string `koanf:"backend" validate:"oneof=file badger"`
	Path    string `koanf:"path" validate:"required"`
}

// ReportConfig holds where run reports are written
type ReportConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

// OrchestratorConfig holds run-level settings
type OrchestratorConfig struct {
	Parallel int `koanf:"parallel" validate:"gte=1"`
}

// FamilyConfig describes one model family and its training command
type FamilyConfig struct {
	Name    string        `koanf:"name" validate:"required"`
	Command string        `koanf:"command" validate:"required"`
	Args    []string      `koanf:"args"`
	WorkDir string        `koanf:"workdir"`
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	Env     []string      `koanf:"env"`
}

// PublishConfig holds the post-promotion publishers
type PublishConfig struct {
	Git    GitConfig    `koanf:"git"`
	Bundle BundleConfig `koanf:"bundle"`
}

// GitConfig configures the git publisher
type GitConfig struct {
	Enabled     bool          `koanf:"enabled"`
	RepoDir     string        `koanf:"repo_dir" validate:"required_if=Enabled true"`
	Remote      string        `koanf:"remote"`
	Branch      string        `koanf:"branch"`
	Pull        bool          `koanf:"pull"`
	Push        bool          `koanf:"push"`
	AuthorName  string        `koanf:"author_name"`
	AuthorEmail string        `koanf:"author_email"`
	Timeout     time.Duration `koanf:"timeout" validate:"gte=0"`
}

// BundleConfig configures the edge bundle publisher
type BundleConfig struct {
	Enabled          bool   `koanf:"enabled"`
	Dir              string `koanf:"dir" validate:"required_if=Enabled true"`
	CompressionLevel int    `koanf:"compression_level" validate:"gte=1,lte=4"`
}

// ServerConfig holds the inspection API settings
type ServerConfig struct {
	ListenAddr    string        `koanf:"listen_addr" validate:"required"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	CacheCapacity int           `koanf:"cache_capacity" validate:"gte=0"`
	CacheTTL      time.Duration `koanf:"cache_ttl" validate:"gte=0"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:     "./models",
			KeepLast: retention.DefaultKeepLast,
		},
		Ledger: LedgerConfig{
			Backend: ledger.BackendFile,
			Path:    "./mlops/last_metrics.json",
		},
		Report: ReportConfig{
			Dir: "./reports",
		},
		Orchestrator: OrchestratorConfig{
			Parallel: 1,
		},
		Publish: PublishConfig{
			Git: GitConfig{
				Remote: "origin",
				Pull:   true,
				Push:   true,
			},
			Bundle: BundleConfig{
				Dir:              "./edge",
				CompressionLevel: 3,
			},
		},
		Server: ServerConfig{
			ListenAddr:    ":9090",
			Timeout:       30 * time.Second,
			CacheCapacity: 64,
			CacheTTL:      5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, then the config file, then
// MODELVAULT_* environment variables. An empty path falls back to
// $MODELVAULT_CONFIG and then DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logging.Debug().Str("file", configPath).Msg("Configuration loaded")
	return cfg, nil
}

func findConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", envPath, err)
		}
		return envPath, nil
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

var envMappings = map[string]string{
	"storage_root":         "storage.root",
	"storage_keep_last":    "storage.keep_last",
	"storage_lock_timeout": "storage.lock_timeout",

	"ledger_backend": "ledger.backend",
	"ledger_path":    "ledger.path",

	"report_dir": "report.dir",

	"orchestrator_parallel": "orchestrator.parallel",

	"publish_git_enabled":      "publish.git.enabled",
	"publish_git_repo_dir":     "publish.git.repo_dir",
	"publish_git_remote":       "publish.git.remote",
	"publish_git_branch":       "publish.git.branch",
	"publish_git_pull":         "publish.git.pull",
	"publish_git_push":         "publish.git.push",
	"publish_git_author_name":  "publish.git.author_name",
	"publish_git_author_email": "publish.git.author_email",
	"publish_git_timeout":      "publish.git.timeout",

	"publish_bundle_enabled":           "publish.bundle.enabled",
	"publish_bundle_dir":               "publish.bundle.dir",
	"publish_bundle_compression_level": "publish.bundle.compression_level",

	"server_listen_addr":    "server.listen_addr",
	"server_timeout":        "server.timeout",
	"server_cache_capacity": "server.cache_capacity",
	"server_cache_ttl":      "server.cache_ttl",

	"logging_level":  "logging.level",
	"logging_format": "logging.format",
	"logging_caller": "logging.caller",
}

// envTransformFunc maps MODELVAULT_STORAGE_KEEP_LAST to storage.keep_last.
// Unknown variables map to "" and are skipped.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envMappings[key]
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	seen := make(map[string]struct{}, len(c.Families))
	for _, f := range c.Families {
		if err := types.ValidateFamily(f.Name); err != nil {
			return err
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("family %s configured twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	if c.Ledger.Backend == ledger.BackendFile && strings.HasSuffix(c.Ledger.Path, string(filepath.Separator)) {
		return fmt.Errorf("ledger path %s must name a file for the file backend", c.Ledger.Path)
	}
	return nil
}

// Family returns the configuration of the named family
func (c *Config) Family(name string) (FamilyConfig, bool) {
	for _, f := range c.Families {
		if f.Name == name {
			return f, true
		}
	}
	return FamilyConfig{}, false
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Root = c.Storage.Root
	return cfg
}

// ToLoggingConfig converts to logging.Config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	cfg.Caller = c.Logging.Caller
	return cfg
}
