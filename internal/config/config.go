// Package config loads peer settings from sprintsync.yaml, SPRINTSYNC_*
// environment variables and defaults, and checks them against an embedded
// CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes environment overrides, e.g. SPRINTSYNC_SYNC_MAX_RETRIES.
const EnvPrefix = "SPRINTSYNC"

// Config is the full peer configuration.
type Config struct {
	Role    string `mapstructure:"role"`
	DataDir string `mapstructure:"data_dir"`
	Store   string `mapstructure:"store"`
	Listen  string `mapstructure:"listen"`
	Peer    string `mapstructure:"peer"`
	Profile string `mapstructure:"profile"`
	LogFile string `mapstructure:"log_file"`

	Sync    SyncConfig    `mapstructure:"sync"`
	Program ProgramConfig `mapstructure:"program"`
}

// SyncConfig is the retry and timer policy.
type SyncConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	MinRetryDelay     time.Duration `mapstructure:"min_retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// ProgramConfig shapes locally generated programs.
type ProgramConfig struct {
	Weeks int `mapstructure:"weeks"`
}

// Load reads path, or sprintsync.yaml in the working directory when path
// is empty. A missing default file is not an error; a missing explicit
// path is.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, "", Default().document())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sprintsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used with no file or environment.
func Default() Config {
	return Config{
		Role:    "primary",
		DataDir: ".sprintsync",
		Store:   "sqlite",
		Listen:  "127.0.0.1:8787",
		Peer:    "ws://127.0.0.1:8787/sync",
		Profile: "profile.yaml",
		Sync: SyncConfig{
			MaxRetries:        3,
			MinRetryDelay:     2 * time.Second,
			MaxRetryDelay:     30 * time.Second,
			RequestTimeout:    15 * time.Second,
			CheckInterval:     2 * time.Minute,
			StaleAfter:        5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			ReconnectDelay:    2 * time.Second,
		},
		Program: ProgramConfig{Weeks: 12},
	}
}

// setDefaults registers doc with v, one dotted key per leaf, so that every
// key can also be set from the environment.
func setDefaults(v *viper.Viper, prefix string, doc map[string]any) {
	for k, val := range doc {
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, prefix+k+".", sub)
			continue
		}
		v.SetDefault(prefix+k, val)
	}
}

// Validate checks c against the schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.Encode(c.document())
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// document is c in the schema's field names, durations as nanoseconds.
func (c Config) document() map[string]any {
	return map[string]any{
		"role":     c.Role,
		"data_dir": c.DataDir,
		"store":    c.Store,
		"listen":   c.Listen,
		"peer":     c.Peer,
		"profile":  c.Profile,
		"log_file": c.LogFile,
		"sync": map[string]any{
			"max_retries":        c.Sync.MaxRetries,
			"min_retry_delay":    int64(c.Sync.MinRetryDelay),
			"max_retry_delay":    int64(c.Sync.MaxRetryDelay),
			"request_timeout":    int64(c.Sync.RequestTimeout),
			"check_interval":     int64(c.Sync.CheckInterval),
			"stale_after":        int64(c.Sync.StaleAfter),
			"heartbeat_interval": int64(c.Sync.HeartbeatInterval),
			"reconnect_delay":    int64(c.Sync.ReconnectDelay),
		},
		"program": map[string]any{
			"weeks": c.Program.Weeks,
		},
	}
}
