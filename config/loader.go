package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/subtract0/trinity/store"
)

// Loader loads configuration with defaults → YAML file → environment
// precedence.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("trinity.yaml").
//	    WithEnvPrefix("TRINITY").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "TRINITY"}
}

// WithConfigPath sets the YAML file path. Empty means defaults only.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (l *Loader) applyEnv(cfg *Config) error {
	var err error

	l.str("LOG_LEVEL", &cfg.Log.Level)
	l.str("LOG_FORMAT", &cfg.Log.Format)

	l.boolVar("METRICS_ENABLED", &cfg.Metrics.Enabled, &err)
	l.str("METRICS_ADDR", &cfg.Metrics.Addr)

	if v, ok := l.lookup("STORE_TYPE"); ok {
		cfg.Store.Type = store.Type(v)
	}
	l.str("STORE_BASE_DIR", &cfg.Store.BaseDir)
	l.str("STORE_REDIS_ADDR", &cfg.Store.Redis.Addr)
	l.str("STORE_REDIS_PASSWORD", &cfg.Store.Redis.Password)
	l.intVar("STORE_REDIS_DB", &cfg.Store.Redis.DB, &err)
	l.str("STORE_SQL_DRIVER", &cfg.Store.SQL.Driver)
	l.str("STORE_SQL_DSN", &cfg.Store.SQL.DSN)

	l.floatVar("DAILY_BUDGET_LIMIT", &cfg.Core.Budget.DailyLimit, &err)
	l.floatVar("BUDGET_ALERT_THRESHOLD", &cfg.Core.Budget.AlertThreshold, &err)
	l.str("TIMEZONE", &cfg.Core.Budget.Timezone)
	l.str("TIMEZONE", &cfg.Core.HITL.Timezone)

	l.str("QUIET_HOURS_START", &cfg.Core.HITL.QuietHoursStart)
	l.str("QUIET_HOURS_END", &cfg.Core.HITL.QuietHoursEnd)
	l.intVar("MAX_QUESTIONS_PER_DAY", &cfg.Core.HITL.MaxQuestionsPerDay, &err)
	l.durVar("QUESTION_TTL", &cfg.Core.HITL.QuestionTTL, &err)

	l.intVar("MESSAGE_MAX_ATTEMPTS", &cfg.Core.Bus.MaxAttempts, &err)
	l.durVar("MESSAGE_LEASE_DURATION", &cfg.Core.Bus.LeaseDuration, &err)

	l.intVar("MIN_PREFERENCE_SAMPLES", &cfg.Core.Preference.MinSamples, &err)
	l.durVar("REJECT_COOLDOWN", &cfg.Core.RejectCooldown, &err)

	return err
}

func (l *Loader) lookup(name string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + name)
}

func (l *Loader) str(name string, dst *string) {
	if v, ok := l.lookup(name); ok {
		*dst = v
	}
}

func (l *Loader) intVar(name string, dst *int, errOut *error) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*errOut = fmt.Errorf("invalid %s_%s: %w", l.envPrefix, name, err)
		return
	}
	*dst = parsed
}

func (l *Loader) floatVar(name string, dst *float64, errOut *error) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errOut = fmt.Errorf("invalid %s_%s: %w", l.envPrefix, name, err)
		return
	}
	*dst = parsed
}

func (l *Loader) boolVar(name string, dst *bool, errOut *error) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		*errOut = fmt.Errorf("invalid %s_%s: %w", l.envPrefix, name, err)
		return
	}
	*dst = parsed
}

func (l *Loader) durVar(name string, dst *time.Duration, errOut *error) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}
	parsed, err := parseDuration(v)
	if err != nil {
		*errOut = fmt.Errorf("invalid %s_%s: %w", l.envPrefix, name, err)
		return
	}
	*dst = parsed
}
