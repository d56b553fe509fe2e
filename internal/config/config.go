package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"loop-dosing/internal/logging"
	"loop-dosing/internal/scaling"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Journal       JournalConfig       `mapstructure:"journal"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Freshness     FreshnessConfig     `mapstructure:"freshness"`
	Retrospective RetrospectiveConfig `mapstructure:"retrospective"`
	Scaling       ScalingConfig       `mapstructure:"scaling"`
	Targets       TargetSchedule      `mapstructure:"targets"`
	Timezone      string              `mapstructure:"timezone"`
	Device        DeviceConfig        `mapstructure:"device"`
	Nightscout    NightscoutConfig    `mapstructure:"nightscout"`
	Predictor     PredictorConfig     `mapstructure:"predictor"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Export        ExportConfig        `mapstructure:"export"`
	Retention     RetentionConfig     `mapstructure:"retention"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// JournalConfig points at the local SQLite audit journal.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Lookback        time.Duration `mapstructure:"lookback"`
}

// FreshnessConfig controls when glucose input counts as stale.
type FreshnessConfig struct {
	RecencyWindow    time.Duration `mapstructure:"recency_window"`
	RecheckTolerance time.Duration `mapstructure:"recheck_tolerance"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

// RetrospectiveConfig parameterises retrospective correction.
type RetrospectiveConfig struct {
	GroupingInterval time.Duration `mapstructure:"grouping_interval"`
	RecencyInterval  time.Duration `mapstructure:"recency_interval"`
	EffectDuration   time.Duration `mapstructure:"effect_duration"`
}

// ScalingConfig parameterises the partial application sliding scale.
type ScalingConfig struct {
	Enabled                     bool    `mapstructure:"enabled"`
	MinFactor                   float64 `mapstructure:"min_factor"`
	MaxFactor                   float64 `mapstructure:"max_factor"`
	MinGlucoseDeltaSlidingScale float64 `mapstructure:"min_glucose_delta_sliding_scale"`
	MaxGlucoseSlidingScale      float64 `mapstructure:"max_glucose_sliding_scale"`
}

// Params converts to the scaler parameters.
func (s ScalingConfig) Params() scaling.Params {
	return scaling.Params{
		MinFactor:                   s.MinFactor,
		MaxFactor:                   s.MaxFactor,
		MinGlucoseDeltaSlidingScale: s.MinGlucoseDeltaSlidingScale,
		MaxGlucoseSlidingScale:      s.MaxGlucoseSlidingScale,
	}
}

// DeviceConfig describes the delivery device.
type DeviceConfig struct {
	Kind           string        `mapstructure:"kind"`
	ID             string        `mapstructure:"id"`
	BolusIncrement float64       `mapstructure:"bolus_increment"`
	BasalIncrement float64       `mapstructure:"basal_increment"`
	MaxBolus       float64       `mapstructure:"max_bolus"`
	MaxBasalRate   float64       `mapstructure:"max_basal_rate"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// NightscoutConfig covers the glucose source.
type NightscoutConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APISecret string        `mapstructure:"api_secret"`
	APIToken  string        `mapstructure:"api_token"`
	UseToken  bool          `mapstructure:"use_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// PredictorConfig captures the prediction service endpoint.
type PredictorConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// MQTTConfig configures the broker shared by event publishing and the MQTT pump.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// RetentionConfig schedules audit pruning.
type RetentionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"`
	Keep    time.Duration `mapstructure:"keep"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads path and then invokes onChange with every subsequent revision
// of the file that passes validation. Rejected revisions go to onError and
// the previous snapshot stays in force.
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	if path == "" {
		return nil, errors.New("config watch requires an explicit --config path")
	}
	v := newViper(path)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LOOPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "loopd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c6f6f70))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.lookback", "1h")

	v.SetDefault("timezone", "Local")

	v.SetDefault("freshness.recency_window", "15m")
	v.SetDefault("freshness.recheck_tolerance", "1s")
	v.SetDefault("freshness.retry_backoff", "5m")

	v.SetDefault("retrospective.grouping_interval", "30m")
	v.SetDefault("retrospective.recency_interval", "15m")
	v.SetDefault("retrospective.effect_duration", "60m")

	v.SetDefault("scaling.enabled", true)
	v.SetDefault("scaling.min_factor", 0.2)
	v.SetDefault("scaling.max_factor", 0.8)
	v.SetDefault("scaling.min_glucose_delta_sliding_scale", 10.0)
	v.SetDefault("scaling.max_glucose_sliding_scale", 200.0)

	v.SetDefault("targets", []map[string]any{
		{"start": "00:00", "lower": 100.0, "upper": 115.0},
	})

	v.SetDefault("device.kind", "simulated")
	v.SetDefault("device.id", "pump-1")
	v.SetDefault("device.bolus_increment", 0.05)
	v.SetDefault("device.basal_increment", 0.05)
	v.SetDefault("device.max_bolus", 10.0)
	v.SetDefault("device.max_basal_rate", 5.0)
	v.SetDefault("device.command_timeout", "30s")

	v.SetDefault("nightscout.timeout", "30s")
	v.SetDefault("nightscout.use_token", false)

	v.SetDefault("predictor.timeout", "10s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "loopd")
	v.SetDefault("mqtt.topic_prefix", "loopd")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.cron", "0 30 3 * * *")
	v.SetDefault("retention.keep", "2160h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Lookback <= 0 {
		return fmt.Errorf("scheduler.lookback must be greater than zero")
	}
	if c.Freshness.RecencyWindow <= 0 {
		return fmt.Errorf("freshness.recency_window must be greater than zero")
	}
	if c.Freshness.RecheckTolerance <= 0 {
		return fmt.Errorf("freshness.recheck_tolerance must be greater than zero")
	}
	if c.Freshness.RetryBackoff < 0 {
		return fmt.Errorf("freshness.retry_backoff cannot be negative")
	}
	if c.Retrospective.GroupingInterval <= 0 || c.Retrospective.RecencyInterval <= 0 || c.Retrospective.EffectDuration <= 0 {
		return fmt.Errorf("retrospective intervals must be greater than zero")
	}
	if err := c.Targets.Validate(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.Scaling.Params().Validate(c.Targets.LowerBounds()...); err != nil {
		return fmt.Errorf("scaling: %w", err)
	}
	switch c.Device.Kind {
	case "simulated", "mqtt":
	default:
		return fmt.Errorf("device.kind must be simulated or mqtt, got %q", c.Device.Kind)
	}
	if c.Device.ID == "" {
		return fmt.Errorf("device.id must be set")
	}
	if c.Device.BolusIncrement < 0 || c.Device.BasalIncrement < 0 || c.Device.MaxBolus < 0 || c.Device.MaxBasalRate < 0 {
		return fmt.Errorf("device increments and limits cannot be negative")
	}
	if c.Device.Kind == "mqtt" && (!c.MQTT.Enabled || c.MQTT.Broker == "") {
		return fmt.Errorf("device.kind mqtt requires mqtt.enabled and mqtt.broker")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker 必须配置")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Retention.Enabled {
		if c.Retention.Keep <= 0 {
			return fmt.Errorf("retention.keep must be greater than zero")
		}
		if strings.TrimSpace(c.Retention.Cron) == "" {
			return fmt.Errorf("retention.cron must be set when retention is enabled")
		}
	}
	return nil
}

// Location is the zone the target schedule's clock times are read in. Empty
// or "Local" means the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
