// Package config holds the application configuration. Values come from a YAML
// file, AUTOATTEND_* environment variables and an optional .env file, all
// merged by viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Network  NetworkConfig  `mapstructure:"network"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug"`
	Info   string `mapstructure:"info"`
	Warn   string `mapstructure:"warn"`
	Error  string `mapstructure:"error"`
	DPanic string `mapstructure:"dpanic"`
	Panic  string `mapstructure:"panic"`
	Fatal  string `mapstructure:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format" validate:"omitempty,oneof=console json"`
	AddSource   bool        `mapstructure:"add_source"`
	ServiceName string      `mapstructure:"service_name"`
	LogFile     string      `mapstructure:"log_file"`
	MaxSize     int         `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups  int         `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge      int         `mapstructure:"max_age" validate:"gte=0"`
	Compress    bool        `mapstructure:"compress"`
	Colors      ColorConfig `mapstructure:"colors"`
}

// PortalConfig identifies the attendance portal and the account used on it.
type PortalConfig struct {
	BaseURL    string `mapstructure:"base_url" validate:"required,url"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Marker     string `mapstructure:"marker" validate:"required"`
	ScratchDir string `mapstructure:"scratch_dir" validate:"required"`
}

// ProxyConfig is an optional outbound proxy.
type ProxyConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NetworkConfig holds settings for HTTP requests.
type NetworkConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Proxy           ProxyConfig   `mapstructure:"proxy"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// ScheduleConfig drives the daily clock-in/clock-out loop. It is re-read on
// every scheduler iteration.
type ScheduleConfig struct {
	BeginHour     int               `mapstructure:"begin_hour" validate:"gte=0,lte=23"`
	EndHour       int               `mapstructure:"end_hour" validate:"gte=0,lte=23"`
	DelaySpan     int               `mapstructure:"delay_span" validate:"gte=0"`
	PollInterval  time.Duration     `mapstructure:"poll_interval" validate:"gt=0"`
	IdleInterval  time.Duration     `mapstructure:"idle_interval" validate:"gt=0"`
	RetryInterval time.Duration     `mapstructure:"retry_interval" validate:"gte=0"`
	Days          map[string]string `mapstructure:"days"`
}

// MetricsConfig controls the prometheus exposition endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// IsActive reports whether attendance is wanted on the given weekday. Only a
// flag equal to "true" (any case) enables the day.
func (s ScheduleConfig) IsActive(day time.Weekday) bool {
	flag, ok := s.Days[strings.ToLower(day.String())]
	if !ok {
		return false
	}
	return strings.EqualFold(flag, "true")
}

// SetDefaults registers the default values so the app can run with a minimal config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "autoattend")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("portal.scratch_dir", "Image")

	v.SetDefault("network.timeout", 2*time.Minute)

	v.SetDefault("schedule.begin_hour", 7)
	v.SetDefault("schedule.end_hour", 17)
	v.SetDefault("schedule.delay_span", 50)
	v.SetDefault("schedule.poll_interval", 10*time.Minute)
	v.SetDefault("schedule.idle_interval", time.Hour)
	v.SetDefault("schedule.retry_interval", 30*time.Second)
	for _, day := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		v.SetDefault("schedule.days."+strings.ToLower(day.String()), "true")
	}
	for _, day := range []time.Weekday{time.Saturday, time.Sunday} {
		v.SetDefault("schedule.days."+strings.ToLower(day.String()), "false")
	}
}

// Load unmarshals the viper state into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeHook extends viper's default hooks so YAML booleans under
// schedule.days arrive as "true"/"false" instead of the weak "1"/"0".
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		boolToStringHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func boolToStringHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.Bool || to.Kind() != reflect.String {
		return data, nil
	}
	return strconv.FormatBool(data.(bool)), nil
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.Network.Proxy.Username != "" && c.Network.Proxy.URL == "" {
		return fmt.Errorf("%w: network.proxy.username requires network.proxy.url", ErrInvalid)
	}
	if _, err := url.Parse(c.Portal.BaseURL); err != nil {
		return fmt.Errorf("%w: portal.base_url: %v", ErrInvalid, err)
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fieldPath(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// fieldPath turns "Config.Schedule.BeginHour" into "schedule.beginhour".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
