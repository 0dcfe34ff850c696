package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all process settings. It is built once in main and passed down.
type Config struct {
	HTTPPort        string `validate:"required"`
	DataDir         string `validate:"required"`
	InboxDir        string `validate:"required"`
	OutputDir       string `validate:"required"`
	DBPath          string `validate:"required"`
	TeamMappingPath string

	Webhook  WebhookConfig
	Report   ReportConfig
	Schedule ScheduleConfig
	Log      LogConfig

	EnableWatcher bool
	StrictConfig  bool
	Location      *time.Location `validate:"-"`
}

// WebhookConfig describes the two WeCom group-bot targets. An empty UploadURL
// means the upload endpoint is derived from each target's send URL.
type WebhookConfig struct {
	ProdURL    string
	TestURL    string
	UploadURL  string
	TimeoutSec int `validate:"min=1,max=120"`
	RatePerMin int `validate:"min=1,max=600"`
}

// ReportConfig controls artifact rendering and retention.
type ReportConfig struct {
	Format        string `validate:"oneof=text image both"`
	FontPath      string
	RetentionDays int `validate:"min=1"`
}

// ScheduleConfig controls the background loop.
type ScheduleConfig struct {
	TaskName      string `validate:"required"`
	InboxSweepMin int    `validate:"min=0"`
}

// LogConfig is handed to logging.New.
type LogConfig struct {
	Level  string `validate:"omitempty,oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `validate:"omitempty,oneof=json console"`
	File   string
	Caller bool
}

type fileConfig struct {
	HTTPPort        string `yaml:"http_port"`
	DataDir         string `yaml:"data_dir"`
	InboxDir        string `yaml:"inbox_dir"`
	OutputDir       string `yaml:"output_dir"`
	DBPath          string `yaml:"db_path"`
	TeamMappingPath string `yaml:"team_mapping_path"`
	Timezone        string `yaml:"timezone"`
	Webhook         struct {
		Prod       string `yaml:"prod"`
		Test       string `yaml:"test"`
		Upload     string `yaml:"upload"`
		TimeoutSec *int   `yaml:"timeout_sec"`
		RatePerMin *int   `yaml:"rate_per_min"`
	} `yaml:"webhook"`
	Report struct {
		Format        string `yaml:"format"`
		FontPath      string `yaml:"font_path"`
		RetentionDays *int   `yaml:"retention_days"`
	} `yaml:"report"`
	Schedule struct {
		TaskName      string `yaml:"task_name"`
		InboxSweepMin *int   `yaml:"inbox_sweep_min"`
	} `yaml:"schedule"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	EnableWatcher *bool `yaml:"enable_watcher"`
}

const (
	defaultPort           = ":8000"
	defaultDataDir        = "file"
	defaultDBFile         = "listening_records.db"
	defaultMappingFile    = "team_mapping.csv"
	defaultFormat         = "both"
	defaultTimeoutSec     = 10
	defaultRatePerMin     = 20
	defaultRetentionDays  = 30
	defaultInboxSweepMin  = 60
	defaultTaskName       = "scheduled_report"
	maxWebhookTimeoutSec  = 120
	weComSendPathFragment = "/webhook/send"
)

// Load reads configuration from an optional yaml file and environment variables.
// Problems are reported through logger; with STRICT_CONFIG they become errors.
func Load(logger zerolog.Logger) (Config, error) {
	cfg := Config{
		StrictConfig: parseBoolEnv("STRICT_CONFIG"),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		logger.Debug().Err(fileErr).Str("path", configPath).Msg("config file not loaded, using defaults")
	}

	cfg.DataDir = firstNonEmpty(os.Getenv("DATA_DIR"), fileCfg.DataDir, defaultDataDir)
	cfg.InboxDir = firstNonEmpty(os.Getenv("INBOX_DIR"), fileCfg.InboxDir, cfg.DataDir)
	cfg.OutputDir = firstNonEmpty(os.Getenv("OUTPUT_DIR"), fileCfg.OutputDir, cfg.DataDir)
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, filepath.Join(cfg.DataDir, defaultDBFile))
	cfg.TeamMappingPath = firstNonEmpty(os.Getenv("TEAM_MAPPING_PATH"), fileCfg.TeamMappingPath, filepath.Join(cfg.DataDir, defaultMappingFile))

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") && !strings.Contains(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	cfg.Webhook = WebhookConfig{
		ProdURL:    firstNonEmpty(os.Getenv("WEBHOOK_PROD"), fileCfg.Webhook.Prod),
		TestURL:    firstNonEmpty(os.Getenv("WEBHOOK_TEST"), fileCfg.Webhook.Test),
		UploadURL:  firstNonEmpty(os.Getenv("WEBHOOK_UPLOAD_URL"), fileCfg.Webhook.Upload),
		TimeoutSec: intOr(fileCfg.Webhook.TimeoutSec, defaultTimeoutSec),
		RatePerMin: intOr(fileCfg.Webhook.RatePerMin, defaultRatePerMin),
	}
	cfg.Report = ReportConfig{
		Format:        strings.ToLower(firstNonEmpty(os.Getenv("REPORT_FORMAT"), fileCfg.Report.Format, defaultFormat)),
		FontPath:      firstNonEmpty(os.Getenv("FONT_PATH"), fileCfg.Report.FontPath),
		RetentionDays: intOr(fileCfg.Report.RetentionDays, defaultRetentionDays),
	}
	cfg.Schedule = ScheduleConfig{
		TaskName:      firstNonEmpty(os.Getenv("SCHEDULE_TASK_NAME"), fileCfg.Schedule.TaskName, defaultTaskName),
		InboxSweepMin: intOr(fileCfg.Schedule.InboxSweepMin, defaultInboxSweepMin),
	}
	cfg.Log = LogConfig{
		Level:  strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), fileCfg.Log.Level, "info")),
		Format: strings.ToLower(firstNonEmpty(os.Getenv("LOG_FORMAT"), fileCfg.Log.Format, "json")),
		File:   firstNonEmpty(os.Getenv("LOG_FILE"), fileCfg.Log.File),
		Caller: parseBoolEnv("LOG_CALLER"),
	}
	cfg.EnableWatcher = true
	if fileCfg.EnableWatcher != nil {
		cfg.EnableWatcher = *fileCfg.EnableWatcher
	}
	cfg.EnableWatcher = parseBoolEnvDefault("ENABLE_WATCHER", cfg.EnableWatcher)

	intOverrides := []struct {
		key string
		dst *int
	}{
		{"WEBHOOK_TIMEOUT_SEC", &cfg.Webhook.TimeoutSec},
		{"WEBHOOK_RATE_PER_MIN", &cfg.Webhook.RatePerMin},
		{"ARTIFACT_RETENTION_DAYS", &cfg.Report.RetentionDays},
		{"INBOX_SWEEP_MIN", &cfg.Schedule.InboxSweepMin},
	}
	for _, o := range intOverrides {
		v, ok, err := parseIntEnv(o.key)
		if err != nil {
			if cfg.StrictConfig {
				return cfg, fmt.Errorf("invalid %s: %w", o.key, err)
			}
			logger.Warn().Err(err).Str("key", o.key).Msg("invalid integer setting, keeping default")
			continue
		}
		if ok {
			*o.dst = v
		}
	}
	if cfg.Webhook.TimeoutSec > maxWebhookTimeoutSec {
		logger.Warn().Int("timeout_sec", cfg.Webhook.TimeoutSec).Msg("webhook timeout capped")
		cfg.Webhook.TimeoutSec = maxWebhookTimeoutSec
	}

	tz := firstNonEmpty(os.Getenv("TIMEZONE"), fileCfg.Timezone, "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
		}
		logger.Warn().Err(err).Str("timezone", tz).Msg("unknown timezone, using local time")
		loc = time.Local
	}
	cfg.Location = loc

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		logger.Warn().Err(err).Msg("config validation failed (continuing)")
	}

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("inbox_dir", cfg.InboxDir).
		Str("db", cfg.DBPath).
		Str("http_port", cfg.HTTPPort).
		Bool("watcher", cfg.EnableWatcher).
		Msg("config loaded")
	return cfg, nil
}

// DeriveUploadURL maps a WeCom send URL onto the matching upload_media endpoint.
func DeriveUploadURL(sendURL string) string {
	if sendURL == "" || !strings.Contains(sendURL, weComSendPathFragment) {
		return ""
	}
	u := strings.Replace(sendURL, weComSendPathFragment, "/webhook/upload_media", 1)
	return u + "&type=file"
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New()

func validateConfig(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Webhook.ProdURL == "" && cfg.Webhook.TestURL == "" {
		return errors.New("config: at least one of WEBHOOK_PROD or WEBHOOK_TEST is required for delivery")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

// Now returns the current time truncated to the second in loc.
func Now(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Now().In(loc).Truncate(time.Second)
}
