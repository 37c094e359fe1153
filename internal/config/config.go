// Package config loads media-relay settings from an optional .env file, an
// optional YAML file, and MEDIA_RELAY_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/publish"
)

// EnvPrefix prefixes every environment override, e.g. MEDIA_RELAY_STORAGE_BUCKET.
const EnvPrefix = "MEDIA_RELAY"

// Transient backends.
const (
	BackendS3         = "s3"
	BackendCloudinary = "cloudinary"
)

type PolicyConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

// Policy converts to the publish package's polling policy.
func (p PolicyConfig) Policy() publish.Policy {
	return publish.Policy{Attempts: p.Attempts, Interval: p.Interval}
}

type Config struct {
	Account string `mapstructure:"account"`

	Storage struct {
		Bucket          string        `mapstructure:"bucket"`
		Folder          string        `mapstructure:"folder"`
		Region          string        `mapstructure:"region"`
		TransientPrefix string        `mapstructure:"transient_prefix"`
		PresignTTL      time.Duration `mapstructure:"presign_ttl"`
	} `mapstructure:"storage"`

	Transient struct {
		Backend    string `mapstructure:"backend"`
		Cloudinary struct {
			CloudName string `mapstructure:"cloud_name"`
			APIKey    string `mapstructure:"api_key"`
			APISecret string `mapstructure:"api_secret"`
			Folder    string `mapstructure:"folder"`
		} `mapstructure:"cloudinary"`
	} `mapstructure:"transient"`

	Graph struct {
		BaseURL       string `mapstructure:"base_url"`
		UploadBaseURL string `mapstructure:"upload_base_url"`
	} `mapstructure:"graph"`

	Instagram struct {
		UserID      string `mapstructure:"user_id"`
		AccessToken string `mapstructure:"access_token"`
		// PageID is the Facebook Page linked to the Instagram account. When
		// set, the page connection is checked before publishing.
		PageID string `mapstructure:"page_id"`
	} `mapstructure:"instagram"`

	Facebook struct {
		Enabled bool   `mapstructure:"enabled"`
		PageID  string `mapstructure:"page_id"`
	} `mapstructure:"facebook"`

	Telegram struct {
		BotToken string `mapstructure:"bot_token"`
		ChatID   string `mapstructure:"chat_id"`
		MinLevel string `mapstructure:"min_level"`
	} `mapstructure:"telegram"`

	EventBridge struct {
		Bus      string `mapstructure:"bus"`
		MinLevel string `mapstructure:"min_level"`
	} `mapstructure:"eventbridge"`

	Ledger struct {
		Table string `mapstructure:"table"`
	} `mapstructure:"ledger"`

	Schedule struct {
		Source   string        `mapstructure:"source"`
		Timezone string        `mapstructure:"timezone"`
		Window   time.Duration `mapstructure:"window"`
	} `mapstructure:"schedule"`

	Polling struct {
		Instagram PolicyConfig `mapstructure:"instagram"`
		Facebook  PolicyConfig `mapstructure:"facebook"`
		Verify    PolicyConfig `mapstructure:"verify"`
	} `mapstructure:"polling"`

	Tools struct {
		FFmpeg  string `mapstructure:"ffmpeg"`
		FFprobe string `mapstructure:"ffprobe"`
		TempDir string `mapstructure:"temp_dir"`
	} `mapstructure:"tools"`

	// Secrets name SSM parameters that fill empty secret fields at startup.
	Secrets struct {
		InstagramToken   string `mapstructure:"instagram_token"`
		TelegramToken    string `mapstructure:"telegram_token"`
		CloudinarySecret string `mapstructure:"cloudinary_secret"`
	} `mapstructure:"secrets"`
}

// Options says where to look for files. Empty fields use the defaults.
type Options struct {
	EnvFile    string
	ConfigFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("account", "")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.folder", "inbox/")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.transient_prefix", "transient/")
	v.SetDefault("storage.presign_ttl", "1h")

	v.SetDefault("transient.backend", BackendS3)
	v.SetDefault("transient.cloudinary.cloud_name", "")
	v.SetDefault("transient.cloudinary.api_key", "")
	v.SetDefault("transient.cloudinary.api_secret", "")
	v.SetDefault("transient.cloudinary.folder", "media-relay")

	v.SetDefault("graph.base_url", "https://graph.facebook.com/v22.0")
	v.SetDefault("graph.upload_base_url", "https://rupload.facebook.com/video-upload/v22.0")

	v.SetDefault("instagram.user_id", "")
	v.SetDefault("instagram.access_token", "")
	v.SetDefault("instagram.page_id", "")

	v.SetDefault("facebook.enabled", false)
	v.SetDefault("facebook.page_id", "")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.min_level", "info")

	v.SetDefault("eventbridge.bus", "")
	v.SetDefault("eventbridge.min_level", "info")

	v.SetDefault("ledger.table", "")

	v.SetDefault("schedule.source", "scheduler/config.json")
	v.SetDefault("schedule.timezone", "Asia/Kolkata")
	v.SetDefault("schedule.window", "300s")

	v.SetDefault("polling.instagram.attempts", publish.InstagramProcessing.Attempts)
	v.SetDefault("polling.instagram.interval", publish.InstagramProcessing.Interval.String())
	v.SetDefault("polling.facebook.attempts", publish.FacebookProcessing.Attempts)
	v.SetDefault("polling.facebook.interval", publish.FacebookProcessing.Interval.String())
	v.SetDefault("polling.verify.attempts", publish.DefaultVerify.Attempts)
	v.SetDefault("polling.verify.interval", publish.DefaultVerify.Interval.String())

	v.SetDefault("tools.ffmpeg", "ffmpeg")
	v.SetDefault("tools.ffprobe", "ffprobe")
	v.SetDefault("tools.temp_dir", "")

	v.SetDefault("secrets.instagram_token", "")
	v.SetDefault("secrets.telegram_token", "")
	v.SetDefault("secrets.cloudinary_secret", "")
}

// Load reads configuration. Missing files are not an error.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, apperr.Configuration("read %s: %v", envFile, err)
		}
		log.Debug().Str("file", envFile).Msg("No .env file, using environment only")
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("media-relay")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, apperr.Configuration("read config: %v", err)
		}
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Config file loaded")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Configuration("decode config: %v", err)
	}
	if cfg.Facebook.PageID == "" {
		cfg.Facebook.PageID = cfg.Instagram.PageID
	}
	return &cfg, nil
}

// Validate reports the first setting that makes a run impossible.
func (c *Config) Validate() error {
	var missing []string
	if c.Account == "" {
		missing = append(missing, "account")
	}
	if c.Storage.Bucket == "" {
		missing = append(missing, "storage.bucket")
	}
	if c.Instagram.UserID == "" {
		missing = append(missing, "instagram.user_id")
	}
	if c.Instagram.AccessToken == "" {
		missing = append(missing, "instagram.access_token")
	}
	if len(missing) > 0 {
		return apperr.Configuration("missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.Facebook.Enabled && c.Facebook.PageID == "" {
		return apperr.Configuration("facebook is enabled but facebook.page_id is not set")
	}

	switch c.Transient.Backend {
	case BackendS3:
	case BackendCloudinary:
		cl := c.Transient.Cloudinary
		if cl.CloudName == "" || cl.APIKey == "" || cl.APISecret == "" {
			return apperr.Configuration("cloudinary transient backend needs cloud_name, api_key and api_secret")
		}
	default:
		return apperr.Configuration("unknown transient backend %q", c.Transient.Backend)
	}

	for name, p := range map[string]PolicyConfig{
		"polling.instagram": c.Polling.Instagram,
		"polling.facebook":  c.Polling.Facebook,
		"polling.verify":    c.Polling.Verify,
	} {
		if p.Attempts < 1 || p.Interval <= 0 {
			return apperr.Configuration("%s needs attempts >= 1 and a positive interval", name)
		}
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return apperr.Configuration("schedule.timezone %q: %v", c.Schedule.Timezone, err)
	}
	return nil
}

// Location returns the schedule timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Summary returns the non-secret settings for the startup log.
func (c *Config) Summary() map[string]string {
	return map[string]string{
		"account":          c.Account,
		"folder":           c.Storage.Folder,
		"transientBackend": c.Transient.Backend,
		"graphBaseURL":     c.Graph.BaseURL,
		"scheduleSource":   c.Schedule.Source,
		"timezone":         c.Schedule.Timezone,
		"window":           c.Schedule.Window.String(),
		"igPolling":        fmt.Sprintf("%dx%s", c.Polling.Instagram.Attempts, c.Polling.Instagram.Interval),
		"fbPolling":        fmt.Sprintf("%dx%s", c.Polling.Facebook.Attempts, c.Polling.Facebook.Interval),
		"verifyPolling":    fmt.Sprintf("%dx%s", c.Polling.Verify.Attempts, c.Polling.Verify.Interval),
	}
}
