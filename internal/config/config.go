package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Chrome      ChromeConfig      `mapstructure:"chrome"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Recorder    RecorderConfig    `mapstructure:"recorder"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port         string `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	Mode         string `mapstructure:"mode"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, mysql
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	Charset  string `mapstructure:"charset"`
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`
	ExpireTime int    `mapstructure:"expire_time"`
}

type AuthConfig struct {
	// bcrypt hash of the code the SPA presents to obtain an agent token
	PairingCodeHash string `mapstructure:"pairing_code_hash"`
}

type ChromeConfig struct {
	HeadlessMode bool   `mapstructure:"headless"`
	ExecPath     string `mapstructure:"exec_path"`
	DebugPort    int    `mapstructure:"debug_port"`
	RemoteURL    string `mapstructure:"remote_url"`
	StartURL     string `mapstructure:"start_url"`
	UserDataDir  string `mapstructure:"user_data_dir"`
}

type BackendConfig struct {
	LocalURL    string        `mapstructure:"local_url"`
	RemoteURL   string        `mapstructure:"remote_url"`
	Token       string        `mapstructure:"token"`
	Email       string        `mapstructure:"email"`
	Password    string        `mapstructure:"password"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

type CaptureConfig struct {
	ScreenshotInterval time.Duration `mapstructure:"screenshot_interval"`
	TrackScroll        bool          `mapstructure:"track_scroll"`
}

type RecorderConfig struct {
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
	Bitrate       int           `mapstructure:"bitrate"`
	Codec         string        `mapstructure:"codec"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path"`
	FrameRate     int           `mapstructure:"frame_rate"`
}

type UploadConfig struct {
	Thumbnails       int           `mapstructure:"thumbnails"`
	ThumbnailTimeout time.Duration `mapstructure:"thumbnail_timeout"`
	LinkMode         string        `mapstructure:"link_mode"` // embed, attach
	InlineThumbnails bool          `mapstructure:"inline_thumbnails"`
	PreviewDir       string        `mapstructure:"preview_dir"`
	RetrySchedule    string        `mapstructure:"retry_schedule"`
	FlushSchedule    string        `mapstructure:"flush_schedule"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

type CorrelationConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

const (
	LinkModeEmbed  = "embed"
	LinkModeAttach = "attach"
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8765")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "ftm-agent.db")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.username", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "flowtomanual")
	v.SetDefault("database.charset", "utf8mb4")

	v.SetDefault("jwt.secret", "ftm-agent-secret-key")
	v.SetDefault("jwt.expire_time", 24*3600)

	v.SetDefault("auth.pairing_code_hash", "")

	v.SetDefault("chrome.headless", false)
	v.SetDefault("chrome.exec_path", "")
	v.SetDefault("chrome.debug_port", 9222)
	v.SetDefault("chrome.remote_url", "")
	v.SetDefault("chrome.start_url", "about:blank")
	v.SetDefault("chrome.user_data_dir", "")

	v.SetDefault("backend.local_url", "http://localhost:8000")
	v.SetDefault("backend.remote_url", "https://api.flowtomanual.com")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.email", "")
	v.SetDefault("backend.password", "")
	v.SetDefault("backend.timeout", 60*time.Second)
	v.SetDefault("backend.max_attempts", 3)
	v.SetDefault("backend.retry_delay", 500*time.Millisecond)

	v.SetDefault("capture.screenshot_interval", 200*time.Millisecond)
	v.SetDefault("capture.track_scroll", false)

	v.SetDefault("recorder.max_duration", 300*time.Second)
	v.SetDefault("recorder.chunk_interval", time.Second)
	v.SetDefault("recorder.bitrate", 2_500_000)
	v.SetDefault("recorder.codec", "libvpx")
	v.SetDefault("recorder.ffmpeg_path", "")
	v.SetDefault("recorder.frame_rate", 10)

	v.SetDefault("upload.thumbnails", 3)
	v.SetDefault("upload.thumbnail_timeout", 3*time.Second)
	v.SetDefault("upload.link_mode", LinkModeEmbed)
	v.SetDefault("upload.inline_thumbnails", false)
	v.SetDefault("upload.preview_dir", "previews")
	v.SetDefault("upload.retry_schedule", "@every 30s")
	v.SetDefault("upload.flush_schedule", "@every 5s")
	v.SetDefault("upload.max_retries", 10)

	v.SetDefault("correlation.window", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)
}

// New returns a viper instance set up by Configure.
func New(configPath string) *viper.Viper {
	v := viper.New()
	Configure(v, configPath)
	return v
}

// Configure registers defaults, FTM_ environment overrides and the optional
// ftm-agent.yaml config file search paths on v.
func Configure(v *viper.Viper, configPath string) {
	SetDefaults(v)

	v.SetEnvPrefix("FTM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ftm-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
}

// Load reads the config file (if present) and unmarshals v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads configuration from defaults and environment only.
func LoadConfig() (*Config, error) {
	return Load(New(""))
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Upload.LinkMode {
	case LinkModeEmbed, LinkModeAttach:
	default:
		return fmt.Errorf("unsupported upload link mode %q", c.Upload.LinkMode)
	}
	if c.Recorder.MaxDuration <= 0 {
		return errors.New("recorder.max_duration must be positive")
	}
	if c.Capture.ScreenshotInterval < 0 {
		return errors.New("capture.screenshot_interval must not be negative")
	}
	if c.Backend.MaxAttempts < 1 {
		c.Backend.MaxAttempts = 1
	}
	return nil
}

func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=%s&parseTime=True&loc=Local",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.Charset,
	)
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
