package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Counting CountingConfig `mapstructure:"counting"`
	Detector DetectorConfig `mapstructure:"detector"`
	Video    VideoConfig    `mapstructure:"video"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN builds the driver-specific connection string.
// Parameters: none.
// Returns:
//   - string: a file path for sqlite or a key=value DSN for postgres.
func (c *DatabaseConfig) DSN() string {
	if c.Driver != "postgres" {
		return c.Path
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

type QueueConfig struct {
	Backend         string        `mapstructure:"backend"` // gorm or memory
	Workers         int           `mapstructure:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	EmbeddedWorkers bool          `mapstructure:"embedded_workers"`
}

// CountingConfig is the per-job pipeline configuration. Env names follow the
// original deployment (RESIZE_W, COUNT_LINE_A, ...).
type CountingConfig struct {
	ResizeWidth   int      `mapstructure:"resize_width"`
	LineA         string   `mapstructure:"line_a"` // "x,y", empty derives the default line
	LineB         string   `mapstructure:"line_b"`
	LineTolerance float64  `mapstructure:"line_tolerance"`
	Tracker       string   `mapstructure:"tracker"`
	Confidence    float64  `mapstructure:"confidence"`
	IoU           float64  `mapstructure:"iou"`
	Classes       []string `mapstructure:"classes"`
	Annotate      bool     `mapstructure:"annotate"`
	ProgressEvery int      `mapstructure:"progress_every"`
	OutputDir     string   `mapstructure:"output_dir"`
}

type DetectorConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type VideoConfig struct {
	Backend     string `mapstructure:"backend"` // ffmpeg or gocv
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
	Codec       string `mapstructure:"codec"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // r2, s3, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/vehiclecount.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "vehiclecount")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("queue.backend", "gorm")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.embedded_workers", false)

	v.SetDefault("counting.resize_width", 0)
	v.SetDefault("counting.line_a", "")
	v.SetDefault("counting.line_b", "")
	v.SetDefault("counting.line_tolerance", 6.0)
	v.SetDefault("counting.tracker", "bytetrack.yaml")
	v.SetDefault("counting.confidence", 0.35)
	v.SetDefault("counting.iou", 0.45)
	v.SetDefault("counting.classes", []string{"car", "bus", "truck", "motorcycle", "motorbike"})
	v.SetDefault("counting.annotate", true)
	v.SetDefault("counting.progress_every", 10)
	v.SetDefault("counting.output_dir", "./processed_video")

	v.SetDefault("detector.base_url", "http://localhost:8500")
	v.SetDefault("detector.timeout", 30*time.Second)
	v.SetDefault("detector.retry_count", 2)

	v.SetDefault("video.backend", "ffmpeg")
	v.SetDefault("video.ffmpeg_path", "ffmpeg")
	v.SetDefault("video.ffprobe_path", "ffprobe")
	v.SetDefault("video.codec", "libx264")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "processed-videos")
	v.SetDefault("storage.prefix", "processed")
}

// bindEnv maps secrets and the original deployment's variable names.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("database.driver", "DB_DRIVER")
	_ = v.BindEnv("database.host", "DB_HOST")
	_ = v.BindEnv("database.port", "DB_PORT")
	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.name", "DB_NAME")

	_ = v.BindEnv("counting.resize_width", "RESIZE_W")
	_ = v.BindEnv("counting.line_a", "COUNT_LINE_A")
	_ = v.BindEnv("counting.line_b", "COUNT_LINE_B")
	_ = v.BindEnv("counting.line_tolerance", "LINE_TOL")
	_ = v.BindEnv("counting.tracker", "YOLO_TRACKER")
	_ = v.BindEnv("counting.confidence", "YOLO_CONF")
	_ = v.BindEnv("counting.iou", "YOLO_IOU")
	_ = v.BindEnv("counting.classes", "VEHICLE_CLASS_NAMES")
	_ = v.BindEnv("counting.annotate", "SAVE_ANNOTATED_VIDEO")
	_ = v.BindEnv("counting.progress_every", "PROGRESS_EVERY_N_FRAMES")

	_ = v.BindEnv("detector.base_url", "DETECTOR_URL")
	_ = v.BindEnv("detector.api_key", "DETECTOR_API_KEY")

	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	_ = v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
}

// Validate rejects settings the worker cannot run with.
// Parameters: none.
// Returns:
//   - error: the first invalid setting, or nil.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Queue.Backend {
	case "gorm", "memory":
	default:
		return fmt.Errorf("queue.backend must be gorm or memory, got %q", c.Queue.Backend)
	}
	if c.Queue.Workers < 1 {
		return errors.New("queue.workers must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	return c.Counting.Validate()
}

// Validate checks the counting options in isolation.
func (c *CountingConfig) Validate() error {
	if c.ResizeWidth < 0 {
		return errors.New("counting.resize_width must not be negative")
	}
	if (c.LineA == "") != (c.LineB == "") {
		return errors.New("counting.line_a and counting.line_b must be set together")
	}
	if c.LineTolerance < 0 {
		return errors.New("counting.line_tolerance must not be negative")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return errors.New("counting.confidence must be within [0,1]")
	}
	if c.IoU < 0 || c.IoU > 1 {
		return errors.New("counting.iou must be within [0,1]")
	}
	if c.ProgressEvery < 0 {
		return errors.New("counting.progress_every must not be negative")
	}
	return nil
}
