package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort      = 5000
	DefaultSecretKey = "emotion_secret_for_dev"

	FlashStoreCookie = "cookie"
	FlashStoreRedis  = "redis"
)

type Database struct {
	Type             string `yaml:"type" validate:"required,eq=sqlite"`
	ConnectionString string `yaml:"connectionString" validate:"required"`
}

type Classifier struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

type Flash struct {
	Store     string `yaml:"store" validate:"oneof=cookie redis"`
	RedisAddr string `yaml:"redisAddr"`
}

type ServiceConfig struct {
	Port           int        `yaml:"port" validate:"min=1,max=65535"`
	SecretKey      string     `yaml:"secretKey" validate:"required"`
	UploadDir      string     `yaml:"uploadDir" validate:"required"`
	FontPath       string     `yaml:"fontPath"`
	HistoryLimit   int        `yaml:"historyLimit" validate:"min=1"`
	ExportLimit    int        `yaml:"exportLimit" validate:"min=1"`
	ThumbnailWidth int        `yaml:"thumbnailWidth" validate:"min=1"`
	Database       Database   `yaml:"database"`
	Classifier     Classifier `yaml:"classifier"`
	Flash          Flash      `yaml:"flash"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:           DefaultPort,
		SecretKey:      DefaultSecretKey,
		UploadDir:      "static/uploads",
		FontPath:       "DejaVuSans-Bold.ttf",
		HistoryLimit:   500,
		ExportLimit:    1000,
		ThumbnailWidth: 96,
		Database: Database{
			Type:             "sqlite",
			ConnectionString: "emotion_app.db",
		},
		Classifier: Classifier{
			URL: "http://localhost:5005",
		},
		Flash: Flash{
			Store: FlashStoreCookie,
		},
	}
}

// LoadConfig loads configuration from the specified YAML file on top of the defaults.
// A missing file is not an error. Environment variables override file values.
func LoadConfig(configPath string) (*ServiceConfig, error) {
	config := DefaultConfig()

	// Read the config file
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		// Parse YAML
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := applyEnvironment(config); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Flash.Store == FlashStoreRedis && config.Flash.RedisAddr == "" {
		return nil, fmt.Errorf("invalid configuration: flash store %q requires redisAddr", FlashStoreRedis)
	}

	return config, nil
}

func applyEnvironment(config *ServiceConfig) error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		config.Port = p
	}
	overrides := map[string]*string{
		"SECRET_KEY":     &config.SecretKey,
		"UPLOAD_DIR":     &config.UploadDir,
		"DATABASE_PATH":  &config.Database.ConnectionString,
		"CLASSIFIER_URL": &config.Classifier.URL,
		"FONT_PATH":      &config.FontPath,
	}
	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Flash.Store = FlashStoreRedis
		config.Flash.RedisAddr = addr
	}
	return nil
}
