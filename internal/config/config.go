// Package config loads the microgrid process configuration from an optional
// YAML file, MICROGRID_* environment variables (a .env file is honoured) and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"microgrid-analytics/internal/features"
	"microgrid-analytics/internal/log"
)

// EnvPrefix is prepended to every environment variable, e.g. MICROGRID_DATABASE_PATH.
const EnvPrefix = "MICROGRID"

// FlagAliases maps short command-line flags to the configuration key they set.
var FlagAliases = map[string]string{
	"db":        "database.path",
	"artifacts": "artifacts.dir",
}

// Config is the full process configuration.
type Config struct {
	Log       *log.Options    `mapstructure:"log"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Inference InferenceConfig `mapstructure:"inference"`
}

// ArtifactsConfig selects where trained models are kept.
type ArtifactsConfig struct {
	Backend string    `mapstructure:"backend"` // "file" or "s3"
	Dir     string    `mapstructure:"dir"`
	S3      S3Options `mapstructure:"s3"`
}

// S3Options addresses an S3-compatible bucket (MinIO, AWS).
type S3Options struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
	UseSSL          bool   `mapstructure:"use-ssl"`
	BucketName      string `mapstructure:"bucket-name"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MQTTConfig configures the optional broker connection used for ingest and
// for forwarding enriched readings.
type MQTTConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Broker       string   `mapstructure:"broker"`
	ClientID     string   `mapstructure:"client-id"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	IngestTopics []string `mapstructure:"ingest-topics"`
	ForwardTopic string   `mapstructure:"forward-topic"`
	QoS          int      `mapstructure:"qos"`
}

type InferenceConfig struct {
	// HistoryWindow bounds how old a stored reading may be to count
	// towards the live rolling features.
	HistoryWindow  time.Duration `mapstructure:"history-window"`
	WatchArtifacts bool          `mapstructure:"watch-artifacts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: log.NewOptions(),
		Artifacts: ArtifactsConfig{
			Backend: "file",
			Dir:     "models",
			S3: S3Options{
				Endpoint:   "localhost:9000",
				UseSSL:     false,
				BucketName: "microgrid-models",
				Region:     "us-east-1",
			},
		},
		Database: DatabaseConfig{Path: "microgrid.db"},
		HTTP:     HTTPConfig{Addr: ":8080", Timeout: 15 * time.Second},
		MQTT: MQTTConfig{
			Broker:       "tcp://localhost:1883",
			ClientID:     "microgrid-analytics",
			IngestTopics: []string{"devices/+/telemetry"},
			ForwardTopic: "microgrid/{device_id}/enriched",
			QoS:          1,
		},
		Inference: InferenceConfig{
			HistoryWindow:  features.HistoryWindow,
			WatchArtifacts: true,
		},
	}
}

// Load resolves the configuration. path may be empty. flags may be nil; when
// given, a changed flag overrides file and environment values for the key
// with the same name (e.g. --log.level, --database.path).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := FlagAliases[f.Name]
			if !ok {
				key = f.Name
			}
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Join(bindErr, fmt.Errorf("bind flag %s: %w", f.Name, err))
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	cfg := &Config{Log: log.NewOptions()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.name", d.Log.Name)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.enable-color", d.Log.EnableColor)
	v.SetDefault("log.disable-caller", d.Log.DisableCaller)
	v.SetDefault("log.caller-skip", d.Log.CallerSkip)
	v.SetDefault("log.output-paths", d.Log.OutputPaths)

	v.SetDefault("artifacts.backend", d.Artifacts.Backend)
	v.SetDefault("artifacts.dir", d.Artifacts.Dir)
	v.SetDefault("artifacts.s3.endpoint", d.Artifacts.S3.Endpoint)
	v.SetDefault("artifacts.s3.access-key-id", d.Artifacts.S3.AccessKeyID)
	v.SetDefault("artifacts.s3.secret-access-key", d.Artifacts.S3.SecretAccessKey)
	v.SetDefault("artifacts.s3.use-ssl", d.Artifacts.S3.UseSSL)
	v.SetDefault("artifacts.s3.bucket-name", d.Artifacts.S3.BucketName)
	v.SetDefault("artifacts.s3.region", d.Artifacts.S3.Region)
	v.SetDefault("artifacts.s3.prefix", d.Artifacts.S3.Prefix)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.timeout", d.HTTP.Timeout)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client-id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.ingest-topics", d.MQTT.IngestTopics)
	v.SetDefault("mqtt.forward-topic", d.MQTT.ForwardTopic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("inference.history-window", d.Inference.HistoryWindow)
	v.SetDefault("inference.watch-artifacts", d.Inference.WatchArtifacts)
}

// Validate returns every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.Log.Validate()...)

	switch c.Artifacts.Backend {
	case "file":
		if c.Artifacts.Dir == "" {
			errs = append(errs, errors.New("artifacts.dir is required for the file backend"))
		}
	case "s3":
		if c.Artifacts.S3.Endpoint == "" {
			errs = append(errs, errors.New("artifacts.s3.endpoint is required for the s3 backend"))
		}
		if c.Artifacts.S3.BucketName == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket-name is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend must be 'file' or 's3', got %q", c.Artifacts.Backend))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
	}
	if c.Inference.HistoryWindow <= 0 {
		errs = append(errs, errors.New("inference.history-window must be positive"))
	}
	return errors.Join(errs...)
}
