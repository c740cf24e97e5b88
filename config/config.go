package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"evecache/decoder"
	"evecache/reader"
)

// DefaultConfigPath is read when no --config flag is given. It is optional.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	App     AppConfig     `yaml:"app"`
	Decoder DecoderConfig `yaml:"decoder"`
	Market  MarketConfig  `yaml:"market"`
	Batch   BatchConfig   `yaml:"batch"`
	Export  ExportConfig  `yaml:"export"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DecoderConfig struct {
	MaxDepth     int   `yaml:"max_depth"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// StringTable replaces the built-in interned string list when set.
	StringTable []string `yaml:"string_table"`
	// Tags rebinds tag bytes ("0x13" or "19") to op names ("buffer").
	Tags map[string]string `yaml:"tags"`
}

// MarketConfig lists the keys a keyed market envelope may use.
type MarketConfig struct {
	Method        string   `yaml:"method"`
	RegionKeys    []string `yaml:"region_keys"`
	TypeKeys      []string `yaml:"type_keys"`
	TimestampKeys []string `yaml:"timestamp_keys"`
	SellKeys      []string `yaml:"sell_keys"`
	BuyKeys       []string `yaml:"buy_keys"`
}

type BatchConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type ExportConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
	CBOR    CBORConfig    `yaml:"cbor"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
	Parallelism int64  `yaml:"parallelism"`
}

type CBORConfig struct {
	Dir string `yaml:"dir"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled          bool    `yaml:"enabled"`
	Bucket           string  `yaml:"bucket"`
	Region           string  `yaml:"region"`
	Endpoint         string  `yaml:"endpoint"`
	PathStyle        bool    `yaml:"path_style"`
	Prefix           string  `yaml:"prefix"`
	AccessKeyID      string  `yaml:"access_key_id"`
	SecretAccessKey  string  `yaml:"secret_access_key"`
	UploadsPerSecond float64 `yaml:"uploads_per_second"`
	Burst            int     `yaml:"burst"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	logFormat := "text"
	if IsProductionLike(AppEnvironment()) {
		logFormat = "json"
	}
	return Config{
		App: AppConfig{Name: "evecache", Version: "1.0"},
		Decoder: DecoderConfig{
			MaxDepth:     decoder.DefaultMaxDepth,
			MaxFileBytes: reader.DefaultMaxFileBytes,
		},
		Market: MarketConfig{
			Method:        "GetOrders",
			RegionKeys:    []string{"regionID", "region", "regionid"},
			TypeKeys:      []string{"typeID", "type", "typeid"},
			TimestampKeys: []string{"timestamp", "generatedAt", "version"},
			SellKeys:      []string{"sellOrders", "sell", "asks"},
			BuyKeys:       []string{"buyOrders", "buy", "bids"},
		},
		Batch: BatchConfig{MaxWorkers: 4},
		Export: ExportConfig{
			Parquet: ParquetConfig{Dir: "export", Compression: "snappy", Parallelism: 4},
		},
		Storage: StorageConfig{
			S3: S3Config{Prefix: "evecache", UploadsPerSecond: 5, Burst: 1},
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "EveCache", Dashboard: "EveCache"},
		},
		Logging: LoggingConfig{Level: "info", Format: logFormat, Output: "stderr"},
	}
}

// LoadConfig reads path on top of Default. An empty path or a missing default
// file yields the defaults; APP_ENV may redirect the default path to an
// environment specific file.
func LoadConfig(path string) (*Config, error) {
	explicit := path != "" && path != DefaultConfigPath
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	config := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if config.Metrics.CloudWatch.Enabled && config.Metrics.CloudWatch.Region == "" {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Options builds decoder options, applying tag overrides to the default
// catalogue.
func (c DecoderConfig) Options() (decoder.Options, error) {
	opts := decoder.DefaultOptions()
	if c.MaxDepth > 0 {
		opts.MaxDepth = c.MaxDepth
	}
	if len(c.StringTable) > 0 {
		opts.StringTable = c.StringTable
	}
	for key, name := range c.Tags {
		tag, err := strconv.ParseUint(strings.TrimSpace(key), 0, 8)
		if err != nil {
			return opts, fmt.Errorf("decoder.tags: invalid tag %q", key)
		}
		op, err := decoder.ParseOp(name)
		if err != nil {
			return opts, fmt.Errorf("decoder.tags[%s]: %w", key, err)
		}
		if err := opts.Catalogue.Set(byte(tag), op); err != nil {
			return opts, fmt.Errorf("decoder.tags[%s]: %w", key, err)
		}
	}
	return opts, nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Decoder.MaxDepth <= 0 {
		return fmt.Errorf("decoder.max_depth must be greater than 0")
	}
	if cfg.Decoder.MaxFileBytes <= 0 {
		return fmt.Errorf("decoder.max_file_bytes must be greater than 0")
	}
	if _, err := cfg.Decoder.Options(); err != nil {
		return err
	}

	if cfg.Market.Method == "" {
		return fmt.Errorf("market.method is required")
	}
	if len(cfg.Market.SellKeys) == 0 && len(cfg.Market.BuyKeys) == 0 {
		return fmt.Errorf("market.sell_keys or market.buy_keys must not be empty")
	}

	if cfg.Batch.MaxWorkers <= 0 {
		return fmt.Errorf("batch.max_workers must be greater than 0")
	}

	if cfg.Export.Parquet.Enabled {
		switch strings.ToLower(cfg.Export.Parquet.Compression) {
		case "", "snappy", "gzip", "lz4", "zstd", "uncompressed", "none":
		default:
			return fmt.Errorf("export.parquet.compression '%s' is not supported", cfg.Export.Parquet.Compression)
		}
		if cfg.Export.Parquet.Dir == "" {
			return fmt.Errorf("export.parquet.dir is required when parquet export is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.UploadsPerSecond <= 0 {
			return fmt.Errorf("storage.s3.uploads_per_second must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
