package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"catalog-media-backend/internal/domain"
)

// Config captures server runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Job      JobConfig      `mapstructure:"job"`
	Image    ImageConfig    `mapstructure:"image"`
	Attach   AttachConfig   `mapstructure:"attach"`
	Log      LogConfig      `mapstructure:"log"`

	// Variants is the ordered sized-variant set, parsed from "tag:longest_side"
	// entries. The original variant is implicit.
	Variants []string `mapstructure:"variants"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type BlobConfig struct {
	Root string `mapstructure:"root"`
}

type JobConfig struct {
	Tries    int `mapstructure:"tries"`
	TimeoutS int `mapstructure:"timeout_s"`
	Workers  int `mapstructure:"workers"`
}

type ImageConfig struct {
	JPEGQuality int `mapstructure:"jpeg_quality"`
}

type AttachConfig struct {
	ReadyWaitS int `mapstructure:"ready_wait_s"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the CATALOG_ prefix with underscores, e.g.
// CATALOG_DATABASE_URL, CATALOG_BLOB_ROOT.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Every key needs a default so AutomaticEnv-sourced values survive
	// Unmarshal; viper only visits keys it already knows about.
	v.SetDefault("database.url", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("blob.root", "data/blobs")
	v.SetDefault("job.tries", 3)
	v.SetDefault("job.timeout_s", 300)
	v.SetDefault("job.workers", 2)
	v.SetDefault("image.jpeg_quality", 90)
	v.SetDefault("attach.ready_wait_s", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("variants", []string{"256:256", "512:512", "1024:1024"})

	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Blob.Root == "" {
		return fmt.Errorf("blob.root is required")
	}
	if c.Job.Tries < 1 {
		return fmt.Errorf("job.tries must be at least 1")
	}
	if c.Job.Workers < 1 {
		return fmt.Errorf("job.workers must be at least 1")
	}
	if c.Image.JPEGQuality < 1 || c.Image.JPEGQuality > 100 {
		return fmt.Errorf("image.jpeg_quality must be in [1,100]")
	}
	if _, err := c.VariantSpecs(); err != nil {
		return err
	}
	return nil
}

// JobTimeout returns the per-attempt processing timeout.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Job.TimeoutS) * time.Second
}

// ReadyWait returns the threshold after which a stuck non-complete upload is
// declared failed during attach.
func (c *Config) ReadyWait() time.Duration {
	return time.Duration(c.Attach.ReadyWaitS) * time.Second
}

// VariantSpecs parses the configured variant list. An empty list falls back
// to the defaults.
func (c *Config) VariantSpecs() ([]domain.VariantSpec, error) {
	if len(c.Variants) == 0 {
		return domain.DefaultVariants(), nil
	}
	specs := make([]domain.VariantSpec, 0, len(c.Variants))
	for _, entry := range c.Variants {
		tag, sizeStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid variant %q, want tag:longest_side", entry)
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("invalid variant size in %q", entry)
		}
		if tag == domain.VariantOriginal {
			return nil, fmt.Errorf("variant tag %q is reserved", tag)
		}
		specs = append(specs, domain.VariantSpec{Tag: tag, LongestSide: size})
	}
	return specs, nil
}
