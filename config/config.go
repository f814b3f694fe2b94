package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/electric-coding-llc/s3store/internal/state"
)

const (
	DefaultContentType = "application/json"
	MaxPageSize        = 1000
)

type Config struct {
	S3        S3Config        `toml:"s3"`
	Local     LocalConfig     `toml:"local"`
	Listing   ListingConfig   `toml:"listing"`
	Documents DocumentsConfig `toml:"documents"`
}

type S3Config struct {
	Endpoint     string `toml:"endpoint"`
	Region       string `toml:"region"`
	Bucket       string `toml:"bucket"`
	Prefix       string `toml:"prefix"`
	UsePathStyle bool   `toml:"use_path_style"`

	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	SessionToken    string `toml:"session_token"`

	// DisableConditionalDelete declares that the service ignores If-Match on
	// DELETE. The zero value keeps conditional deletes on.
	DisableConditionalDelete bool `toml:"disable_conditional_delete"`
}

type LocalConfig struct {
	Root string `toml:"root"`
}

type ListingConfig struct {
	PageSize int32 `toml:"page_size"`
}

type DocumentsConfig struct {
	ContentType string `toml:"content_type"`
}

func DefaultConfig() *Config {
	return &Config{
		S3: S3Config{
			Endpoint: "",
			Region:   "",
			Bucket:   "",
			Prefix:   "",
		},
		Local: LocalConfig{
			Root: "",
		},
		Listing: ListingConfig{
			PageSize: MaxPageSize,
		},
		Documents: DocumentsConfig{
			ContentType: DefaultContentType,
		},
	}
}

// LoadDefault loads the config file from the per-user application directory.
func LoadDefault() (*Config, error) {
	path, err := state.ConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Listing.PageSize == 0 {
		c.Listing.PageSize = MaxPageSize
	}
	if strings.TrimSpace(c.Documents.ContentType) == "" {
		c.Documents.ContentType = DefaultContentType
	}
	if strings.TrimSpace(c.Local.Root) == "" {
		if dir, err := state.ObjectStoreDir(); err == nil {
			c.Local.Root = dir
		}
	}
}

func (c *Config) Normalize() {
	c.S3.Endpoint = strings.TrimRight(strings.TrimSpace(c.S3.Endpoint), "/")
	c.S3.Region = strings.TrimSpace(c.S3.Region)
	c.S3.Bucket = strings.TrimSpace(c.S3.Bucket)
	c.S3.Prefix = strings.TrimSpace(c.S3.Prefix)
	if c.S3.Prefix != "" && !strings.HasSuffix(c.S3.Prefix, "/") {
		c.S3.Prefix += "/"
	}
	c.S3.AccessKeyID = strings.TrimSpace(c.S3.AccessKeyID)
	c.Local.Root = strings.TrimSpace(c.Local.Root)
	c.Documents.ContentType = strings.TrimSpace(c.Documents.ContentType)
}

func (c *Config) Validate() error {
	if c.S3.Bucket == "" && (c.S3.Region != "" || c.S3.Endpoint != "") {
		return errors.New("s3.bucket is required when s3.region or s3.endpoint is set")
	}
	if strings.Contains(c.S3.Bucket, "/") {
		return errors.New("s3.bucket must not contain '/'")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		return errors.New("s3.region is required when s3.bucket is set")
	}
	if c.S3.AccessKeyID != "" && c.S3.SecretAccessKey == "" {
		return errors.New("s3.secret_access_key is required when s3.access_key_id is set")
	}
	if c.S3.Bucket == "" && c.Local.Root == "" {
		return errors.New("either s3.bucket or local.root must be set")
	}
	if c.Listing.PageSize < 0 || c.Listing.PageSize > MaxPageSize {
		return fmt.Errorf("listing.page_size must be between 1 and %d", MaxPageSize)
	}
	if !strings.Contains(c.Documents.ContentType, "/") {
		return fmt.Errorf("documents.content_type %q is not a media type", c.Documents.ContentType)
	}
	return nil
}
