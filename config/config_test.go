package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "missing.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}

	if cfg.S3.Bucket != "" {
		t.Fatalf("unexpected default bucket: got %q", cfg.S3.Bucket)
	}
	if cfg.S3.DisableConditionalDelete {
		t.Fatal("expected conditional delete to stay enabled by default")
	}
	if cfg.Listing.PageSize != MaxPageSize {
		t.Fatalf("unexpected default page_size: got %d want %d", cfg.Listing.PageSize, MaxPageSize)
	}
	if cfg.Documents.ContentType != "application/json" {
		t.Fatalf("unexpected default content_type: got %q", cfg.Documents.ContentType)
	}
	if !strings.HasSuffix(cfg.Local.Root, filepath.Join("s3store", "objects")) {
		t.Fatalf("unexpected default local root: got %q", cfg.Local.Root)
	}
}

func TestLoadAppliesDefaultsAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		"[s3]",
		"endpoint = \" http://localhost:4566/ \"",
		"bucket = \" example-bucket \"",
		"region = \" us-east-1 \"",
		"prefix = \" custom \"",
		"use_path_style = true",
		"access_key_id = \" test \"",
		"secret_access_key = \"test\"",
		"disable_conditional_delete = true",
		"",
		"[local]",
		"root = \" /var/lib/s3store \"",
		"",
		"[listing]",
		"page_size = 250",
		"",
		"[documents]",
		"content_type = \"\"",
	}, "\n")

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.S3.Endpoint != "http://localhost:4566" {
		t.Fatalf("expected normalized endpoint: got %q", cfg.S3.Endpoint)
	}
	if cfg.S3.Bucket != "example-bucket" || cfg.S3.Region != "us-east-1" {
		t.Fatalf("expected trimmed bucket and region: got %q %q", cfg.S3.Bucket, cfg.S3.Region)
	}
	if cfg.S3.Prefix != "custom/" {
		t.Fatalf("expected normalized prefix: got %q want %q", cfg.S3.Prefix, "custom/")
	}
	if !cfg.S3.UsePathStyle {
		t.Fatal("expected use_path_style=true")
	}
	if cfg.S3.AccessKeyID != "test" {
		t.Fatalf("expected trimmed access key: got %q", cfg.S3.AccessKeyID)
	}
	if !cfg.S3.DisableConditionalDelete {
		t.Fatal("expected disable_conditional_delete=true to be read")
	}
	if cfg.Local.Root != "/var/lib/s3store" {
		t.Fatalf("expected trimmed local root: got %q", cfg.Local.Root)
	}
	if cfg.Listing.PageSize != 250 {
		t.Fatalf("expected page_size=250, got %d", cfg.Listing.PageSize)
	}
	if cfg.Documents.ContentType != DefaultContentType {
		t.Fatalf("expected default content_type: got %q", cfg.Documents.ContentType)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()

	malformed := filepath.Join(dir, "malformed.toml")
	if err := os.WriteFile(malformed, []byte("[s3\nbucket ="), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(malformed); err == nil {
		t.Fatal("expected decode error")
	}

	invalid := filepath.Join(dir, "invalid.toml")
	if err := os.WriteFile(invalid, []byte("[s3]\nbucket = \"b\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "s3.region is required") {
		t.Fatalf("expected validation error, got: %v", err)
	}
}

func TestLoadDefaultUsesAppDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)

	dir := filepath.Join(home, "s3store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "[s3]\nbucket = \"from-default\"\nregion = \"eu-west-1\"\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.S3.Bucket != "from-default" {
		t.Fatalf("expected bucket from default path, got %q", cfg.S3.Bucket)
	}
	if cfg.Local.Root != filepath.Join(dir, "objects") {
		t.Fatalf("unexpected local root: got %q", cfg.Local.Root)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			S3:        S3Config{Bucket: "my-bucket", Region: "us-west-2", Prefix: "docs/"},
			Local:     LocalConfig{Root: "/var/lib/s3store"},
			Listing:   ListingConfig{PageSize: 100},
			Documents: DocumentsConfig{ContentType: "application/json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid s3 storage",
			mutate: func(*Config) {},
		},
		{
			name: "valid local storage",
			mutate: func(c *Config) {
				c.S3 = S3Config{}
			},
		},
		{
			name: "reject region without bucket",
			mutate: func(c *Config) {
				c.S3.Bucket = ""
			},
			wantErr: "s3.bucket is required when s3.region or s3.endpoint is set",
		},
		{
			name: "reject bucket without region",
			mutate: func(c *Config) {
				c.S3.Region = ""
			},
			wantErr: "s3.region is required when s3.bucket is set",
		},
		{
			name: "reject bucket containing slash",
			mutate: func(c *Config) {
				c.S3.Bucket = "bad/bucket"
			},
			wantErr: "s3.bucket must not contain '/'",
		},
		{
			name: "reject access key without secret",
			mutate: func(c *Config) {
				c.S3.AccessKeyID = "AKIA"
			},
			wantErr: "s3.secret_access_key is required when s3.access_key_id is set",
		},
		{
			name: "reject no backend",
			mutate: func(c *Config) {
				c.S3 = S3Config{}
				c.Local.Root = ""
			},
			wantErr: "either s3.bucket or local.root must be set",
		},
		{
			name: "reject oversized page",
			mutate: func(c *Config) {
				c.Listing.PageSize = MaxPageSize + 1
			},
			wantErr: "listing.page_size must be between 1 and 1000",
		},
		{
			name: "reject negative page",
			mutate: func(c *Config) {
				c.Listing.PageSize = -1
			},
			wantErr: "listing.page_size must be between 1 and 1000",
		},
		{
			name: "reject bare content type",
			mutate: func(c *Config) {
				c.Documents.ContentType = "json"
			},
			wantErr: "is not a media type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
