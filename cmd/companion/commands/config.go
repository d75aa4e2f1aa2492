package commands

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the server configuration, loaded from a YAML file.
type Config struct {
	// Listen is the API bind address.
	Listen string `yaml:"listen"`
	// Store is the key-value store URL, e.g. "badger:///var/lib/companion"
	// or "memory://".
	Store string `yaml:"store"`

	OpenAI struct {
		APIKey     string `yaml:"api_key"`
		ChatModel  string `yaml:"chat_model,omitempty"`
		ImageModel string `yaml:"image_model,omitempty"`
		// TuningModel backs the feedback tuning worker. Prompt rewriting
		// benefits from a stronger model than turn generation needs.
		TuningModel string `yaml:"tuning_model,omitempty"`
	} `yaml:"openai"`

	// Gemini, when configured, takes over image generation.
	Gemini struct {
		APIKey     string `yaml:"api_key,omitempty"`
		ImageModel string `yaml:"image_model,omitempty"`
	} `yaml:"gemini,omitempty"`

	Realtime struct {
		Model string `yaml:"model,omitempty"`
		Voice string `yaml:"voice,omitempty"`
	} `yaml:"realtime,omitempty"`

	// Archive configures durable storage for generated images. Provider
	// image URLs expire; with an archive configured the engine re-hosts
	// each image before persisting its URL.
	Archive struct {
		// Backend is "local", "s3", or empty to disable archiving.
		Backend string `yaml:"backend,omitempty"`
		// Local backend.
		Dir string `yaml:"dir,omitempty"`
		// S3 backend.
		Bucket    string `yaml:"bucket,omitempty"`
		Prefix    string `yaml:"prefix,omitempty"`
		Region    string `yaml:"region,omitempty"`
		AccessKey string `yaml:"access_key,omitempty"`
		SecretKey string `yaml:"secret_key,omitempty"`
		// BaseURL is the public URL prefix archived keys resolve under.
		BaseURL string `yaml:"base_url,omitempty"`
	} `yaml:"archive,omitempty"`
}

// LoadConfig reads and validates the server configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	if cfg.Store == "" {
		cfg.Store = "memory://"
	}
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("config: openai.api_key is required")
	}
	if cfg.OpenAI.TuningModel == "" {
		cfg.OpenAI.TuningModel = "gpt-4o"
	}
	switch cfg.Archive.Backend {
	case "", "local", "s3":
	default:
		return nil, fmt.Errorf("config: unknown archive backend %q", cfg.Archive.Backend)
	}
	if cfg.Archive.Backend == "local" && cfg.Archive.Dir == "" {
		return nil, fmt.Errorf("config: archive.dir is required for the local backend")
	}
	if cfg.Archive.Backend == "s3" && cfg.Archive.Bucket == "" {
		return nil, fmt.Errorf("config: archive.bucket is required for the s3 backend")
	}
	return &cfg, nil
}
