package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/Brownie44l1/xray-server/internal/explain/gradcam"
	"github.com/Brownie44l1/xray-server/internal/explain/lime"
	"github.com/Brownie44l1/xray-server/internal/logging"
	"github.com/Brownie44l1/xray-server/internal/preprocess"
	"github.com/Brownie44l1/xray-server/internal/segmentation"
)

// Config holds runtime configuration for the pipelines and the command
// server. Fields are loaded from a JSON file and overridden by command-line
// flags.
type Config struct {
	// Classes are the classifier labels in output order. Empty means the
	// list from the model metadata.
	Classes []string `json:"classes"`
	// ImageSize is the square classifier input resolution. Zero means the
	// size from the model metadata.
	ImageSize int `json:"image_size"`

	Segmentation segmentation.Options `json:"segmentation"`
	Lime         lime.Options         `json:"lime"`
	GradCAM      gradcam.Options      `json:"gradcam"`
	Server       ServerConfig         `json:"server"`

	JournalPath string `json:"journal_path"`
	LogLevel    string `json:"log_level"`
	LogFile     string `json:"log_file"`
}

// Resolve fills classes and image size from model metadata where the
// configuration leaves them unset.
func (c *Config) Resolve(classes []string, imageSize int) error {
	if len(c.Classes) == 0 {
		c.Classes = append([]string(nil), classes...)
	}
	if len(c.Classes) == 0 {
		return errors.New("no class labels configured or found in model metadata")
	}
	if c.ImageSize == 0 {
		c.ImageSize = imageSize
	}
	if c.ImageSize <= 0 {
		c.ImageSize = preprocess.DefaultSize.X
	}
	return c.Validate()
}

type ServerConfig struct {
	MaxWorkers      int      `json:"max_workers"`
	DrainTimeout    Duration `json:"drain_timeout"`
	ResultCacheTTL  Duration `json:"result_cache_ttl"`
	ResultCacheSize int      `json:"result_cache_size"`
}

// Duration is a time.Duration encoded as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Segmentation: segmentation.DefaultOptions(),
		Lime:         lime.DefaultOptions(),
		GradCAM:      gradcam.DefaultOptions(),
		Server: ServerConfig{
			DrainTimeout:    Duration{30 * time.Second},
			ResultCacheSize: 256,
		},
		LogLevel: "info",
	}
}

// Size returns the classifier input resolution.
func (c *Config) Size() image.Point {
	if c.ImageSize <= 0 {
		return preprocess.DefaultSize
	}
	return image.Pt(c.ImageSize, c.ImageSize)
}

// Validate reports every out-of-range value. It does not modify c beyond
// propagating a set ImageSize into the explainer options.
func (c *Config) Validate() error {
	var errs []error
	if c.ImageSize < 0 {
		errs = append(errs, fmt.Errorf("image_size %d must not be negative", c.ImageSize))
	} else if c.ImageSize > 0 {
		c.Lime.ImageSize = c.Size()
		c.GradCAM.ImageSize = c.Size()
	}
	if err := c.Segmentation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmentation: %w", err))
	}
	if err := c.Lime.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lime: %w", err))
	}
	if err := c.GradCAM.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("gradcam: %w", err))
	}
	if c.Server.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("server.max_workers %d must not be negative", c.Server.MaxWorkers))
	}
	if c.Server.DrainTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("server.drain_timeout %v must not be negative", c.Server.DrainTimeout))
	}
	if c.Server.ResultCacheTTL.Duration < 0 {
		errs = append(errs, fmt.Errorf("server.result_cache_ttl %v must not be negative", c.Server.ResultCacheTTL))
	}
	if c.Server.ResultCacheSize < 0 {
		errs = append(errs, fmt.Errorf("server.result_cache_size %d must not be negative", c.Server.ResultCacheSize))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Load reads configuration from the JSON file at path. A missing file yields
// DefaultConfig(). The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path in JSON format.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
