// Package config loads the settings shared by the roost commands from
// defaults, an optional YAML file, ROOST_ environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. ROOST_BATCH_SIZE.
const EnvPrefix = "ROOST"

// Settings holds every tunable of the pipeline.
type Settings struct {
	Debug bool `mapstructure:"debug"`

	// Labels is the label table, Folds the fold table and Images the root the
	// renderer writes to.
	Labels string `mapstructure:"labels"`
	Folds  string `mapstructure:"folds"`
	Images string `mapstructure:"images"`

	K             int `mapstructure:"k"`
	ValidateIndex int `mapstructure:"validate_index"`
	TestIndex     int `mapstructure:"test_index"`

	BatchSize   int   `mapstructure:"batch_size"`
	Seed        int64 `mapstructure:"seed"`
	MaxResample int   `mapstructure:"max_resample"`

	HighMemory bool `mapstructure:"high_memory"` // decode every image up front
	CropDim    int  `mapstructure:"crop_dim"`
	CacheSize  int  `mapstructure:"cache_size"`
	Workers    int  `mapstructure:"workers"`
}

// defaults are registered before reading anything so every key is known to
// viper, which Unmarshal needs to pick up environment overrides.
var defaults = map[string]any{
	"debug":          false,
	"labels":         "ml_labels.csv",
	"folds":          "ml_splits.csv",
	"images":         "radar_images",
	"k":              5,
	"validate_index": 3,
	"test_index":     4,
	"batch_size":     32,
	"seed":           0,
	"max_resample":   64,
	"high_memory":    false,
	"crop_dim":       120,
	"cache_size":     0,
	"workers":        0,
}

// SetDefaults registers the defaults on v and enables ROOST_ environment
// variables.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load reads configFile from fs when given, otherwise looks for an optional
// roost.yaml in the working directory, and returns the merged settings. v
// should already have SetDefaults applied and any flags bound.
func Load(v *viper.Viper, fs afero.Fs, configFile string) (*Settings, error) {
	if fs != nil {
		v.SetFs(fs)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	} else {
		v.SetConfigName("roost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "failed to read config file")
			}
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config into struct")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings no command can run with. Fold indices are
// checked by the fold assignment itself.
func (s *Settings) Validate() error {
	switch {
	case s.BatchSize < 2:
		return errors.Errorf("batch_size must be at least 2, got %d", s.BatchSize)
	case s.CropDim < 1:
		return errors.Errorf("crop_dim must be positive, got %d", s.CropDim)
	case s.CacheSize < 0:
		return errors.Errorf("cache_size must not be negative, got %d", s.CacheSize)
	case s.MaxResample < 0:
		return errors.Errorf("max_resample must not be negative, got %d", s.MaxResample)
	}
	return nil
}
