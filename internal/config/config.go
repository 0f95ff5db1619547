package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cenv "github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kfn "github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. SQLGW_POOL__MAX=20 sets pool.max.
const EnvPrefix = "SQLGW_"

// Load reads the file named by SQLGW_CONFIG, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	envCfg := EnvConfig{}
	if err := cenv.Parse(&envCfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&envCfg); err != nil {
		return nil, fmt.Errorf("failed to load environment configuration: %w", err)
	}
	return LoadFile(envCfg.ConfigFile)
}

// LoadFile reads a YAML file and merges environment overrides. An empty path
// loads from the environment alone.
func LoadFile(path string) (*Config, error) {
	k := kfn.New(".")

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("error opening config file: %w", err)
		}
		ext := strings.ToLower(filepath.Ext(absPath))
		if ext != ".yaml" && ext != ".yml" {
			return nil, &UnsupportedExtensionError{Extension: ext}
		}
		if err := k.Load(kfile.Provider(absPath), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	}

	if err := loadEnv(k); err != nil {
		return nil, fmt.Errorf("error loading environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("error applying defaults: %w", err)
	}
	if err := k.UnmarshalWithConf("", cfg, kfn.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv(k *kfn.Koanf) error {
	return k.Load(kenv.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Cache.Enabled && c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return errors.New("cache.redis.addr is required for the redis backend")
	}
	return nil
}

// UnsupportedExtensionError reports a config file that is not YAML.
type UnsupportedExtensionError struct {
	Extension string
}

func (e *UnsupportedExtensionError) Error() string {
	return fmt.Sprintf("unsupported config file extension: %q", e.Extension)
}
