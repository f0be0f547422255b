package main

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	offlinecache "github.com/ericselin/offline-cache"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envPrefix for environment overrides, e.g. OFFLINE_CACHE_ORIGIN.
const envPrefix = "OFFLINE_CACHE"

type Config struct {
	Origin          string        `mapstructure:"origin"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	DB              string        `mapstructure:"db"`
	Generation      string        `mapstructure:"generation"`
	Precache        []string      `mapstructure:"precache"`
	ManifestPath    string        `mapstructure:"manifestPath"`
	LogFile         string        `mapstructure:"logFile"`
	LogMaxSize      int           `mapstructure:"logMaxSize"`
	LogMaxBackups   int           `mapstructure:"logMaxBackups"`
	Verbose         bool          `mapstructure:"verbose"`
	UpstreamTimeout time.Duration `mapstructure:"upstreamTimeout"`
	// how long to keep retrying a failed registration
	RegisterRetry time.Duration `mapstructure:"registerRetry"`

	originURL *url.URL
}

// OriginURL returns the parsed origin. Only valid after loadConfig.
func (c Config) OriginURL() url.URL {
	return *c.originURL
}

// loadConfig layers the optional config file, the environment and the
// overrides (usually flags) on top of the defaults, in that order.
func loadConfig(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("could not read config: %w", err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("could not parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("origin", "")
	v.SetDefault("host", "")
	v.SetDefault("port", 8080)
	v.SetDefault("db", "cache.db")
	v.SetDefault("generation", offlinecache.DefaultGeneration)
	v.SetDefault("precache", offlinecache.DefaultPrecache)
	v.SetDefault("manifestPath", offlinecache.DefaultManifestPath)
	v.SetDefault("logFile", "")
	v.SetDefault("logMaxSize", 100)
	v.SetDefault("logMaxBackups", 10)
	v.SetDefault("verbose", false)
	v.SetDefault("upstreamTimeout", "30s")
	v.SetDefault("registerRetry", "1h")
}

func (c *Config) validate() error {
	if c.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin: %w", err)
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return fmt.Errorf("origin must be an absolute URL: %s", c.Origin)
	}
	if originURL.Path != "" && originURL.Path != "/" {
		return fmt.Errorf("origins with paths are not supported: %s", c.Origin)
	}
	c.originURL = originURL
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("invalid upstream timeout %s", c.UpstreamTimeout)
	}
	if c.RegisterRetry <= 0 {
		return fmt.Errorf("invalid register retry %s", c.RegisterRetry)
	}
	for i, path := range c.Precache {
		c.Precache[i] = strings.TrimSpace(path)
		if !strings.HasPrefix(c.Precache[i], "/") {
			return fmt.Errorf("precache path must start with /: %q", path)
		}
	}
	return nil
}

// durationDecodeHook accepts durations as strings ("30s") or as a number of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return data, nil
		}
	}
}
