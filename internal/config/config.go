package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures bootstrap configuration sourced from environment variables, an optional
// ipmon.yaml file and a .env file. Runtime settings (poll interval, retention, channels)
// live in the database and are hot-reloadable.
type Config struct {
	Environment     string
	HTTPPort        string
	DatabaseDriver  string
	DatabaseDSN     string
	LogDir          string
	StaticDir       string
	ExternalBaseURL string
	Debug           bool
	RedisAddr       string
	RedisPassword   string
	ICMPPrivileged  bool
}

const envPrefix = "IPMON"

var supportedDrivers = map[string]struct{}{
	"sqlite":   {},
	"postgres": {},
	"mysql":    {},
}

// Load reads configuration and falls back to defaults so the server can boot with zero
// configuration. configFile may be empty, in which case ipmon.yaml is looked up in the
// working directory and in data/.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("ipmon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("data")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Environment:     v.GetString("env"),
		HTTPPort:        v.GetString("http_port"),
		DatabaseDriver:  strings.ToLower(v.GetString("db.driver")),
		DatabaseDSN:     v.GetString("db.dsn"),
		LogDir:          v.GetString("log_dir"),
		StaticDir:       v.GetString("static_dir"),
		ExternalBaseURL: strings.TrimSuffix(v.GetString("external_base_url"), "/"),
		Debug:           v.GetBool("debug"),
		RedisAddr:       v.GetString("redis.addr"),
		RedisPassword:   v.GetString("redis.password"),
		ICMPPrivileged:  v.GetBool("icmp.privileged"),
	}

	if _, ok := supportedDrivers[cfg.DatabaseDriver]; !ok {
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.DatabaseDriver == "sqlite" && !strings.HasPrefix(cfg.DatabaseDSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseDSN), 0o755); err != nil {
			return Config{}, fmt.Errorf("ensure data directory: %w", err)
		}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http_port", "8080")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", filepath.Join("data", "ipmon.db"))
	v.SetDefault("log_dir", filepath.Join("data", "logs"))
	v.SetDefault("static_dir", filepath.Join("data", "static"))
	v.SetDefault("external_base_url", "")
	v.SetDefault("debug", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("icmp.privileged", true)
}

// IsDevelopment reports whether the process runs in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}
