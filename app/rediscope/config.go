package rediscope

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flonle/rediscope/app/rediscope/store"
)

type Config struct {
	Listen          string        `yaml:"listen"`
	Redis           RedisConfig   `yaml:"redis"`
	Log             LogConfig     `yaml:"log"`
	StaticDir       string        `yaml:"static_dir"`
	TraceStdout     bool          `yaml:"trace_stdout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Relay           RelayConfig   `yaml:"relay"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RelayConfig struct {
	// SwitchRate is how many target switches per second a viewer may make.
	SwitchRate  float64 `yaml:"switch_rate"`
	SwitchBurst int     `yaml:"switch_burst"`
}

func DefaultConfig() Config {
	return Config{
		Listen: ":3000",
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
		},
		Log:             LogConfig{Level: "info", Format: "json"},
		ShutdownTimeout: 10 * time.Second,
		Relay:           RelayConfig{SwitchRate: 5, SwitchBurst: 5},
	}
}

// LoadConfig layers the defaults, the YAML file at path (if any) and the
// environment, in that order. lookup is usually os.LookupEnv.
func LoadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	host, port, err := net.SplitHostPort(c.Redis.Addr)
	if err != nil {
		host, port = c.Redis.Addr, "6379"
	}
	if v, ok := lookup("REDIS_HOST"); ok && v != "" {
		host = v
	}
	if v, ok := lookup("REDIS_PORT"); ok && v != "" {
		port = v
	}
	c.Redis.Addr = net.JoinHostPort(host, port)

	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Listen = ":" + v
	}
	if v, ok := lookup("REDISCOPE_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("REDISCOPE_LOG_FORMAT"); ok && v != "" {
		c.Log.Format = v
	}
	if v, ok := lookup("REDISCOPE_STATIC_DIR"); ok {
		c.StaticDir = v
	}
	return nil
}

func (c Config) Validate() error {
	var problems []error
	if c.Listen == "" {
		problems = append(problems, errors.New("listen address is empty"))
	}
	if c.Redis.Addr == "" {
		problems = append(problems, errors.New("redis address is empty"))
	}
	if c.Redis.DB < 0 {
		problems = append(problems, fmt.Errorf("invalid redis db: %d", c.Redis.DB))
	}
	for name, d := range map[string]time.Duration{
		"redis.dial_timeout":  c.Redis.DialTimeout,
		"redis.read_timeout":  c.Redis.ReadTimeout,
		"redis.write_timeout": c.Redis.WriteTimeout,
		"shutdown_timeout":    c.ShutdownTimeout,
	} {
		if d < 0 {
			problems = append(problems, fmt.Errorf("%s is negative: %s", name, d))
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		problems = append(problems, fmt.Errorf("invalid log level: %s", c.Log.Level))
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		problems = append(problems, fmt.Errorf("invalid log format: %s", c.Log.Format))
	}
	if c.Relay.SwitchRate < 0 || c.Relay.SwitchBurst < 0 {
		problems = append(problems, errors.New("relay switch limits must not be negative"))
	}
	return errors.Join(problems...)
}

func (c Config) storeOptions() store.Options {
	return store.Options{
		Addr:         c.Redis.Addr,
		Username:     c.Redis.Username,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
		PoolSize:     c.Redis.PoolSize,
	}
}
