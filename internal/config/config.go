// Package config loads server settings from a YAML file, an optional .env
// file and BOURSE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BOURSE_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	History HistoryConfig `yaml:"history"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`
}

type HTTPConfig struct {
	// Address is empty to disable the market data API.
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	Secret   string        `yaml:"jwt_secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type KafkaConfig struct {
	// Brokers is empty to disable the trade feed.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

type HistoryConfig struct {
	Completed int `yaml:"completed"`
	Quotes    int `yaml:"quotes"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    9001,
			Workers: 10,
		},
		HTTP: HTTPConfig{
			Address: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Driver: "pebble",
			Path:   "data/bourse",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic:  "bourse.trades",
			Buffer: 1024,
		},
		History: HistoryConfig{
			Completed: 100,
			Quotes:    1000,
		},
	}
}

// Load builds the config. path may be empty, in which case only defaults,
// .env from the working directory and the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	envPath := ".env"
	if path != "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envPath, err)
	}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config file: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"SERVER_HOST":  &cfg.Server.Host,
		"HTTP_ADDRESS": &cfg.HTTP.Address,
		"LOG_LEVEL":    &cfg.Log.Level,
		"STORE_DRIVER": &cfg.Store.Driver,
		"STORE_PATH":   &cfg.Store.Path,
		"STORE_DSN":    &cfg.Store.DSN,
		"JWT_SECRET":   &cfg.Auth.Secret,
		"KAFKA_TOPIC":  &cfg.Kafka.Topic,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SERVER_PORT":       &cfg.Server.Port,
		"WORKERS":           &cfg.Server.Workers,
		"KAFKA_BUFFER":      &cfg.Kafka.Buffer,
		"COMPLETED_HISTORY": &cfg.History.Completed,
		"QUOTE_HISTORY":     &cfg.History.Quotes,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalidConfig, envPrefix, key, v)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(envPrefix + "LOG_PRETTY"); ok {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sLOG_PRETTY=%q", ErrInvalidConfig, envPrefix, v)
		}
		cfg.Log.Pretty = pretty
	}
	if v, ok := os.LookupEnv(envPrefix + "TOKEN_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sTOKEN_TTL=%q", ErrInvalidConfig, envPrefix, v)
		}
		cfg.Auth.TokenTTL = ttl
	}
	if v, ok := os.LookupEnv(envPrefix + "KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "HTTP_ALLOWED_ORIGINS"); ok {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (cfg Config) Validate() error {
	var problems []string
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server port %d out of range", cfg.Server.Port))
	}
	if cfg.Server.Workers < 1 {
		problems = append(problems, "workers must be at least 1")
	}
	if cfg.Auth.Secret == "" {
		problems = append(problems, "jwt secret is required (set "+envPrefix+"JWT_SECRET)")
	}
	if cfg.Auth.TokenTTL <= 0 {
		problems = append(problems, "token ttl must be positive")
	}
	if cfg.History.Completed < 1 || cfg.History.Quotes < 1 {
		problems = append(problems, "history sizes must be at least 1")
	}
	switch cfg.Store.Driver {
	case "memory", "":
	case "pebble":
		if cfg.Store.Path == "" {
			problems = append(problems, "pebble store needs a path")
		}
	case "mysql":
		if cfg.Store.DSN == "" {
			problems = append(problems, "mysql store needs a dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", cfg.Store.Driver))
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		problems = append(problems, "kafka topic is required when brokers are set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
