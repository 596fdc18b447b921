// Package config layers defaults, an optional YAML file and FEATUREPIPE_*
// environment variables. Command-line flags are applied on top by cmd.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Producer settings.
type Producer struct {
	Bind     string        `yaml:"bind"`
	Interval time.Duration `yaml:"interval"`
}

// Extractor settings.
type Extractor struct {
	In          string `yaml:"in"`
	Bind        string `yaml:"bind"`
	DetectorCmd string `yaml:"detector_cmd"`
	MaxFeatures int    `yaml:"max_features"`
}

// Persister settings.
type Persister struct {
	In               string `yaml:"in"`
	DB               string `yaml:"db"`
	ArchiveKeypoints bool   `yaml:"archive_keypoints"`
}

// Bus settings shared by every stage.
type Bus struct {
	HighWaterMark int    `yaml:"hwm"`
	DropPolicy    string `yaml:"drop_policy"`
}

// Config is the full configuration of all stages.
type Config struct {
	Producer   Producer  `yaml:"producer"`
	Extractor  Extractor `yaml:"extractor"`
	Persister  Persister `yaml:"persister"`
	Bus        Bus       `yaml:"bus"`
	LogLevel   string    `yaml:"log_level"`
	StatusAddr string    `yaml:"status_addr"`
}

// Defaults returns the standard local deployment: frames on 5555, features on 5556.
func Defaults() Config {
	return Config{
		Producer: Producer{
			Bind:     "tcp://*:5555",
			Interval: 100 * time.Millisecond,
		},
		Extractor: Extractor{
			In:   "tcp://localhost:5555",
			Bind: "tcp://*:5556",
		},
		Persister: Persister{
			In: "tcp://localhost:5556",
			DB: "featurepipe.db",
		},
		Bus: Bus{
			HighWaterMark: 10,
			DropPolicy:    "drop-newest",
		},
		LogLevel: "info",
	}
}

// Load returns the defaults overlaid with path (if non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values no stage can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Bus.HighWaterMark <= 0 {
		errs = append(errs, fmt.Errorf("bus.hwm must be positive, got %d", c.Bus.HighWaterMark))
	}
	if c.Producer.Interval < 0 {
		errs = append(errs, fmt.Errorf("producer.interval must not be negative, got %s", c.Producer.Interval))
	}
	if c.Extractor.MaxFeatures < 0 {
		errs = append(errs, fmt.Errorf("extractor.max_features must not be negative, got %d", c.Extractor.MaxFeatures))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("FEATUREPIPE_PRODUCER_BIND", &cfg.Producer.Bind)
	str("FEATUREPIPE_EXTRACTOR_IN", &cfg.Extractor.In)
	str("FEATUREPIPE_EXTRACTOR_BIND", &cfg.Extractor.Bind)
	str("FEATUREPIPE_DETECTOR_CMD", &cfg.Extractor.DetectorCmd)
	str("FEATUREPIPE_PERSISTER_IN", &cfg.Persister.In)
	str("FEATUREPIPE_DROP_POLICY", &cfg.Bus.DropPolicy)
	str("FEATUREPIPE_LOG_LEVEL", &cfg.LogLevel)
	str("FEATUREPIPE_STATUS_ADDR", &cfg.StatusAddr)

	if v, ok := lookup("FEATUREPIPE_DB"); ok && v != "" {
		cfg.Persister.DB = v
	} else if dsn := postgresFromEnv(lookup); dsn != "" {
		cfg.Persister.DB = dsn
	}

	if v, ok := lookup("FEATUREPIPE_HWM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEATUREPIPE_HWM: %w", err)
		}
		cfg.Bus.HighWaterMark = n
	}
	if v, ok := lookup("FEATUREPIPE_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FEATUREPIPE_INTERVAL: %w", err)
		}
		cfg.Producer.Interval = d
	}
	return nil
}

// postgresFromEnv builds a connection string from the POSTGRES_* variables
// when POSTGRES_HOST is set.
func postgresFromEnv(lookup lookupFunc) string {
	host, _ := lookup("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	get := func(k string) string {
		v, _ := lookup(k)
		return v
	}
	port := get("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", get("POSTGRES_USER"), get("POSTGRES_PASSWORD"), host, port, get("POSTGRES_DB"))
}
