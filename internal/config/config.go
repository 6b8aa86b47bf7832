package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SyndicationTarget is one entry the query endpoint advertises under
// "syndicate-to".
type SyndicationTarget struct {
	UID  string `yaml:"uid" json:"uid"`
	Name string `yaml:"name" json:"name"`
}

// Config holds the conformance server settings.
type Config struct {
	BaseURL            string
	Secret             string
	ConfirmTTL         time.Duration
	CodeTTL            time.Duration
	ListenAddr         string
	SyndicationTargets []SyndicationTarget
}

type appConfigFile struct {
	SyndicateTo []SyndicationTarget `yaml:"syndicate-to"`
}

// LoadFromEnv loads config from environment variables, plus syndication
// targets from an optional YAML file named by APP_CONFIG_PATH.
func LoadFromEnv() (Config, error) {
	baseURL := strings.TrimSpace(os.Getenv("BASE_URL"))
	if baseURL == "" {
		return Config{}, fmt.Errorf("BASE_URL is required")
	}

	secret := os.Getenv("STATE_SIGNING_SECRET")
	if secret == "" {
		return Config{}, fmt.Errorf("STATE_SIGNING_SECRET is required")
	}

	cfg := Config{
		BaseURL:            strings.TrimRight(baseURL, "/"),
		Secret:             secret,
		ConfirmTTL:         parseDurationEnv("CONFIRM_TOKEN_TTL", 300*time.Second),
		CodeTTL:            parseDurationEnv("AUTH_CODE_TTL", 60*time.Second),
		ListenAddr:         envOrDefault("LISTEN_ADDR", ":8080"),
		SyndicationTargets: defaultSyndicationTargets(),
	}

	if path := os.Getenv("APP_CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
		var file appConfigFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		if len(file.SyndicateTo) > 0 {
			cfg.SyndicationTargets = file.SyndicateTo
		}
	}

	return cfg, nil
}

func defaultSyndicationTargets() []SyndicationTarget {
	return []SyndicationTarget{
		{UID: "https://news.indieweb.org/en", Name: "IndieNews"},
	}
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
