package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Station struct {
		ID     string `yaml:"id"`
		UserID string `yaml:"userId"`
	} `yaml:"station"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Broker struct {
		CommandTopic   string `yaml:"commandTopic"`
		ControlTopic   string `yaml:"controlTopic"`
		Heartbeat      string `yaml:"heartbeat"`
		ConnectTimeout string `yaml:"connectTimeout"`
		WillDelay      string `yaml:"willDelay"`
		ReconnectMax   string `yaml:"reconnectMax"`
	} `yaml:"broker"`
	Election struct {
		TTL        string `yaml:"ttl"`
		RenewEvery string `yaml:"renewEvery"`
		PollEvery  string `yaml:"pollEvery"`
	} `yaml:"election"`
	Services struct {
		DirectoryURL    string `yaml:"directoryUrl"`
		QuestionBankURL string `yaml:"questionBankUrl"`
		SheetsURL       string `yaml:"sheetsUrl"`
		UploadURL       string `yaml:"uploadUrl"`
	} `yaml:"services"`
	UI struct {
		Port string `yaml:"port"`
	} `yaml:"ui"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or
// malformed.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
