package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Database struct {
	// Type selects the backend, either "mysql" or "sqlite".
	Type string `yaml:"Type"`
	// DSN is the MySQL DSN, or the database file path for sqlite.
	DSN string `yaml:"DSN"`
}

type SMTP struct {
	Listen          string `yaml:"Listen"`
	Hostname        string `yaml:"Hostname"`
	MaxMessageBytes int64  `yaml:"MaxMessageBytes"`
}

type IMAP struct {
	Listen string `yaml:"Listen"`
}

type API struct {
	Listen string `yaml:"Listen"`
}

type ObjectStorage struct {
	Enabled   bool   `yaml:"Enabled"`
	Endpoint  string `yaml:"Endpoint"`
	AccessKey string `yaml:"AccessKey"`
	SecretKey string `yaml:"SecretKey"`
	Bucket    string `yaml:"Bucket"`
	Region    string `yaml:"Region"`
}

type Config struct {
	Database      Database      `yaml:"Database"`
	SMTP          SMTP          `yaml:"SMTP"`
	IMAP          IMAP          `yaml:"IMAP"`
	API           API           `yaml:"API"`
	ObjectStorage ObjectStorage `yaml:"ObjectStorage"`
	LogFile       string        `yaml:"LogFile"`
}

func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, err
	}
	conf.applyDefaults()

	if conf.Database.Type != "mysql" && conf.Database.Type != "sqlite" {
		return nil, fmt.Errorf("unsupported database type: %s", conf.Database.Type)
	}

	return &conf, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Type == "" {
		c.Database.Type = "mysql"
	}
	if c.SMTP.Listen == "" {
		c.SMTP.Listen = ":25"
	}
	if c.SMTP.Hostname == "" {
		c.SMTP.Hostname = "localhost"
	}
	if c.SMTP.MaxMessageBytes == 0 {
		c.SMTP.MaxMessageBytes = 25 * 1024 * 1024
	}
	if c.IMAP.Listen == "" {
		c.IMAP.Listen = ":143"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}
