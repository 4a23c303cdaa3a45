// Package config loads the server configuration from a YAML file, a .env file
// and GOPOST_* environment variables, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Address string   `yaml:"address"`
	Port    int      `yaml:"port"`
	Boards  []string `yaml:"boards"`

	// Secret signs login tokens
	Secret string `yaml:"secret"`
	// Salt of secure tripcodes
	Salt string `yaml:"salt"`

	Store Store `yaml:"store"`
	Feed  Feed  `yaml:"feed"`
}

type Store struct {
	Driver   string `yaml:"driver"` // sqlite or mongo
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type Feed struct {
	Driver    string `yaml:"driver"` // memory or redis
	RedisAddr string `yaml:"redis_addr"`
}

func Default() Config {
	return Config{
		Address: "127.0.0.1",
		Port:    8000,
		Boards:  []string{"a"},
		Store: Store{
			Driver:   "sqlite",
			DSN:      "gopost.db",
			Database: "gopost",
		},
		Feed: Feed{
			Driver:    "memory",
			RedisAddr: "localhost:6379",
		},
	}
}

// Load reads the configuration file at path, if not empty, over the defaults
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return c, err
	}
	if c.Secret == "" {
		return c, errors.New("no secret configured, set GOPOST_SECRET")
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"GOPOST_ADDRESS":        &c.Address,
		"GOPOST_SECRET":         &c.Secret,
		"GOPOST_SALT":           &c.Salt,
		"GOPOST_STORE_DRIVER":   &c.Store.Driver,
		"GOPOST_STORE_DSN":      &c.Store.DSN,
		"GOPOST_STORE_DATABASE": &c.Store.Database,
		"GOPOST_FEED_DRIVER":    &c.Feed.Driver,
		"GOPOST_REDIS_ADDR":     &c.Feed.RedisAddr,
	}
	for k, p := range str {
		if v, ok := os.LookupEnv(k); ok {
			*p = v
		}
	}

	if v, ok := os.LookupEnv("GOPOST_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GOPOST_PORT: %w", err)
		}
		c.Port = port
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

func (c Config) IsBoard(b string) bool {
	for _, s := range c.Boards {
		if s == b {
			return true
		}
	}
	return false
}
