// Package config loads the service configuration from a toml file, falling
// back to defaults when no file is present.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server ServerConfig `toml:"server"`
	Ingest IngestConfig `toml:"ingest"`
	Store  StoreConfig  `toml:"store"`
}

type ServerConfig struct {
	// Listen address for the websocket and document endpoints
	Addr string `toml:"addr"`

	// Bearer token connections must present; empty disables the gate
	Token string `toml:"token"`

	// Outbound event queue length per connection; a member whose queue
	// fills is dropped rather than stalling the room
	SendQueue int `toml:"send_queue"`

	// Websocket keepalive
	PongWait  time.Duration `toml:"pong_wait"`
	WriteWait time.Duration `toml:"write_wait"`
}

type IngestConfig struct {
	// Directory the transcription worker drops fragment files into
	SpoolDir string `toml:"spool_dir"`

	// Number of fragment-processing workers
	Workers int `toml:"workers"`

	// Pending fragment queue length
	QueueSize int `toml:"queue_size"`
}

type StoreConfig struct {
	// Base URL of the external document service; empty selects the
	// in-memory store
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`

	Timeout time.Duration `toml:"timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8454",
			SendQueue: 256,
			PongWait:  60 * time.Second,
			WriteWait: 10 * time.Second,
		},
		Ingest: IngestConfig{
			SpoolDir:  "transcripts",
			Workers:   2,
			QueueSize: 100,
		},
		Store: StoreConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads the config file at path over the defaults. A missing file is
// not an error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, fmt.Errorf("stat config file %s: %w", path, err)
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 2
	}
	if cfg.Server.SendQueue <= 0 {
		cfg.Server.SendQueue = 256
	}
	return cfg, nil
}
