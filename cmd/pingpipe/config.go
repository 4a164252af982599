package main

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config is pingpipe's on-disk configuration, loaded with
// github.com/BurntSushi/toml (the teacher's config format, declared in its
// root go.mod). It exists purely at the demo layer: the pipeline core
// itself never reads a file (spec.md §6's "no CLI, no persisted state...
// at the core level" stays true of the Manager and the four modules).
type Config struct {
	Module  string `toml:"module"` // ack | dynamicack | stream | dynamicstream
	Addr    string `toml:"addr"`
	LogFile string `toml:"log_file"`

	TimeoutMS         int64   `toml:"timeout_ms"`
	MinTimeoutMS      int64   `toml:"min_timeout_ms"`
	MaxTimeoutMS      int64   `toml:"max_timeout_ms"`
	TimeoutMultiplier float64 `toml:"timeout_multiplier"`
	ReceiveBufferSize uint32  `toml:"receive_buffer_size"`
}

// LoadConfig reads and parses a pingpipe TOML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

func msOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
