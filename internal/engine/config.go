package engine

import (
	"gopkg.in/ini.v1"
)

// Config controls one Engine instance: where its table files and log
// live and how many frames its buffer pool holds.
type Config struct {
	Raw *ini.File

	DataDir        string
	LogPath        string
	RecoveryTrace  string
	BufferFrames   int
}

// DefaultConfig returns sane defaults for programmatic construction
// (tests, and init_db's direct API) without touching an ini file.
func DefaultConfig() *Config {
	return &Config{
		Raw:           ini.Empty(),
		DataDir:       "data",
		LogPath:       "data/db.log",
		RecoveryTrace: "data/recovery.log",
		BufferFrames:  64,
	}
}

// LoadConfig reads an optional [engine] section from an ini file,
// falling back to DefaultConfig's values for anything unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Raw = raw

	section := raw.Section("engine")
	cfg.DataDir = valueOrDefault(section, "data_dir", cfg.DataDir)
	cfg.LogPath = valueOrDefault(section, "log_path", cfg.LogPath)
	cfg.RecoveryTrace = valueOrDefault(section, "recovery_trace", cfg.RecoveryTrace)
	cfg.BufferFrames = section.Key("buffer_frames").MustInt(cfg.BufferFrames)

	return cfg, nil
}

func valueOrDefault(section *ini.Section, key, def string) string {
	if !section.HasKey(key) {
		return def
	}
	return section.Key(key).MustString(def)
}
