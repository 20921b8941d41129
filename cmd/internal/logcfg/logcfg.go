package logcfg

import (
	"os"

	logs "github.com/danmuck/smplog"
)

// envConfigPath names a config file that takes precedence over the search paths.
const envConfigPath = "SMPLOG_CONFIG"

// candidates are tried in order after the env override.
var candidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

// Load returns the first readable smplog config and where it came from. The
// source is "defaults" when nothing was found.
func Load() (logs.Config, string) {
	if path := os.Getenv(envConfigPath); path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg, path
		}
	}
	for _, path := range candidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg, path
		}
	}
	return logs.DefaultConfig(), "defaults"
}
