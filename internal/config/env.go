package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envSetters maps TALEKIT_* variables onto config fields. An explicit
// table instead of reflection, so the supported variables are greppable.
var envSetters = map[string]func(*Config, string) error{
	"TALEKIT_SERVER_MODE": func(c *Config, v string) error {
		c.Server.Mode = v
		return nil
	},
	"TALEKIT_SERVER_HOST": func(c *Config, v string) error {
		c.Server.Host = v
		return nil
	},
	"TALEKIT_SERVER_PORT": func(c *Config, v string) error {
		return setInt(&c.Server.Port, v)
	},
	"TALEKIT_POOL_WORKERS": func(c *Config, v string) error {
		return setInt(&c.Pool.Workers, v)
	},
	"TALEKIT_POOL_QUEUE": func(c *Config, v string) error {
		return setInt(&c.Pool.Queue, v)
	},
	"TALEKIT_TIMEOUTS_REQUEST": func(c *Config, v string) error {
		return setDuration(&c.Timeouts.Request, v)
	},
	"TALEKIT_TIMEOUTS_SHUTDOWN": func(c *Config, v string) error {
		return setDuration(&c.Timeouts.Shutdown, v)
	},
	"TALEKIT_TIMEOUTS_LAUNCH": func(c *Config, v string) error {
		return setDuration(&c.Timeouts.Launch, v)
	},
	"TALEKIT_LOG_LEVEL": func(c *Config, v string) error {
		c.Log.Level = v
		return nil
	},
	"TALEKIT_LOG_FILE": func(c *Config, v string) error {
		c.Log.File = v
		return nil
	},
	"TALEKIT_LOG_MAX_SIZE_MB": func(c *Config, v string) error {
		return setInt(&c.Log.MaxSizeMB, v)
	},
	"TALEKIT_LOG_MAX_BACKUPS": func(c *Config, v string) error {
		return setInt(&c.Log.MaxBackups, v)
	},
	"TALEKIT_LOG_MAX_AGE_DAYS": func(c *Config, v string) error {
		return setInt(&c.Log.MaxAgeDays, v)
	},
	"TALEKIT_DEBUG_RUNNER": func(c *Config, v string) error {
		c.Debug.Runner = v
		return nil
	},
	"TALEKIT_DEBUG_RUNNER_ARGS": func(c *Config, v string) error {
		c.Debug.RunnerArgs = splitArgs(v)
		return nil
	},
	"TALEKIT_DEBUG_ATTACH_TIMEOUT": func(c *Config, v string) error {
		return setDuration(&c.Debug.AttachTimeout, v)
	},
	"TALEKIT_DIAGNOSTICS_PUBLISH_PER_SECOND": func(c *Config, v string) error {
		return setFloat(&c.Diagnostics.PublishPerSecond, v)
	},
	"TALEKIT_DIAGNOSTICS_BURST": func(c *Config, v string) error {
		return setInt(&c.Diagnostics.Burst, v)
	},
}

// ApplyEnv overlays TALEKIT_* environment variables onto the config.
// Variables that fail to parse are skipped so a stray value cannot keep
// the server from starting.
func (c *Config) ApplyEnv() {
	c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for name, set := range envSetters {
		if v, ok := lookup(name); ok {
			_ = set(c, v)
		}
	}
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}

// splitArgs splits a whitespace-separated argument string.
func splitArgs(v string) []string {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
