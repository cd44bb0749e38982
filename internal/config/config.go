// Package config defines the service-level environment configuration,
// following the env-tag struct convention already present (unwired) in the
// teacher repository's own nzbstreamer config.
package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Config is the deployment-level configuration loaded from the
// environment. The engine's own filesystem configuration file (§6) and
// Type.defaults stay engine-owned and are read separately.
type Config struct {
	ListenAddr    string `env:"FILECACHED_LISTEN_ADDR, default=:8080"`
	MetricsAddr   string `env:"FILECACHED_METRICS_ADDR, default=:9090"`
	DebugAddr     string `env:"FILECACHED_DEBUG_ADDR, default=:6060"`
	DebugEnabled  bool   `env:"FILECACHED_DEBUG_ENABLED, default=false"`
	LogLevel      string `env:"FILECACHED_LOG_LEVEL, default=info"`

	BaseDir         string `env:"FILECACHED_BASE_DIR, default=/var/lib/filecached"`
	TotalCacheSpace int64  `env:"FILECACHED_TOTAL_CACHE_SPACE, default=1073741824"`
	ConfigPath      string `env:"FILECACHED_CONFIG_PATH, default=/etc/filecached/cache.conf"`

	ShutdownTimeoutSeconds int `env:"FILECACHED_SHUTDOWN_TIMEOUT_SECONDS, default=30"`
}

// Load reads Config from the process environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
