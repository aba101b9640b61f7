package dispatch

import (
	"os"
	"strconv"
)

// Environment variables read once at configuration time. The engine never
// reads the environment after construction.
const (
	// EnvPoolSize sets the default local pool size.
	EnvPoolSize = "SISYPHUS_POOL_SIZE"

	// EnvRemoteInfo holds the default remote-profile value: inline JSON
	// (a single profile or a keyed table) or a path to a file with it.
	EnvRemoteInfo = "SISYPHUS_REMOTE_INFO"
)

// Config is the process-wide engine configuration, constructed once at
// startup and threaded through the dispatcher and both backends.
type Config struct {
	// PoolSize is the default number of local workers when a dispatch
	// call does not name its own. Zero runs chunks serially.
	PoolSize int

	// RemoteInfo is the default remote-profile value consulted when a
	// dispatch call passes none: inline JSON or a file path.
	RemoteInfo string
}

// DefaultConfig returns a configuration that runs everything serially and
// locally.
func DefaultConfig() Config {
	return Config{}
}

// FromEnv builds the configuration from the environment. This is the single
// point at which the engine touches environment variables.
func FromEnv() Config {
	cfg := DefaultConfig()
	if raw, ok := os.LookupEnv(EnvPoolSize); ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.PoolSize = n
		}
	}
	cfg.RemoteInfo = os.Getenv(EnvRemoteInfo)
	return cfg
}
