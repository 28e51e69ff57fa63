package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Driver names accepted by Open.
const (
	DriverBolt   = "bolt"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and tunes a Blobs driver.
// All zero-values are safe: Open fills in defaults under DataDir.
type Config struct {
	Driver  string
	DataDir string

	// Path overrides the default location of the bolt/sqlite file or the
	// file store directory.
	Path string

	BusyTimeout time.Duration // sqlite only

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open returns the driver named by cfg.Driver. An empty driver means bolt.
func Open(ctx context.Context, cfg Config) (Blobs, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverBolt
	}

	path := func(def string) string {
		if cfg.Path != "" {
			return cfg.Path
		}
		return filepath.Join(cfg.DataDir, def)
	}

	switch driver {
	case DriverBolt:
		return OpenBolt(path("convq.db"))
	case DriverFile:
		return OpenFile(path("state"))
	case DriverSQLite:
		return OpenSQLite(path("convq.sqlite"), cfg.BusyTimeout)
	case DriverRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
