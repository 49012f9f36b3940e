package storage

import (
	"fmt"
	"path/filepath"

	"chatrelay/internal/config"
)

// New builds and initializes the backend named by cfg.Type: memory, disk,
// sqlite or postgres.
func New(cfg config.StorageConfig) (Storage, error) {
	var s Storage
	switch cfg.Type {
	case "", "memory":
		s = NewMemoryStorage()
	case "disk":
		s = NewDiskStorage(cfg.DataDir, cfg.CacheSize)
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "chatrelay.db")
		}
		s = NewSQLStorage(DriverSQLite, dsn)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w: postgres requires storage.dsn", ErrStorageInit)
		}
		s = NewSQLStorage(DriverPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}

	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}
