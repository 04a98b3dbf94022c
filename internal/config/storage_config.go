package config

type StorageConfig interface {
	GetStorageBackend() string
	GetRedisURL() string
	GetRedisKeyPrefix() string
	GetDatabaseURL() string
}

const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

type Storage struct{}

var _ StorageConfig = Storage{}

// GetStorageBackend is one of StorageMemory, StorageRedis or StoragePostgres. Postgres holds
// grants only; sessions and backchannel requests then live in Redis when REDIS_URL is set.
func (Storage) GetStorageBackend() string {
	return GetEnv("STORAGE_BACKEND", StorageMemory)
}

func (Storage) GetRedisURL() string {
	return GetEnv("REDIS_URL", "redis://localhost:6379/0")
}

func (Storage) GetRedisKeyPrefix() string {
	return GetEnv("REDIS_KEY_PREFIX", "grantsrv:")
}

func (Storage) GetDatabaseURL() string {
	return GetEnv("DATABASE_URL", "")
}
