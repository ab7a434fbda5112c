package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	DurabilityStrict  = "strict"
	DurabilityDefault = "default"
	DurabilityRelaxed = "relaxed"

	PurgePolicyDeferred = "deferred"
	PurgePolicyManual   = "manual"
)

type Config struct {
	BlockSize            int64
	CompressionThreshold int
	DataPath             string
	Debug                bool
	Durability           string
	InMemory             bool
	PurgeAtLeast         int
	PurgePolicy          string
	VFSName              string
}

func env(key string, defaultValue string) string {
	if os.Getenv(key) != "" {
		return os.Getenv(key)
	}

	return defaultValue
}

func envInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))

	if err != nil {
		return defaultValue
	}

	return value
}

func NewConfig() *Config {
	return &Config{
		BlockSize:            int64(envInt("BLOCKFS_BLOCK_SIZE", 4096)),
		CompressionThreshold: envInt("BLOCKFS_COMPRESSION_THRESHOLD", 0),
		DataPath:             env("BLOCKFS_DATA_PATH", "./data"),
		Debug:                env("BLOCKFS_DEBUG", "false") == "true",
		Durability:           env("BLOCKFS_DURABILITY", DurabilityDefault),
		InMemory:             env("BLOCKFS_IN_MEMORY", "false") == "true",
		PurgeAtLeast:         envInt("BLOCKFS_PURGE_AT_LEAST", 16),
		PurgePolicy:          env("BLOCKFS_PURGE_POLICY", PurgePolicyDeferred),
		VFSName:              env("BLOCKFS_VFS_NAME", "blockfs"),
	}
}

// LoadEnv loads a .env file when one is present. Missing files are not an
// error so binaries can run from a bare environment.
func LoadEnv() {
	godotenv.Load()
}
