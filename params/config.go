package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Consensus struct {
	// ValidatorCount is n = 3f+1.
	ValidatorCount int
	// BaseTimeout seeds the pacemaker's exponential backoff.
	BaseTimeout time.Duration
	// MaxTimeout caps the backoff.
	MaxTimeout time.Duration
}

type Sync struct {
	MaxBlocksPerRequest   uint64
	RequestTimeout        time.Duration
	SyncCheckInterval     time.Duration
	MaxConcurrentRequests int
}

type Checkpoint struct {
	Interval       uint64
	MaxCheckpoints int
	Auto           bool
}

type Config struct {
	Consensus  Consensus
	Sync       Sync
	Checkpoint Checkpoint
	// DataDir is where the Pebble store lives.
	DataDir string
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			ValidatorCount: 4,
			BaseTimeout:    2 * time.Second,
			MaxTimeout:     60 * time.Second,
		},
		Sync: Sync{
			MaxBlocksPerRequest:   100,
			RequestTimeout:        10 * time.Second,
			SyncCheckInterval:     5 * time.Second,
			MaxConcurrentRequests: 3,
		},
		Checkpoint: Checkpoint{
			Interval:       100,
			MaxCheckpoints: 10,
			Auto:           true,
		},
		DataDir: "data",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("CONSENSUS_VALIDATORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 4 {
			cfg.Consensus.ValidatorCount = n
		}
	}
	if v := os.Getenv("CONSENSUS_BASE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.BaseTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_MAX_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.MaxTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SYNC_MAX_BLOCKS_PER_REQUEST"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.Sync.MaxBlocksPerRequest = n
		}
	}
	if v := os.Getenv("SYNC_REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Sync.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.Checkpoint.Interval = n
		}
	}
	if v := os.Getenv("CHECKPOINT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Checkpoint.MaxCheckpoints = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	return cfg
}
