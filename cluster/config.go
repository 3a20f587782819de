// Package cluster provides the data-parallel worker topology and the scalar
// collective used by training: every worker contributes a partial statistic
// and all workers leave with the identical global sum.
package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/YTianZHU/unilm/envconfig"
)

// WorkerConfig describes one worker's place in the data-parallel world.
type WorkerConfig struct {
	// Rank is this worker's index in [0, WorldSize). Rank 0 coordinates
	// scalar collectives.
	Rank int `json:"rank"`

	// WorldSize is the total number of cooperating workers.
	WorldSize int `json:"world_size"`

	// CoordinatorAddr is the host:port rank 0 listens on and the other
	// ranks dial.
	CoordinatorAddr string `json:"coordinator_addr"`

	// CommTimeout bounds every collective operation. Exceeding it is fatal
	// for the whole run.
	CommTimeout time.Duration `json:"comm_timeout"`
}

// DefaultWorkerConfig returns a single-process configuration.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Rank:            0,
		WorldSize:       1,
		CoordinatorAddr: "127.0.0.1:29500",
		CommTimeout:     envconfig.CommTimeout,
	}
}

// LoadWorkerConfig reads a JSON worker configuration, falling back to the
// defaults when the file does not exist.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	config := DefaultWorkerConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading worker config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing worker config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("worker config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the internal consistency of the configuration.
func (c *WorkerConfig) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be at least 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	if c.WorldSize > 1 && c.CoordinatorAddr == "" {
		return fmt.Errorf("coordinator address required for world size %d", c.WorldSize)
	}
	if c.CommTimeout <= 0 {
		return fmt.Errorf("comm timeout must be positive, got %v", c.CommTimeout)
	}
	return nil
}
