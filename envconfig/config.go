package envconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// Set via LATENTD_DEBUG in the environment
	Debug bool
	// Set via LATENTD_OUTPUT in the environment
	OutputDir string
	// Set via LATENTD_COMM_TIMEOUT in the environment
	CommTimeout time.Duration
	// Set via LATENTD_CHECKPOINT_KEEP in the environment
	CheckpointKeep int
	// Set via LATENTD_NOPRUNE in the environment
	NoPrune bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LATENTD_DEBUG":           {"LATENTD_DEBUG", Debug, "Show additional debug information (e.g. LATENTD_DEBUG=1)"},
		"LATENTD_OUTPUT":          {"LATENTD_OUTPUT", OutputDir, "The directory where checkpoints and the latest pointer are written (default \"results\")"},
		"LATENTD_COMM_TIMEOUT":    {"LATENTD_COMM_TIMEOUT", CommTimeout, "Deadline for cross-worker collective operations (default \"2h\")"},
		"LATENTD_CHECKPOINT_KEEP": {"LATENTD_CHECKPOINT_KEEP", CheckpointKeep, "Number of checkpoint directories to retain (default 0 = all)"},
		"LATENTD_NOPRUNE":         {"LATENTD_NOPRUNE", NoPrune, "Do not prune stale checkpoint staging directories on startup"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	OutputDir = "results"
	CommTimeout = 2 * time.Hour

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("LATENTD_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if dir := clean("LATENTD_OUTPUT"); dir != "" {
		OutputDir = dir
	}


	if timeout := clean("LATENTD_COMM_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err == nil && d > 0 {
			CommTimeout = d
		}
	}

	if keep := clean("LATENTD_CHECKPOINT_KEEP"); keep != "" {
		n, err := strconv.Atoi(keep)
		if err == nil && n >= 0 {
			CheckpointKeep = n
		}
	}

	if noprune := clean("LATENTD_NOPRUNE"); noprune != "" {
		NoPrune = true
	}
}
