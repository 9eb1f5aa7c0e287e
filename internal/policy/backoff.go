package policy

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// BackoffConfig configures retry delay growth for a single task.
type BackoffConfig struct {
	Kind           string // "constant" | "exponential"
	InitialDelayMS int
	MaxDelayMS     int
}

// DelayForAttempt computes the delay before the given attempt (1-indexed:
// the first retry is attempt=1), applying deterministic jitter in [0.5,1.5)
// derived from jitterSeed so retries are reproducible across test runs
// without a shared rand source.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	var baseMS float64
	switch cfg.Kind {
	case "exponential":
		baseMS = float64(cfg.InitialDelayMS) * math.Pow(2, float64(attempt-1))
	default: // "constant"
		baseMS = float64(cfg.InitialDelayMS)
	}
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	m := 0.5 + jitterUnit(jitterSeed)
	baseMS *= m
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// jitterUnit derives a value in [0,1) from seed using blake3, the same
// "hash the seed instead of calling rand" trick used for jittered backoff.
func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}

// JitterSeed derives the seed used for a given task attempt, deterministic
// per (run, task, attempt) so replaying a run with the same trace produces
// identical delays.
func JitterSeed(runID, taskID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, taskID, attempt)
}
