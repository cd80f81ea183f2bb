package scan

import (
	"math"
	"time"

	"github.com/L1nMay/scanconsole/internal/model"
)

// SyntheticCeiling is the value synthetic progress approaches without reaching.
const SyntheticCeiling = 95.0

// maxSynthetic is the largest float64 below SyntheticCeiling.
var maxSynthetic = math.Nextafter(SyntheticCeiling, 0)

// DurationFor returns the expected backend runtime for a scan type. These are
// tuned to observed backend latency, not guarantees.
func DurationFor(t model.ScanType) time.Duration {
	switch t {
	case model.ScanLight:
		return 45 * time.Second
	case model.ScanMedium:
		return 180 * time.Second
	case model.ScanDeep:
		return 600 * time.Second
	}
	return 180 * time.Second
}

// EstimateProgress maps elapsed time to a synthetic percentage in [0, 95).
func EstimateProgress(t model.ScanType, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	p := elapsed.Seconds() / DurationFor(t).Seconds() * SyntheticCeiling
	if p > maxSynthetic {
		return maxSynthetic
	}
	return p
}

// ResumeProgress recomputes synthetic progress for a view that attaches to an
// already running ticker: the stored value never loses to the time estimate.
func ResumeProgress(gp model.GlobalProgress, now time.Time) float64 {
	est := EstimateProgress(gp.ScanType, now.Sub(gp.StartTime))
	stored := math.Min(gp.CurrentProgress, maxSynthetic)
	return math.Max(stored, est)
}
