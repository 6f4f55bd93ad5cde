package syncengine

// AdaptiveState is the loop-mode window controller's per-(repo, job_type)
// working set (C8). A driver loop threads the same State across
// successive RunOnce calls, shrinking or growing the window and
// demoting diff_mode based on each batch's Outcome.
type AdaptiveState struct {
	ForwardWindowSeconds   int
	BatchSize              int
	DiffMode               string
	consecutiveRateLimited int
}

type ControllerConfig struct {
	MinForwardWindowSeconds   int
	MaxForwardWindowSeconds   int
	ShrinkFactor              float64
	GrowFactor                float64
	AdaptiveCommitThreshold   int
	DemoteAfterConsecutive429 int
	InitialBatchSize          int
}

func NewAdaptiveState(initialForwardWindowSeconds, initialBatchSize int, diffMode string) AdaptiveState {
	return AdaptiveState{
		ForwardWindowSeconds: initialForwardWindowSeconds,
		BatchSize:            initialBatchSize,
		DiffMode:             diffMode,
	}
}

// Advance applies one round of the §4.7 adaptive controller rules to
// the state, returning the state the next RunOnce call should use.
func (s AdaptiveState) Advance(outcome Outcome, cfg ControllerConfig) AdaptiveState {
	next := s

	if outcome.RateLimited {
		next.consecutiveRateLimited++
		next.ForwardWindowSeconds = maxInt(cfg.MinForwardWindowSeconds, int(float64(s.ForwardWindowSeconds)*cfg.ShrinkFactor))
		next.BatchSize = maxInt(1, int(float64(s.BatchSize)*cfg.ShrinkFactor))

		if next.consecutiveRateLimited >= cfg.DemoteAfterConsecutive429 {
			next.DiffMode = demote(next.DiffMode)
			next.consecutiveRateLimited = 0
		}
		return next
	}

	next.consecutiveRateLimited = 0
	if outcome.CleanCommitCount >= cfg.AdaptiveCommitThreshold {
		next.ForwardWindowSeconds = minInt(cfg.MaxForwardWindowSeconds, int(float64(s.ForwardWindowSeconds)*cfg.GrowFactor))
	}
	return next
}

func demote(mode string) string {
	switch mode {
	case "always":
		return "best_effort"
	case "best_effort":
		return "none"
	default:
		return mode
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
