// Package risk implements the in-memory abuse monitors: transaction
// scoring, account/login scoring, and virtual-item activity scoring.
//
// Each monitor accumulates bounded per-key history under a single coarse
// lock and returns a risk assessment on every recorded event. Scores are
// additive across independent signals and clamped to [0, 100]; the caller
// acts on the returned action, there is no side-channel verdict.
package risk

// Action is a monitor's verdict on a recorded event.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionMonitor Action = "monitor"
	ActionReview  Action = "review"
	ActionBlock   Action = "block"
)

// Score boundaries for actions and the suspicious flag.
const (
	blockScore      = 70
	suspiciousScore = 40
	monitorScore    = 20
)

// defaultMaxTrackedKeys caps how many per-key profiles a monitor retains.
// When the cap is exceeded the profile with the oldest activity is evicted.
const defaultMaxTrackedKeys = 100000

// actionForScore maps a clamped risk score to an action.
func actionForScore(score int) Action {
	switch {
	case score >= blockScore:
		return ActionBlock
	case score >= suspiciousScore:
		return ActionReview
	case score >= monitorScore:
		return ActionMonitor
	default:
		return ActionAllow
	}
}

// clampScore bounds a raw additive score to [0, 100].
func clampScore(score int) int {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}
