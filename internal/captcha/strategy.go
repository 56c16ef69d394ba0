package captcha

import "github.com/JakeFAU/docharvest/internal/crawler"

// SelectStrategy picks the solving strategy for an attempt. The last remaining
// attempt always goes to a human; otherwise the remote service is preferred
// when it is configured.
func SelectStrategy(attemptsRemaining int, remoteConfigured bool) crawler.Strategy {
	if attemptsRemaining <= 1 || !remoteConfigured {
		return crawler.StrategyHuman
	}
	return crawler.StrategyRemoteService
}

// State is a resolver state-machine state.
type State int

// Resolver states. Succeeded and ExhaustedFailed are terminal.
const (
	StateFetching State = iota
	StateSolving
	StateSubmitting
	StateSucceeded
	StateExhaustedFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateSolving:
		return "solving"
	case StateSubmitting:
		return "submitting"
	case StateSucceeded:
		return "succeeded"
	case StateExhaustedFailed:
		return "exhausted"
	default:
		return "unknown"
	}
}
