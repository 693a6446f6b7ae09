package rewards

import (
	"fmt"

	"codekudos/models"
)

// allowedTransitions is the single source of truth for the reward lifecycle.
// Both the engine and any rendering/validation code consult this table so the
// notion of a legal status cannot drift between layers.
var allowedTransitions = map[models.RewardStatus][]models.RewardStatus{
	models.StatusPending:         {models.StatusManagerApproved},
	models.StatusManagerApproved: {models.StatusFullyApproved},
	models.StatusFullyApproved:   {models.StatusDistributed},
	models.StatusDistributed:     {},
}

// statusRank orders the lifecycle for monotonicity checks.
var statusRank = map[models.RewardStatus]int{
	models.StatusPending:         0,
	models.StatusManagerApproved: 1,
	models.StatusFullyApproved:   2,
	models.StatusDistributed:     3,
}

// KnownStatus reports whether the supplied value names a lifecycle state.
func KnownStatus(status models.RewardStatus) bool {
	_, ok := statusRank[status]
	return ok
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next models.RewardStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}

// Monotonic reports whether observing prev then curr respects the one-way
// lifecycle ordering.
func Monotonic(prev, curr models.RewardStatus) bool {
	prevRank, ok := statusRank[prev]
	if !ok {
		return false
	}
	currRank, ok := statusRank[curr]
	if !ok {
		return false
	}
	return currRank >= prevRank
}
