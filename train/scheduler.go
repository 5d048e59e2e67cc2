package train

import (
	"fmt"
	"math"

	"legalner.dev/lnt/types"
)

// Schedule maps a zero-based optimizer step to a multiplier on the base
// learning rate.
type Schedule func(step int) float64

// NewSchedule builds the warmup-then-decay curve named by kind. All
// variants ramp linearly from 0 over warmupSteps, then diverge:
// linear decays to 0 at totalSteps, cosine follows half a cosine period,
// constant holds at 1, polynomial decays with power 2.
func NewSchedule(kind string, warmupSteps, totalSteps int) (Schedule, error) {
	if totalSteps <= 0 {
		return nil, fmt.Errorf("schedule needs a positive step count, got %d", totalSteps)
	}
	if warmupSteps < 0 || warmupSteps > totalSteps {
		return nil, fmt.Errorf("warmup steps %d out of range for %d total steps", warmupSteps, totalSteps)
	}

	warmup := func(step int) (float64, bool) {
		if step < warmupSteps {
			return float64(step) / float64(warmupSteps), true
		}
		return 0, false
	}
	progress := func(step int) float64 {
		if totalSteps == warmupSteps {
			return 1
		}
		p := float64(step-warmupSteps) / float64(totalSteps-warmupSteps)
		return math.Min(p, 1)
	}

	switch kind {
	case types.SchedulerLinear:
		return func(step int) float64 {
			if mult, in := warmup(step); in {
				return mult
			}
			return 1 - progress(step)
		}, nil
	case types.SchedulerCosine:
		return func(step int) float64 {
			if mult, in := warmup(step); in {
				return mult
			}
			return 0.5 * (1 + math.Cos(math.Pi*progress(step)))
		}, nil
	case types.SchedulerConstant:
		return func(step int) float64 {
			if mult, in := warmup(step); in {
				return mult
			}
			return 1
		}, nil
	case types.SchedulerPolynomial:
		return func(step int) float64 {
			if mult, in := warmup(step); in {
				return mult
			}
			rem := 1 - progress(step)
			return rem * rem
		}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", kind)
	}
}
