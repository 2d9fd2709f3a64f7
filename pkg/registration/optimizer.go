package registration

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"mrisymreg/pkg/geometry"
)

// Objective returns the cost of a candidate pose.
type Objective func(p geometry.Pose) (float64, error)

// GridSearch is a coordinate-wise fixed-step local search over the six
// rigid-body parameters. Each outer iteration sweeps every parameter in index
// order from best-Interval upwards with its StepSize while the other five stay
// at their current best values. A sweep ends once a sample passes
// best+Interval, where best is re-read after every improvement, so a sweep
// keeps walking while the minimum moves ahead of it.
type GridSearch struct {
	// MaxIterations bounds the number of outer iterations
	MaxIterations int

	// Tolerance is the relative cost improvement at or below which the search stops
	Tolerance float64

	// StepSizes holds the sampling step per parameter (degrees, then mm)
	StepSizes [geometry.NumParams]float64

	// Intervals holds the half-width of the swept range per parameter
	Intervals [geometry.NumParams]float64

	Logger logrus.FieldLogger
}

// SearchResult is the outcome of a GridSearch run.
type SearchResult struct {
	Pose        geometry.Pose
	Cost        float64
	InitialCost float64
	Iterations  int
	Evaluations int
}

// DefaultGridSearch returns the search settings used for T1 to T1 registration.
func DefaultGridSearch() GridSearch {
	return GridSearch{
		MaxIterations: 20,
		Tolerance:     1e-7,
		StepSizes:     [geometry.NumParams]float64{0.25, 0.25, 0.25, 0.1, 0.1, 0.1},
		Intervals:     [geometry.NumParams]float64{1, 1, 1, 1, 1, 1},
	}
}

func (g *GridSearch) validate() error {
	if g.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", g.MaxIterations)
	}
	for i := 0; i < geometry.NumParams; i++ {
		if !(g.StepSizes[i] > 0) {
			return fmt.Errorf("step size %d must be positive, got %g", i, g.StepSizes[i])
		}
		if g.Intervals[i] < 0 {
			return fmt.Errorf("interval %d must be non-negative, got %g", i, g.Intervals[i])
		}
	}
	return nil
}

// Minimize runs the search starting from the zero pose. A candidate replaces
// the current best only when its cost is strictly lower, so ties keep the
// value that was evaluated first.
func (g *GridSearch) Minimize(f Objective) (SearchResult, error) {
	if err := g.validate(); err != nil {
		return SearchResult{}, err
	}
	log := g.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var best [geometry.NumParams]float64
	minCost, err := f(geometry.Pose{})
	if err != nil {
		return SearchResult{}, fmt.Errorf("failed to evaluate initial cost: %w", err)
	}
	res := SearchResult{InitialCost: minCost, Evaluations: 1}
	oldMinCost := minCost

	log.WithFields(logrus.Fields{
		"tolerance":   g.Tolerance,
		"initialCost": minCost,
	}).Debug("Starting grid search")

	for iter := 1; iter <= g.MaxIterations; iter++ {
		res.Iterations = iter
		log.WithField("iteration", iter).Debug("Grid search iteration")

		for i := 0; i < geometry.NumParams; i++ {
			step := g.StepSizes[i]
			start := best[i] - g.Intervals[i]
			p := best
			for s := 0; ; s++ {
				p[i] = start + float64(s)*step
				// the upper bound follows the best value found so far
				if p[i] > best[i]+g.Intervals[i]+1e-9*step {
					break
				}

				cost, err := f(geometry.PoseFromParams(p))
				if err != nil {
					return SearchResult{}, fmt.Errorf("iteration %d, parameter %d: %w", iter, i, err)
				}
				res.Evaluations++

				if cost < minCost {
					best[i] = p[i]
					minCost = cost
				}
			}

			log.WithField("pose", geometry.PoseFromParams(best).String()).Debug("Parameter sweep done")
		}

		relChange := 0.0
		if oldMinCost != 0 {
			relChange = (oldMinCost - minCost) / math.Abs(oldMinCost)
		}

		log.WithFields(logrus.Fields{
			"cost":           minCost,
			"relativeChange": relChange,
		}).Debug("Iteration done")

		if oldMinCost == 0 || relChange <= g.Tolerance {
			break
		}
		oldMinCost = minCost
	}

	res.Pose = geometry.PoseFromParams(best)
	res.Cost = minCost
	return res, nil
}
