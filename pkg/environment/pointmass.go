package environment

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/boristopalov/oprrl/pkg/core"
)

const (
	defaultGoalRadius = 0.1
	pointMassSpeed    = 0.1
	arenaBound        = 1.0
	goalBonus         = 10.0
)

// PointMass moves a point in the unit square towards a random goal.
// The observation is (x, y, goalX, goalY) and the action a 2-d velocity.
//
// With terminateOnSuccess the episode ends as soon as the goal is reached
// and success is implied by early termination. Otherwise the episode runs
// on and each step reports info["success"].
type PointMass struct {
	pos, goal          [2]float64
	goalRadius         float64
	terminateOnSuccess bool
	steps              int
	rng                *rand.Rand
}

func NewPointMass(rng *rand.Rand, goalRadius float64, terminateOnSuccess bool) *PointMass {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	env := &PointMass{
		goalRadius:         goalRadius,
		terminateOnSuccess: terminateOnSuccess,
		rng:                rng,
	}
	env.Reset()
	return env
}

func (e *PointMass) Reset() ([]float64, error) {
	for i := 0; i < 2; i++ {
		e.pos[i] = e.rng.Float64()*2*arenaBound - arenaBound
		e.goal[i] = e.rng.Float64()*2*arenaBound - arenaBound
	}
	e.steps = 0
	return e.observation(), nil
}

func (e *PointMass) Step(action []float64) (core.Step, error) {
	if len(action) != 2 {
		return core.Step{}, fmt.Errorf("point mass expects a 2-d action, got %d", len(action))
	}
	for i := 0; i < 2; i++ {
		e.pos[i] = clip(e.pos[i]+clip(action[i], -1, 1)*pointMassSpeed, -arenaBound, arenaBound)
	}
	e.steps++

	dist := e.distance()
	success := dist < e.goalRadius
	reward := -dist
	if success {
		reward += goalBonus
	}
	step := core.Step{
		Observation: e.observation(),
		Reward:      reward,
		Info:        map[string]any{},
	}
	if e.terminateOnSuccess {
		step.Done = success
	} else {
		step.Info["success"] = success
	}
	return step, nil
}

func (e *PointMass) SampleAction() ([]float64, error) {
	return uniformAction(e.rng, 2), nil
}

func (e *PointMass) Render() error {
	log.Printf("point mass step=%d pos=(%.2f, %.2f) goal=(%.2f, %.2f)", e.steps, e.pos[0], e.pos[1], e.goal[0], e.goal[1])
	return nil
}

func (e *PointMass) ObservationDim() int { return 4 }

func (e *PointMass) ActionDim() int { return 2 }

func (e *PointMass) SuccessMode() core.SuccessMode {
	if e.terminateOnSuccess {
		return core.SuccessEarlyTermination
	}
	return core.SuccessInfo
}

func (e *PointMass) distance() float64 {
	return math.Hypot(e.pos[0]-e.goal[0], e.pos[1]-e.goal[1])
}

func (e *PointMass) observation() []float64 {
	return []float64{e.pos[0], e.pos[1], e.goal[0], e.goal[1]}
}
