package environment

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/boristopalov/oprrl/pkg/core"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	length         = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * length
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0
)

// CartPole is a cart-pole with a continuous force action in [-1, 1].
// It has no success signal: the episode ends only when the pole falls.
type CartPole struct {
	x, xDot, theta, thetaDot float64
	steps                    int
	rng                      *rand.Rand
}

func NewCartPole(rng *rand.Rand) *CartPole {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	env := &CartPole{rng: rng}
	env.Reset()
	return env
}

func (e *CartPole) Reset() ([]float64, error) {
	e.x = e.rng.Float64()*0.1 - 0.05
	e.xDot = e.rng.Float64()*0.1 - 0.05
	e.theta = e.rng.Float64()*0.1 - 0.05
	e.thetaDot = e.rng.Float64()*0.1 - 0.05
	e.steps = 0
	return e.observation(), nil
}

func (e *CartPole) Step(action []float64) (core.Step, error) {
	if len(action) != 1 {
		return core.Step{}, fmt.Errorf("cartpole expects a 1-d action, got %d", len(action))
	}
	force := clip(action[0], -1, 1) * forceMax

	cosTheta := math.Cos(e.theta)
	sinTheta := math.Sin(e.theta)

	temp := (force + poleMassLength*e.thetaDot*e.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass
	e.x += tau * e.xDot
	e.xDot += tau * xAcc
	e.theta += tau * e.thetaDot
	e.thetaDot += tau * thetaAcc
	e.steps++

	done := e.x < -xThreshold || e.x > xThreshold || e.theta < -thetaThreshold || e.theta > thetaThreshold
	reward := 1.0
	if done {
		reward = 0.0
	}
	return core.Step{
		Observation: e.observation(),
		Reward:      reward,
		Done:        done,
		Info:        map[string]any{},
	}, nil
}

func (e *CartPole) SampleAction() ([]float64, error) {
	return uniformAction(e.rng, 1), nil
}

func (e *CartPole) Render() error {
	log.Printf("cartpole step=%d x=%.3f theta=%.3f", e.steps, e.x, e.theta)
	return nil
}

func (e *CartPole) ObservationDim() int { return 4 }

func (e *CartPole) ActionDim() int { return 1 }

func (e *CartPole) SuccessMode() core.SuccessMode { return core.SuccessNone }

func (e *CartPole) observation() []float64 {
	return []float64{e.x, e.xDot, e.theta, e.thetaDot}
}
