package core

import (
	"time"
)

// SuccessMode tells the trainer how a backend reports task success.
type SuccessMode int

const (
	// SuccessNone backends have no notion of task success.
	SuccessNone SuccessMode = iota
	// SuccessInfo backends set info["success"] on the step that succeeds.
	SuccessInfo
	// SuccessEarlyTermination backends end the episode when the task succeeds.
	SuccessEarlyTermination
)

func (m SuccessMode) String() string {
	switch m {
	case SuccessInfo:
		return "info"
	case SuccessEarlyTermination:
		return "early_termination"
	default:
		return "none"
	}
}

// Step is the result of advancing an environment by one action
type Step struct {
	Observation []float64
	Reward      float64
	Done        bool
	Info        map[string]any
}

// Succeeded reports whether the step carries a truthy "success" info flag
func (s Step) Succeeded() bool {
	v, ok := s.Info["success"]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return false
}

// Transition is a single replay memory entry. Mask is 0 only when the
// episode hit a true terminal state before the step budget ran out.
type Transition struct {
	State     []float64
	Action    []float64
	Reward    float64
	NextState []float64
	Mask      float64
}

// TrajectoryStep is one entry of the reward model's raw trajectory log.
// Reward is the true environment reward, never the learned one.
type TrajectoryStep struct {
	State  []float64
	Action []float64
	Reward float64
}

// Trajectory is one finished episode as seen by the reward model
type Trajectory struct {
	ID     int
	Steps  []TrajectoryStep
	Return float64
	// Score is the preference score assigned by the ranking oracle
	Score float64
}

// UpdateStats are the scalars returned by one agent update
type UpdateStats struct {
	Critic1Loss float64
	Critic2Loss float64
	PolicyLoss  float64
	EntropyLoss float64
	Alpha       float64
}

type TrainerStatus struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
	Episode   int
}
