package core

import (
	"context"
	"math/rand"
)

// Environment is the uniform surface the trainer expects from a simulator backend
type Environment interface {
	// Reset starts a new episode and returns the first observation
	Reset() ([]float64, error)
	// Step applies an action
	Step(action []float64) (Step, error)
	// SampleAction draws a random action with the backend's native sampler
	SampleAction() ([]float64, error)
	ObservationDim() int
	ActionDim() int
	SuccessMode() SuccessMode
}

// Renderer is implemented by backends that can draw themselves
type Renderer interface {
	Render() error
}

// Sampler draws training batches
type Sampler interface {
	Sample(batchSize int, rng *rand.Rand) ([]Transition, error)
}

// RewardScorer scores a (state, action) pair with the learned reward
type RewardScorer interface {
	GetReward(state, action []float64) float64
}

// ReplayMemory stores transitions labelled with the learned reward
type ReplayMemory interface {
	Sampler
	Push(t Transition)
	// Relabel recomputes every stored reward from the given scorer
	Relabel(scorer RewardScorer)
	Len() int
}

// RewardModel learns a reward function from ranked trajectories
type RewardModel interface {
	RewardScorer
	// PushData appends a step carrying the true environment reward to the trajectory log
	PushData(state, action []float64, trueReward float64, done bool)
	// Rank moves up to n logged trajectories into the ranked pool and
	// returns a rank correlation between the model and the oracle
	Rank(ctx context.Context, n int) (float64, error)
	// LearnRewardSoft runs one fit step and returns the pairwise accuracy
	LearnRewardSoft() (float64, error)
	// RankedLen returns the size of the ranked pool
	RankedLen() int
}

// Agent is the policy optimizer
type Agent interface {
	SelectAction(state []float64, evaluate bool) []float64
	UpdateParameters(memory Sampler, batchSize, updates int) (UpdateStats, error)
	UpdateParametersPretrain(memory Sampler, batchSize, updates int) (UpdateStats, error)
	ResetActor()
	ResetCritic()
}
