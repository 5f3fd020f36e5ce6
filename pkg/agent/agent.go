package agent

import (
	"github.com/google/uuid"
)

type AgentParams struct {
	AgentID                string
	Gamma                  float64
	Tau                    float64
	LearningRate           float64
	Alpha                  float64
	AutomaticEntropyTuning bool
	TargetUpdateInterval   int
	Seed                   int64
}

type AgentOption func(*AgentParams)

func WithAgentId(id string) AgentOption {
	return func(p *AgentParams) {
		p.AgentID = id
	}
}

func WithGamma(gamma float64) AgentOption {
	return func(p *AgentParams) {
		p.Gamma = gamma
	}
}

// WithTau sets the Polyak factor used for the target critics
func WithTau(tau float64) AgentOption {
	return func(p *AgentParams) {
		p.Tau = tau
	}
}

func WithLearningRate(lr float64) AgentOption {
	return func(p *AgentParams) {
		p.LearningRate = lr
	}
}

// WithAlpha sets the initial entropy temperature
func WithAlpha(alpha float64) AgentOption {
	return func(p *AgentParams) {
		p.Alpha = alpha
	}
}

func WithAutomaticEntropyTuning(on bool) AgentOption {
	return func(p *AgentParams) {
		p.AutomaticEntropyTuning = on
	}
}

func WithTargetUpdateInterval(n int) AgentOption {
	return func(p *AgentParams) {
		p.TargetUpdateInterval = n
	}
}

func WithSeed(seed int64) AgentOption {
	return func(p *AgentParams) {
		p.Seed = seed
	}
}

func defaultAgentParams() *AgentParams {
	return &AgentParams{
		AgentID:                "agent-" + uuid.New().String(),
		Gamma:                  0.99,
		Tau:                    0.005,
		LearningRate:           3e-4,
		Alpha:                  0.2,
		AutomaticEntropyTuning: true,
		TargetUpdateInterval:   1,
		Seed:                   1,
	}
}
