package experiment

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/boristopalov/oprrl/pkg/config"
	"github.com/boristopalov/oprrl/pkg/core"
	"github.com/boristopalov/oprrl/pkg/memory"
	"github.com/boristopalov/oprrl/pkg/metrics"
)

const successWindow = 50

// History keeps per-episode bookkeeping of a run
type History struct {
	Returns          []float64
	PredictedReturns []float64
	EpisodeLengths   []int
}

type TrainerParams struct {
	Logger metrics.Logger
}

type TrainerOption func(*TrainerParams)

// WithLogger enables metrics logging. Without it nothing is logged.
func WithLogger(l metrics.Logger) TrainerOption {
	return func(p *TrainerParams) {
		p.Logger = l
	}
}

// Trainer runs the episode loop and decides when to rank, refit, relabel
// and leave the pretrain phase.
type Trainer struct {
	cfg    *config.ExperimentConfig
	env    core.Environment
	agent  core.Agent
	reward core.RewardModel
	memory core.ReplayMemory
	logger metrics.Logger

	state        State
	successes    *memory.Window[bool]
	history      History
	trainStarted bool

	mu     sync.RWMutex
	status core.TrainerStatus
}

func NewTrainer(cfg *config.ExperimentConfig, env core.Environment, agent core.Agent, reward core.RewardModel, mem core.ReplayMemory, opts ...TrainerOption) *Trainer {
	params := &TrainerParams{}
	for _, opt := range opts {
		opt(params)
	}
	return &Trainer{
		cfg:       cfg,
		env:       env,
		agent:     agent,
		reward:    reward,
		memory:    mem,
		logger:    params.Logger,
		state:     State{Frequency: exploratoryFrequency(cfg.Reward)},
		successes: memory.NewWindow[bool](successWindow),
	}
}

// Run trains until the episode ceiling is reached or a collaborator fails
func (t *Trainer) Run(ctx context.Context) error {
	t.mu.Lock()
	t.status.Running = true
	t.status.StartTime = time.Now()
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.status.Running = false
		t.status.EndTime = time.Now()
		t.mu.Unlock()
	}()

	if t.cfg.Experiment.Description != "" {
		log.Printf("Experiment: %s", t.cfg.Experiment.Description)
	}
	return t.runLoop(ctx)
}

func (t *Trainer) runLoop(ctx context.Context) error {
	for t.state.Episode = 1; ; t.state.Episode++ {
		t.mu.Lock()
		t.status.Episode = t.state.Episode
		t.mu.Unlock()

		result, err := t.runEpisode(ctx)
		if err != nil {
			return fmt.Errorf("episode %d: %w", t.state.Episode, err)
		}
		if err := t.endEpisode(ctx, result); err != nil {
			return fmt.Errorf("episode %d: %w", t.state.Episode, err)
		}

		if err := t.schedule(ctx, result.reward); err != nil {
			return fmt.Errorf("episode %d: %w", t.state.Episode, err)
		}

		sac := t.cfg.SAC
		if t.state.Episode == sac.StartEpisodes+sac.PretrainEpisodes && sac.PretrainEpisodes > 0 {
			if err := t.exitPretrain(); err != nil {
				return fmt.Errorf("episode %d: %w", t.state.Episode, err)
			}
		}

		if sac.Eval && t.state.Episode%sac.EvalPerEpisode == 0 {
			if err := t.periodicEval(ctx); err != nil {
				return fmt.Errorf("episode %d: %w", t.state.Episode, err)
			}
		}

		if t.state.Episode >= t.cfg.Experiment.MaxEpisodes-1 {
			return nil
		}
	}
}

type episodeResult struct {
	reward      float64
	rewardPrime float64
	steps       int
	success     bool
}

func (t *Trainer) runEpisode(ctx context.Context) (episodeResult, error) {
	var result episodeResult
	episodeLen := t.cfg.Experiment.EpisodeLen

	state, err := t.env.Reset()
	if err != nil {
		return result, fmt.Errorf("failed to reset environment: %w", err)
	}

	done := false
	for !done {
		var action []float64
		if PhaseOf(t.state.Episode, t.cfg.SAC.StartEpisodes, t.cfg.SAC.PretrainEpisodes) == Warmup {
			if action, err = t.env.SampleAction(); err != nil {
				return result, fmt.Errorf("failed to sample action: %w", err)
			}
		} else {
			action = t.agent.SelectAction(state, false)
		}

		if t.memory.Len() > t.cfg.SAC.BatchSize {
			for i := 0; i < t.cfg.SAC.UpdatesPerStep; i++ {
				if err := t.update(ctx); err != nil {
					return result, err
				}
			}
		}

		step, err := t.env.Step(action)
		if err != nil {
			return result, fmt.Errorf("failed to step environment: %w", err)
		}
		rewardPrime := t.reward.GetReward(state, action)

		if t.env.SuccessMode() == core.SuccessInfo && !result.success && step.Succeeded() {
			result.success = true
		}

		result.steps++
		t.state.TotalSteps++
		result.reward += step.Reward
		result.rewardPrime += rewardPrime

		// truncation by the step budget is not a terminal state
		mask := 1.0
		if result.steps != episodeLen && step.Done {
			mask = 0
		}
		done = step.Done || result.steps%episodeLen == 0

		t.memory.Push(core.Transition{
			State:     state,
			Action:    action,
			Reward:    rewardPrime,
			NextState: step.Observation,
			Mask:      mask,
		})
		t.reward.PushData(state, action, step.Reward, done)

		state = step.Observation
	}

	if t.env.SuccessMode() == core.SuccessEarlyTermination {
		result.success = result.steps < episodeLen
	}
	return result, nil
}

func (t *Trainer) update(ctx context.Context) error {
	var stats core.UpdateStats
	var err error
	sac := t.cfg.SAC
	if t.state.Episode > sac.StartEpisodes+sac.PretrainEpisodes || sac.PretrainEpisodes == 0 {
		if !t.trainStarted {
			log.Println("train session start")
			t.trainStarted = true
		}
		stats, err = t.agent.UpdateParameters(t.memory, sac.BatchSize, t.state.Updates)
	} else {
		stats, err = t.agent.UpdateParametersPretrain(t.memory, sac.BatchSize, t.state.Updates)
	}
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	t.state.Updates++

	return t.log(ctx, metrics.KindUpdate, t.state.Updates, map[string]float64{
		"critic_1_loss": stats.Critic1Loss,
		"critic_2_loss": stats.Critic2Loss,
		"policy_loss":   stats.PolicyLoss,
	})
}

func (t *Trainer) endEpisode(ctx context.Context, result episodeResult) error {
	values := map[string]float64{
		"e_reward":       result.reward,
		"e_reward_prime": result.rewardPrime,
		"episode_steps":  float64(result.steps),
		"i_episode":      float64(t.state.Episode),
	}
	if t.env.SuccessMode() != core.SuccessNone {
		t.successes.Store(result.success)
		values["success_rate"] = memory.Rate(t.successes)
	}
	if err := t.log(ctx, metrics.KindEpisode, t.state.Episode, values); err != nil {
		return err
	}

	t.history.Returns = append(t.history.Returns, result.reward)
	t.history.PredictedReturns = append(t.history.PredictedReturns, result.rewardPrime)
	t.history.EpisodeLengths = append(t.history.EpisodeLengths, result.steps)

	log.Printf("E%d, t numsteps: %d, e steps: %d, reward: %.2f, reward_prime: %.2f",
		t.state.Episode, t.state.TotalSteps, result.steps, result.reward, result.rewardPrime)
	return nil
}

func (t *Trainer) log(ctx context.Context, kind string, step int, values map[string]float64) error {
	if t.logger == nil {
		return nil
	}
	if err := t.logger.Log(ctx, metrics.Record{Kind: kind, Step: step, Values: values}); err != nil {
		return fmt.Errorf("failed to log %s metrics: %w", kind, err)
	}
	return nil
}

// State returns a copy of the run counters
func (t *Trainer) State() State {
	return t.state
}

// History returns a copy of the per-episode bookkeeping
func (t *Trainer) History() History {
	return History{
		Returns:          append([]float64(nil), t.history.Returns...),
		PredictedReturns: append([]float64(nil), t.history.PredictedReturns...),
		EpisodeLengths:   append([]int(nil), t.history.EpisodeLengths...),
	}
}

func (t *Trainer) Status() core.TrainerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}
