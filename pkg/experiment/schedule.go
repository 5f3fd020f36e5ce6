package experiment

import (
	"context"
	"fmt"
	"log"

	"github.com/boristopalov/oprrl/pkg/config"
	"github.com/boristopalov/oprrl/pkg/metrics"
	"gonum.org/v1/gonum/stat"
)

const (
	// reachThreshold is how many qualifying episodes must be exceeded before converging
	reachThreshold = 8

	// refitWarmupRanks is the rank count below which a refit is a single fit step
	refitWarmupRanks = 5

	exploratoryRefits   = 8
	earlyBreakAccuracy  = 0.97
	pretrainExitFits    = 10
	pretrainExitUpdates = 100
)

type FrequencyMode int

const (
	Exploratory FrequencyMode = iota
	Converged
)

func (m FrequencyMode) String() string {
	if m == Converged {
		return "converged"
	}
	return "exploratory"
}

// Frequency is the reward-learning schedule currently in force
type Frequency struct {
	Mode           FrequencyMode
	LearnFrequency int
	RankBatch      int
}

func exploratoryFrequency(cfg config.RewardConfig) Frequency {
	return Frequency{Mode: Exploratory, LearnFrequency: cfg.LearnRewardFrequency1, RankBatch: cfg.NumToRank1}
}

func convergedFrequency(cfg config.RewardConfig) Frequency {
	return Frequency{Mode: Converged, LearnFrequency: cfg.LearnRewardFrequency, RankBatch: cfg.NumToRank}
}

func converged(reach int) bool {
	return reach > reachThreshold
}

type Phase int

const (
	Warmup Phase = iota
	Pretrain
	Main
)

func (p Phase) String() string {
	switch p {
	case Warmup:
		return "warmup"
	case Pretrain:
		return "pretrain"
	default:
		return "main"
	}
}

// PhaseOf returns the training phase an episode falls in
func PhaseOf(episode, startEpisodes, pretrainEpisodes int) Phase {
	switch {
	case episode <= startEpisodes:
		return Warmup
	case episode <= startEpisodes+pretrainEpisodes:
		return Pretrain
	default:
		return Main
	}
}

// State holds every counter of one training run
type State struct {
	Episode    int
	TotalSteps int
	Updates    int
	// RankCount is the number of completed rank and refit cycles
	RankCount int
	// RankNum is the size of the ranked pool after the last ranking
	RankNum   int
	Reach     int
	Frequency Frequency
	// PretrainExited is set once the pretrain exit burst has run
	PretrainExited bool
}

// advanceFrequency counts a qualifying return and flips to the converged
// schedule once enough episodes qualified. The flip is one-way.
func (t *Trainer) advanceFrequency(episodeReturn float64) {
	if t.state.Frequency.Mode != Exploratory {
		return
	}
	if episodeReturn > t.cfg.Experiment.ChangeFlagReward {
		t.state.Reach++
	}
	if converged(t.state.Reach) {
		t.state.Frequency = convergedFrequency(t.cfg.Reward)
		log.Printf("Reward schedule converged at episode %d", t.state.Episode)
	}
}

func (t *Trainer) schedule(ctx context.Context, episodeReturn float64) error {
	t.advanceFrequency(episodeReturn)

	freq := t.state.Frequency
	if t.state.Episode%freq.LearnFrequency != 0 || t.state.RankNum > t.cfg.Reward.MaxRankNum {
		return nil
	}

	kTau, err := t.reward.Rank(ctx, freq.RankBatch)
	if err != nil {
		return fmt.Errorf("failed to rank trajectories: %w", err)
	}
	t.state.RankCount++
	t.state.RankNum = t.reward.RankedLen()
	log.Println("rank successfully")

	var acc float64
	if freq.Mode == Exploratory {
		acc, err = t.learnReward(exploratoryRefits, false, true)
	} else {
		acc, err = t.learnReward(t.state.RankCount, true, true)
	}
	if err != nil {
		return err
	}

	return t.log(ctx, metrics.KindReward, t.state.Episode, map[string]float64{
		"acc":        acc,
		"k_tau":      kTau,
		"rank_count": float64(t.state.RankCount),
		"rank_num":   float64(t.state.RankNum),
	})
}

// learnReward refits the reward model and returns the mean accuracy of the
// fit steps it ran. While fewer than five rankings have completed a refit
// is a single fit step whatever num asks for.
func (t *Trainer) learnReward(num int, earlyBreak, relabel bool) (float64, error) {
	var accs []float64
	if t.state.RankCount >= refitWarmupRanks {
		for i := 0; i < num; i++ {
			acc, err := t.reward.LearnRewardSoft()
			if err != nil {
				return 0, fmt.Errorf("failed to fit reward model: %w", err)
			}
			accs = append(accs, acc)
			if earlyBreak && acc > earlyBreakAccuracy {
				break
			}
		}
	} else {
		acc, err := t.reward.LearnRewardSoft()
		if err != nil {
			return 0, fmt.Errorf("failed to fit reward model: %w", err)
		}
		accs = append(accs, acc)
	}

	if relabel {
		t.memory.Relabel(t.reward)
	}
	if len(accs) == 0 {
		return 0, nil
	}
	return stat.Mean(accs, nil), nil
}

// exitPretrain discards the pretrained agent and retrains it from scratch
// against a freshly fit reward model.
func (t *Trainer) exitPretrain() error {
	for i := 0; i < pretrainExitFits; i++ {
		if _, err := t.reward.LearnRewardSoft(); err != nil {
			return fmt.Errorf("failed to fit reward model: %w", err)
		}
	}
	t.memory.Relabel(t.reward)

	t.agent.ResetCritic()
	t.agent.ResetActor()
	for i := 0; i < pretrainExitUpdates; i++ {
		if _, err := t.agent.UpdateParameters(t.memory, t.cfg.SAC.BatchSize, t.state.Updates); err != nil {
			return fmt.Errorf("failed to update agent: %w", err)
		}
	}
	t.state.PretrainExited = true
	log.Println("pretrain session end")
	return nil
}
