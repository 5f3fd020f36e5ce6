package experiment

import (
	"context"
	"fmt"
	"log"

	"github.com/boristopalov/oprrl/pkg/core"
	"github.com/boristopalov/oprrl/pkg/metrics"
	"gonum.org/v1/gonum/stat"
)

// Evaluate plays full episodes with the deterministic policy and returns the
// true return of each. Training counters, the replay memory and the reward
// model are left untouched.
func (t *Trainer) Evaluate(episodes int) ([]float64, error) {
	renderer, canRender := t.env.(core.Renderer)
	render := canRender && t.cfg.Env.Render
	episodeLen := t.cfg.Experiment.EpisodeLen

	log.Println("----------------------------------------")
	returns := make([]float64, 0, episodes)
	for i := 0; i < episodes; i++ {
		state, err := t.env.Reset()
		if err != nil {
			return nil, fmt.Errorf("failed to reset environment: %w", err)
		}

		var total float64
		steps := 0
		done := false
		for !done {
			if render {
				if err := renderer.Render(); err != nil {
					return nil, fmt.Errorf("failed to render: %w", err)
				}
			}
			action := t.agent.SelectAction(state, true)
			step, err := t.env.Step(action)
			if err != nil {
				return nil, fmt.Errorf("failed to step environment: %w", err)
			}
			total += step.Reward
			state = step.Observation
			steps++
			done = step.Done || steps == episodeLen
		}
		log.Printf("Reward: %.2f", total)
		returns = append(returns, total)
	}
	log.Println("----------------------------------------")
	return returns, nil
}

func (t *Trainer) periodicEval(ctx context.Context) error {
	returns, err := t.Evaluate(t.cfg.SAC.EvalEpisodes)
	if err != nil {
		return fmt.Errorf("failed to evaluate: %w", err)
	}
	return t.log(ctx, metrics.KindEval, t.state.Episode, map[string]float64{
		"eval_reward": stat.Mean(returns, nil),
	})
}
