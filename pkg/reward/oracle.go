package reward

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/boristopalov/oprrl/pkg/core"
	"github.com/boristopalov/oprrl/pkg/providers"
	"gonum.org/v1/gonum/floats"
)

// Oracle assigns preference scores to trajectories; a higher score is preferred
type Oracle interface {
	Score(ctx context.Context, trajs []core.Trajectory) ([]float64, error)
}

// ReturnOracle prefers trajectories with a higher true environment return
type ReturnOracle struct{}

func (ReturnOracle) Score(ctx context.Context, trajs []core.Trajectory) ([]float64, error) {
	scores := make([]float64, len(trajs))
	for i, t := range trajs {
		scores[i] = t.Return
	}
	return scores, nil
}

const (
	JUDGE_PROMPT_TEMPLATE = `You are judging attempts at a control task.
Task: %s

Below are %d attempts. For each attempt you see its length, the first and last observation, and the average action magnitude.

%s

Rate each attempt from 0 (useless) to 10 (perfect) according to how well it accomplishes the task. Very briefly think step by step, then answer with one line per attempt in the form "SCORE <attempt number>: <rating>".`

	RETRY_PROMPT_TEMPLATE = `Your previous response did not include a rating for every attempt. Here was your response:

%s

Please answer again with exactly one line per attempt, numbered 1 to %d, in the form "SCORE <attempt number>: <rating>". For example: "SCORE 1: 7.5".`
)

var scoreRe = regexp.MustCompile(`(?mi)SCORE\s*(\d+)\s*:\s*(-?\d*\.?\d+)`)

// LLMOracle asks a hosted language model to rate trajectory summaries
type LLMOracle struct {
	client providers.Completer
	model  string
	task   string
}

func NewLLMOracle(client providers.Completer, model, task string) *LLMOracle {
	return &LLMOracle{client: client, model: model, task: task}
}

func (o *LLMOracle) Score(ctx context.Context, trajs []core.Trajectory) ([]float64, error) {
	if len(trajs) == 0 {
		return nil, nil
	}
	prompt := fmt.Sprintf(JUDGE_PROMPT_TEMPLATE, o.task, len(trajs), summarize(trajs))
	response, err := o.client.Complete(ctx, o.model, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ratings: %w", err)
	}

	scores, err := parseScores(response, len(trajs))
	if err == nil {
		return scores, nil
	}
	log.Printf("Judge response missing ratings, retrying: %v", err)

	response, err = o.client.Complete(ctx, o.model, fmt.Sprintf(RETRY_PROMPT_TEMPLATE, response, len(trajs)))
	if err != nil {
		return nil, fmt.Errorf("failed to generate ratings on retry: %w", err)
	}
	scores, err = parseScores(response, len(trajs))
	if err != nil {
		return nil, fmt.Errorf("no complete ratings even after retry: %w", err)
	}
	return scores, nil
}

func summarize(trajs []core.Trajectory) string {
	var sb strings.Builder
	for i, t := range trajs {
		fmt.Fprintf(&sb, "Attempt %d: %d steps", i+1, len(t.Steps))
		if len(t.Steps) > 0 {
			first := t.Steps[0]
			last := t.Steps[len(t.Steps)-1]
			var effort float64
			for _, s := range t.Steps {
				effort += floats.Norm(s.Action, 2)
			}
			fmt.Fprintf(&sb, ", first observation %s, last observation %s, average action magnitude %.3f",
				formatVec(first.State), formatVec(last.State), effort/float64(len(t.Steps)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseScores(response string, n int) ([]float64, error) {
	scores := make([]float64, n)
	seen := make([]bool, n)
	for _, m := range scoreRe.FindAllStringSubmatch(response, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		scores[idx-1] = v
		seen[idx-1] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing rating for attempt %d", i+1)
		}
	}
	return scores, nil
}

func formatVec(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', 3, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
