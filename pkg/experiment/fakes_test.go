package experiment

import (
	"context"
	"math/rand"

	"github.com/boristopalov/oprrl/pkg/config"
	"github.com/boristopalov/oprrl/pkg/core"
	"github.com/boristopalov/oprrl/pkg/memory"
	"github.com/boristopalov/oprrl/pkg/metrics"
)

type recorder struct {
	events []string
}

func (r *recorder) add(e string) {
	if r != nil {
		r.events = append(r.events, e)
	}
}

// MockEnv counts episodes through Reset. Episode e ends on its own after
// doneAt(e) steps, or never when doneAt returns 0.
type MockEnv struct {
	mode      core.SuccessMode
	doneAt    func(episode int) int
	reward    func(episode int) float64
	successAt int
	stepErr   error

	episode     int
	steps       int
	sampleCalls int
	renders     int
}

func (m *MockEnv) Reset() ([]float64, error) {
	m.episode++
	m.steps = 0
	return []float64{0}, nil
}

func (m *MockEnv) Step(action []float64) (core.Step, error) {
	if m.stepErr != nil {
		return core.Step{}, m.stepErr
	}
	m.steps++
	step := core.Step{
		Observation: []float64{float64(m.steps)},
		Info:        map[string]any{},
	}
	if m.reward != nil {
		step.Reward = m.reward(m.episode)
	}
	if m.doneAt != nil {
		if d := m.doneAt(m.episode); d > 0 && m.steps >= d {
			step.Done = true
		}
	}
	if m.successAt > 0 && m.steps == m.successAt {
		step.Info["success"] = true
	}
	return step, nil
}

func (m *MockEnv) SampleAction() ([]float64, error) {
	m.sampleCalls++
	return []float64{0.5}, nil
}

func (m *MockEnv) Render() error {
	m.renders++
	return nil
}

func (m *MockEnv) ObservationDim() int { return 1 }

func (m *MockEnv) ActionDim() int { return 1 }

func (m *MockEnv) SuccessMode() core.SuccessMode { return m.mode }

type MockAgent struct {
	rec *recorder
	err error

	selectCalls   int
	evalCalls     int
	updateCalls   int
	pretrainCalls int
	updateIndices []int
	resetActor    int
	resetCritic   int
}

func (m *MockAgent) SelectAction(state []float64, evaluate bool) []float64 {
	if evaluate {
		m.evalCalls++
	} else {
		m.selectCalls++
	}
	return []float64{-0.5}
}

func (m *MockAgent) UpdateParameters(mem core.Sampler, batchSize, updates int) (core.UpdateStats, error) {
	if m.err != nil {
		return core.UpdateStats{}, m.err
	}
	m.updateCalls++
	m.updateIndices = append(m.updateIndices, updates)
	m.rec.add("update")
	return core.UpdateStats{Critic1Loss: 1, Critic2Loss: 2, PolicyLoss: 3}, nil
}

func (m *MockAgent) UpdateParametersPretrain(mem core.Sampler, batchSize, updates int) (core.UpdateStats, error) {
	if m.err != nil {
		return core.UpdateStats{}, m.err
	}
	m.pretrainCalls++
	m.rec.add("update_pretrain")
	return core.UpdateStats{Critic1Loss: 1, Critic2Loss: 2}, nil
}

func (m *MockAgent) ResetActor() {
	m.resetActor++
	m.rec.add("reset_actor")
}

func (m *MockAgent) ResetCritic() {
	m.resetCritic++
	m.rec.add("reset_critic")
}

type rankCall struct {
	episode int
	n       int
}

// MockReward predicts version*10 + state[0], where version is bumped by every fit
type MockReward struct {
	rec  *recorder
	accs []float64

	version   float64
	fits      int
	episodes  int
	dones     []bool
	rankCalls []rankCall
	ranked    int
}

func (m *MockReward) GetReward(state, action []float64) float64 {
	return m.version*10 + state[0]
}

func (m *MockReward) PushData(state, action []float64, trueReward float64, done bool) {
	m.dones = append(m.dones, done)
	if done {
		m.episodes++
	}
}

func (m *MockReward) Rank(ctx context.Context, n int) (float64, error) {
	m.rankCalls = append(m.rankCalls, rankCall{episode: m.episodes, n: n})
	m.ranked += n
	m.rec.add("rank")
	return 0.5, nil
}

func (m *MockReward) LearnRewardSoft() (float64, error) {
	m.fits++
	m.version++
	m.rec.add("learn")
	if len(m.accs) == 0 {
		return 0.5, nil
	}
	i := m.fits - 1
	if i >= len(m.accs) {
		i = len(m.accs) - 1
	}
	return m.accs[i], nil
}

func (m *MockReward) RankedLen() int {
	return m.ranked
}

// recordingMemory notes when a relabel happens
type recordingMemory struct {
	*memory.ReplayMemory
	rec *recorder
}

func (r recordingMemory) Relabel(scorer core.RewardScorer) {
	r.rec.add("relabel")
	r.ReplayMemory.Relabel(scorer)
}

type MockLogger struct {
	records []metrics.Record
	err     error
}

func (m *MockLogger) Log(ctx context.Context, rec metrics.Record) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *MockLogger) kind(kind string) []metrics.Record {
	var out []metrics.Record
	for _, r := range m.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func testConfig() *config.ExperimentConfig {
	cfg := config.Default()
	cfg.Experiment.EpisodeLen = 10
	cfg.Experiment.MaxEpisodes = 30
	cfg.Experiment.ChangeFlagReward = 100
	cfg.SAC.StartEpisodes = 5
	cfg.SAC.PretrainEpisodes = 0
	cfg.SAC.BatchSize = 16
	cfg.SAC.UpdatesPerStep = 1
	cfg.SAC.Eval = false
	cfg.Reward.LearnRewardFrequency1 = 3
	cfg.Reward.NumToRank1 = 2
	cfg.Reward.LearnRewardFrequency = 4
	cfg.Reward.NumToRank = 7
	cfg.Reward.MaxRankNum = 1000
	return cfg
}

func newMemory(capacity int) *memory.ReplayMemory {
	mem, err := memory.NewReplayMemory(capacity)
	if err != nil {
		panic(err)
	}
	return mem
}

// fill pushes n transitions with random states
func fill(mem core.ReplayMemory, n int) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < n; i++ {
		mem.Push(core.Transition{
			State:     []float64{rng.Float64()},
			Action:    []float64{0},
			NextState: []float64{0},
			Mask:      1,
		})
	}
}
