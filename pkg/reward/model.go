package reward

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/boristopalov/oprrl/pkg/core"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const weightDecay = 1e-4

type rankedTrajectory struct {
	core.Trajectory
	// sum of feature vectors over the trajectory; the predicted return is weights . featureSum
	featureSum []float64
}

// PreferenceModel is a linear reward model fit from pairwise preferences
// between ranked trajectories (Bradley-Terry with soft tie labels).
type PreferenceModel struct {
	mu          sync.Mutex
	stateDim    int
	actionDim   int
	stateOnly   bool
	lr          float64
	pairsPerFit int
	logCapacity int
	oracle      Oracle
	rng         *rand.Rand

	weights *mat.VecDense
	scratch []float64

	current []core.TrajectoryStep
	pending []rankedTrajectory
	ranked  []rankedTrajectory
	nextID  int
}

type ModelParams struct {
	StateOnly    bool
	LearningRate float64
	PairsPerFit  int
	LogCapacity  int
	Oracle       Oracle
	Seed         int64
}

type ModelOption func(*ModelParams)

func WithStateOnly(stateOnly bool) ModelOption {
	return func(p *ModelParams) {
		p.StateOnly = stateOnly
	}
}

func WithLearningRate(lr float64) ModelOption {
	return func(p *ModelParams) {
		p.LearningRate = lr
	}
}

func WithPairsPerFit(n int) ModelOption {
	return func(p *ModelParams) {
		p.PairsPerFit = n
	}
}

// WithLogCapacity bounds how many finished, not yet ranked trajectories are kept
func WithLogCapacity(n int) ModelOption {
	return func(p *ModelParams) {
		p.LogCapacity = n
	}
}

func WithOracle(o Oracle) ModelOption {
	return func(p *ModelParams) {
		p.Oracle = o
	}
}

func WithSeed(seed int64) ModelOption {
	return func(p *ModelParams) {
		p.Seed = seed
	}
}

func defaultModelParams() *ModelParams {
	return &ModelParams{
		LearningRate: 0.1,
		PairsPerFit:  64,
		LogCapacity:  1000,
		Oracle:       ReturnOracle{},
		Seed:         1,
	}
}

func NewPreferenceModel(stateDim, actionDim int, opts ...ModelOption) *PreferenceModel {
	params := defaultModelParams()
	for _, opt := range opts {
		opt(params)
	}
	dim := featureDim(stateDim, actionDim, params.StateOnly)
	return &PreferenceModel{
		stateDim:    stateDim,
		actionDim:   actionDim,
		stateOnly:   params.StateOnly,
		lr:          params.LearningRate,
		pairsPerFit: params.PairsPerFit,
		logCapacity: params.LogCapacity,
		oracle:      params.Oracle,
		rng:         rand.New(rand.NewSource(params.Seed)),
		weights:     mat.NewVecDense(dim, nil),
		scratch:     make([]float64, dim),
	}
}

// GetReward returns the learned reward for a (state, action) pair
func (m *PreferenceModel) GetReward(state, action []float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	features(m.scratch, state, action, m.actionDim, m.stateOnly)
	return floats.Dot(m.weights.RawVector().Data, m.scratch)
}

// PushData appends a step to the running trajectory. A done step closes it
// and moves it to the log of trajectories waiting to be ranked.
func (m *PreferenceModel) PushData(state, action []float64, trueReward float64, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = append(m.current, core.TrajectoryStep{
		State:  append([]float64(nil), state...),
		Action: append([]float64(nil), action...),
		Reward: trueReward,
	})
	if !done {
		return
	}

	traj := rankedTrajectory{
		Trajectory: core.Trajectory{ID: m.nextID, Steps: m.current},
		featureSum: make([]float64, m.weights.Len()),
	}
	for _, s := range m.current {
		traj.Return += s.Reward
		features(m.scratch, s.State, s.Action, m.actionDim, m.stateOnly)
		floats.Add(traj.featureSum, m.scratch)
	}
	m.nextID++
	m.current = nil

	m.pending = append(m.pending, traj)
	if len(m.pending) > m.logCapacity {
		m.pending = m.pending[1:]
	}
}

// Rank samples up to n logged trajectories, scores them with the oracle and
// merges them into the ranked pool. It returns the Kendall tau between the
// model's predicted returns and the oracle scores for that batch.
func (m *PreferenceModel) Rank(ctx context.Context, n int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.pending) {
		n = len(m.pending)
	}
	if n == 0 {
		return 0, nil
	}

	picked := m.rng.Perm(len(m.pending))[:n]
	sort.Ints(picked)
	batch := make([]rankedTrajectory, 0, n)
	rest := make([]rankedTrajectory, 0, len(m.pending)-n)
	next := 0
	for i, t := range m.pending {
		if next < len(picked) && picked[next] == i {
			batch = append(batch, t)
			next++
			continue
		}
		rest = append(rest, t)
	}

	trajs := make([]core.Trajectory, len(batch))
	for i, t := range batch {
		trajs[i] = t.Trajectory
	}
	scores, err := m.oracle.Score(ctx, trajs)
	if err != nil {
		return 0, fmt.Errorf("failed to score trajectories: %w", err)
	}
	if len(scores) != len(batch) {
		return 0, fmt.Errorf("oracle returned %d scores for %d trajectories", len(scores), len(batch))
	}

	predicted := make([]float64, len(batch))
	for i := range batch {
		batch[i].Score = scores[i]
		predicted[i] = floats.Dot(m.weights.RawVector().Data, batch[i].featureSum)
	}

	m.pending = rest
	m.ranked = append(m.ranked, batch...)
	sort.SliceStable(m.ranked, func(i, j int) bool {
		return m.ranked[i].Score < m.ranked[j].Score
	})
	return KendallTau(predicted, scores), nil
}

// LearnRewardSoft runs one pass of pairwise updates over randomly drawn pairs
// of ranked trajectories and returns the fraction of strict pairs the model
// ordered correctly before the update. With fewer than two ranked
// trajectories it is a no-op returning zero accuracy.
func (m *PreferenceModel) LearnRewardSoft() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ranked) < 2 {
		return 0, nil
	}

	w := m.weights.RawVector().Data
	grad := make([]float64, len(w))
	diff := make([]float64, len(w))
	var correct, strict int
	for k := 0; k < m.pairsPerFit; k++ {
		i := m.rng.Intn(len(m.ranked))
		j := m.rng.Intn(len(m.ranked) - 1)
		if j >= i {
			j++
		}
		a, b := m.ranked[i], m.ranked[j]

		label := 0.5
		switch {
		case a.Score > b.Score:
			label = 1
		case a.Score < b.Score:
			label = 0
		}

		floats.SubTo(diff, a.featureSum, b.featureSum)
		logit := floats.Dot(w, diff)
		p := sigmoid(logit)
		if label != 0.5 {
			strict++
			if (logit > 0) == (label == 1) && logit != 0 {
				correct++
			}
		}

		// normalised step keeps the update stable for long trajectories
		scale := (p - label) / (1 + floats.Dot(diff, diff))
		floats.AddScaled(grad, scale, diff)
	}
	floats.Scale(1/float64(m.pairsPerFit), grad)
	floats.AddScaled(grad, weightDecay, w)
	floats.AddScaled(w, -m.lr, grad)

	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("reward model diverged")
		}
	}
	if strict == 0 {
		return 1, nil
	}
	return float64(correct) / float64(strict), nil
}

// RankedLen returns the size of the ranked pool
func (m *PreferenceModel) RankedLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ranked)
}

// PendingLen returns the number of finished trajectories waiting to be ranked
func (m *PreferenceModel) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Ranked returns the ranked pool, least preferred first
func (m *PreferenceModel) Ranked() []core.Trajectory {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.Trajectory, len(m.ranked))
	for i, t := range m.ranked {
		out[i] = t.Trajectory
	}
	return out
}

func sigmoid(x float64) float64 {
	if x < -30 {
		return 0
	}
	if x > 30 {
		return 1
	}
	return 1 / (1 + math.Exp(-x))
}
