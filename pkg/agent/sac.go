package agent

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/boristopalov/oprrl/pkg/core"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	minLogStd = -5.0
	maxLogStd = 2.0
	initScale = 0.1
)

var halfLog2Pi = 0.5 * math.Log(2*math.Pi)

// SAC is a soft actor-critic with linear function approximation.
//
// Both critics are linear in the features [s, a, a*a, 1] and each has a
// Polyak-averaged target copy. The actor is a diagonal Gaussian whose mean
// is linear in the state, trained with the reparameterisation gradient.
// Actions are clipped to [-1, 1].
type SAC struct {
	id        string
	stateDim  int
	actionDim int

	gamma                float64
	tau                  float64
	lr                   float64
	alpha                float64
	logAlpha             float64
	autoEntropy          bool
	targetEntropy        float64
	targetUpdateInterval int
	rng                  *rand.Rand

	critic1, critic2 *mat.VecDense
	target1, target2 *mat.VecDense

	actorW *mat.Dense // actionDim x stateDim
	actorB *mat.VecDense
	logStd *mat.VecDense
}

func NewSAC(stateDim, actionDim int, opts ...AgentOption) *SAC {
	params := defaultAgentParams()
	for _, opt := range opts {
		opt(params)
	}
	if params.TargetUpdateInterval <= 0 {
		params.TargetUpdateInterval = 1
	}

	a := &SAC{
		id:                   params.AgentID,
		stateDim:             stateDim,
		actionDim:            actionDim,
		gamma:                params.Gamma,
		tau:                  params.Tau,
		lr:                   params.LearningRate,
		alpha:                params.Alpha,
		logAlpha:             math.Log(params.Alpha),
		autoEntropy:          params.AutomaticEntropyTuning,
		targetEntropy:        -float64(actionDim),
		targetUpdateInterval: params.TargetUpdateInterval,
		rng:                  rand.New(rand.NewSource(params.Seed)),
	}
	a.ResetCritic()
	a.ResetActor()
	return a
}

func (a *SAC) GetID() string {
	return a.id
}

func (a *SAC) Alpha() float64 {
	return a.alpha
}

// SelectAction samples from the policy, or returns its mean when evaluate is set
func (a *SAC) SelectAction(state []float64, evaluate bool) []float64 {
	mean := a.mean(state)
	action := make([]float64, a.actionDim)
	for j := range action {
		v := mean.AtVec(j)
		if !evaluate {
			v += math.Exp(a.logStd.AtVec(j)) * a.rng.NormFloat64()
		}
		action[j] = clip(v)
	}
	return action
}

// UpdateParameters runs one critic, actor and temperature update on a sampled batch
func (a *SAC) UpdateParameters(memory core.Sampler, batchSize, updates int) (core.UpdateStats, error) {
	batch, err := memory.Sample(batchSize, a.rng)
	if err != nil {
		return core.UpdateStats{}, fmt.Errorf("failed to sample batch: %w", err)
	}

	stats := a.updateCritics(batch)
	stats.PolicyLoss, stats.EntropyLoss = a.updatePolicy(batch)
	if updates%a.targetUpdateInterval == 0 {
		a.softUpdateTargets()
	}
	stats.Alpha = a.alpha
	return stats, a.checkFinite()
}

// UpdateParametersPretrain only fits the critics to the current reward
// labels; the actor and the temperature stay fixed.
func (a *SAC) UpdateParametersPretrain(memory core.Sampler, batchSize, updates int) (core.UpdateStats, error) {
	batch, err := memory.Sample(batchSize, a.rng)
	if err != nil {
		return core.UpdateStats{}, fmt.Errorf("failed to sample batch: %w", err)
	}

	stats := a.updateCritics(batch)
	if updates%a.targetUpdateInterval == 0 {
		a.softUpdateTargets()
	}
	stats.Alpha = a.alpha
	return stats, a.checkFinite()
}

// ResetCritic redraws both critics and copies them into the targets
func (a *SAC) ResetCritic() {
	dim := a.criticDim()
	a.critic1 = a.randomVec(dim)
	a.critic2 = a.randomVec(dim)
	a.target1 = mat.VecDenseCopyOf(a.critic1)
	a.target2 = mat.VecDenseCopyOf(a.critic2)
}

// ResetActor redraws the policy weights and resets the exploration noise
func (a *SAC) ResetActor() {
	data := make([]float64, a.actionDim*a.stateDim)
	for i := range data {
		data[i] = a.rng.NormFloat64() * initScale
	}
	a.actorW = mat.NewDense(a.actionDim, a.stateDim, data)
	a.actorB = mat.NewVecDense(a.actionDim, nil)
	a.logStd = mat.NewVecDense(a.actionDim, nil)
}

func (a *SAC) updateCritics(batch []core.Transition) core.UpdateStats {
	dim := a.criticDim()
	grad1 := mat.NewVecDense(dim, nil)
	grad2 := mat.NewVecDense(dim, nil)
	loss1 := make([]float64, len(batch))
	loss2 := make([]float64, len(batch))

	for i, t := range batch {
		nextAction, nextLogProb := a.sample(t.NextState)
		nextFeat := a.criticFeatures(t.NextState, nextAction)
		nextQ := math.Min(mat.Dot(a.target1, nextFeat), mat.Dot(a.target2, nextFeat)) - a.alpha*nextLogProb
		target := t.Reward + t.Mask*a.gamma*nextQ

		feat := a.criticFeatures(t.State, t.Action)
		err1 := mat.Dot(a.critic1, feat) - target
		err2 := mat.Dot(a.critic2, feat) - target
		loss1[i] = 0.5 * err1 * err1
		loss2[i] = 0.5 * err2 * err2
		grad1.AddScaledVec(grad1, err1, feat)
		grad2.AddScaledVec(grad2, err2, feat)
	}

	step := -a.lr / float64(len(batch))
	a.critic1.AddScaledVec(a.critic1, step, grad1)
	a.critic2.AddScaledVec(a.critic2, step, grad2)

	return core.UpdateStats{
		Critic1Loss: stat.Mean(loss1, nil),
		Critic2Loss: stat.Mean(loss2, nil),
	}
}

// updatePolicy minimises alpha*log pi(a|s) - min Q(s, a) with a = mu(s) + sigma*eps
func (a *SAC) updatePolicy(batch []core.Transition) (policyLoss, entropyLoss float64) {
	gradW := mat.NewDense(a.actionDim, a.stateDim, nil)
	gradB := mat.NewVecDense(a.actionDim, nil)
	gradLogStd := mat.NewVecDense(a.actionDim, nil)
	losses := make([]float64, len(batch))
	logProbs := make([]float64, len(batch))

	gradMu := mat.NewVecDense(a.actionDim, nil)
	for i, t := range batch {
		mean := a.mean(t.State)
		eps := make([]float64, a.actionDim)
		action := make([]float64, a.actionDim)
		var logProb float64
		for j := range action {
			eps[j] = a.rng.NormFloat64()
			std := math.Exp(a.logStd.AtVec(j))
			action[j] = clip(mean.AtVec(j) + std*eps[j])
			logProb += -0.5*eps[j]*eps[j] - a.logStd.AtVec(j) - halfLog2Pi
		}

		feat := a.criticFeatures(t.State, action)
		critic := a.critic1
		q := mat.Dot(a.critic1, feat)
		if q2 := mat.Dot(a.critic2, feat); q2 < q {
			critic, q = a.critic2, q2
		}
		losses[i] = a.alpha*logProb - q
		logProbs[i] = logProb

		for j := 0; j < a.actionDim; j++ {
			dQ := critic.AtVec(a.stateDim+j) + 2*critic.AtVec(a.stateDim+a.actionDim+j)*action[j]
			std := math.Exp(a.logStd.AtVec(j))
			gradMu.SetVec(j, -dQ)
			gradLogStd.SetVec(j, gradLogStd.AtVec(j)-a.alpha-dQ*std*eps[j])
		}
		gradW.RankOne(gradW, 1, gradMu, mat.NewVecDense(a.stateDim, t.State))
		gradB.AddVec(gradB, gradMu)
	}

	step := -a.lr / float64(len(batch))
	gradW.Scale(step, gradW)
	a.actorW.Add(a.actorW, gradW)
	a.actorB.AddScaledVec(a.actorB, step, gradB)
	a.logStd.AddScaledVec(a.logStd, step, gradLogStd)
	for j := 0; j < a.actionDim; j++ {
		a.logStd.SetVec(j, math.Max(minLogStd, math.Min(maxLogStd, a.logStd.AtVec(j))))
	}

	meanLogProb := stat.Mean(logProbs, nil)
	if a.autoEntropy {
		entropyLoss = -a.logAlpha * (meanLogProb + a.targetEntropy)
		a.logAlpha -= a.lr * -(meanLogProb + a.targetEntropy)
		a.alpha = math.Exp(a.logAlpha)
	}
	return stat.Mean(losses, nil), entropyLoss
}

func (a *SAC) softUpdateTargets() {
	a.target1.ScaleVec(1-a.tau, a.target1)
	a.target1.AddScaledVec(a.target1, a.tau, a.critic1)
	a.target2.ScaleVec(1-a.tau, a.target2)
	a.target2.AddScaledVec(a.target2, a.tau, a.critic2)
}

func (a *SAC) sample(state []float64) ([]float64, float64) {
	mean := a.mean(state)
	action := make([]float64, a.actionDim)
	var logProb float64
	for j := range action {
		eps := a.rng.NormFloat64()
		action[j] = clip(mean.AtVec(j) + math.Exp(a.logStd.AtVec(j))*eps)
		logProb += -0.5*eps*eps - a.logStd.AtVec(j) - halfLog2Pi
	}
	return action, logProb
}

func (a *SAC) mean(state []float64) *mat.VecDense {
	mean := mat.NewVecDense(a.actionDim, nil)
	mean.MulVec(a.actorW, mat.NewVecDense(a.stateDim, append([]float64(nil), state...)))
	mean.AddVec(mean, a.actorB)
	return mean
}

func (a *SAC) criticDim() int {
	return a.stateDim + 2*a.actionDim + 1
}

func (a *SAC) criticFeatures(state, action []float64) *mat.VecDense {
	feat := make([]float64, a.criticDim())
	n := copy(feat, state)
	for j := 0; j < a.actionDim; j++ {
		feat[n+j] = action[j]
		feat[n+a.actionDim+j] = action[j] * action[j]
	}
	feat[len(feat)-1] = 1
	return mat.NewVecDense(len(feat), feat)
}

func (a *SAC) randomVec(n int) *mat.VecDense {
	data := make([]float64, n)
	for i := range data {
		data[i] = a.rng.NormFloat64() * initScale
	}
	return mat.NewVecDense(n, data)
}

func (a *SAC) checkFinite() error {
	for _, v := range []*mat.VecDense{a.critic1, a.critic2, a.actorB, a.logStd} {
		for i := 0; i < v.Len(); i++ {
			if x := v.AtVec(i); math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("agent %s diverged", a.id)
			}
		}
	}
	if math.IsNaN(a.alpha) || math.IsInf(a.alpha, 0) {
		return fmt.Errorf("agent %s temperature diverged", a.id)
	}
	return nil
}

func clip(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
