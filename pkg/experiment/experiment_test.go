package experiment

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/boristopalov/oprrl/pkg/core"
	"github.com/boristopalov/oprrl/pkg/metrics"
	"github.com/google/go-cmp/cmp"
)

func TestPhaseOf(t *testing.T) {
	tests := []struct {
		episode, start, pretrain int
		want                     Phase
	}{
		{1, 5, 0, Warmup},
		{5, 5, 0, Warmup},
		{6, 5, 0, Main},
		{6, 5, 3, Pretrain},
		{8, 5, 3, Pretrain},
		{9, 5, 3, Main},
		{1, 0, 0, Main},
	}
	for _, tt := range tests {
		if got := PhaseOf(tt.episode, tt.start, tt.pretrain); got != tt.want {
			t.Errorf("PhaseOf(%d, %d, %d) = %v, want %v", tt.episode, tt.start, tt.pretrain, got, tt.want)
		}
	}
}

func TestFrequency(t *testing.T) {
	if converged(8) || !converged(9) {
		t.Fatalf("converged(8)=%v converged(9)=%v, want false and true", converged(8), converged(9))
	}

	trainer := NewTrainer(testConfig(), &MockEnv{}, &MockAgent{}, &MockReward{}, newMemory(10))
	want := Frequency{Mode: Exploratory, LearnFrequency: 3, RankBatch: 2}
	if diff := cmp.Diff(want, trainer.State().Frequency); diff != "" {
		t.Fatalf("initial frequency mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 8; i++ {
		trainer.advanceFrequency(150)
		// returns at the threshold do not count
		trainer.advanceFrequency(100)
	}
	if s := trainer.State(); s.Frequency.Mode != Exploratory || s.Reach != 8 {
		t.Fatalf("after 8 qualifying episodes: mode %v reach %d", s.Frequency.Mode, s.Reach)
	}

	trainer.advanceFrequency(150)
	want = Frequency{Mode: Converged, LearnFrequency: 4, RankBatch: 7}
	if diff := cmp.Diff(want, trainer.State().Frequency); diff != "" {
		t.Fatalf("frequency after 9th qualifying episode (-want +got):\n%s", diff)
	}

	// the flip is one-way
	for _, r := range []float64{0, -50, 150} {
		trainer.advanceFrequency(r)
		if s := trainer.State(); s.Frequency.Mode != Converged || s.Reach != 9 {
			t.Errorf("after return %v: mode %v reach %d", r, s.Frequency.Mode, s.Reach)
		}
	}
}

func TestLearnReward(t *testing.T) {
	tests := []struct {
		name       string
		rankCount  int
		num        int
		earlyBreak bool
		accs       []float64
		wantFits   int
		wantAcc    float64
	}{
		{"few rankings fit once", 3, 8, false, nil, 1, 0.5},
		{"few rankings ignore budget", 4, 20, true, []float64{0.99}, 1, 0.99},
		{"early break on high accuracy", 5, 5, true, []float64{0.5, 0.99, 0.2}, 2, 0.745},
		{"no early break runs full budget", 5, 5, false, []float64{0.5, 0.99, 0.2}, 5, 0.418},
		{"threshold is strict", 6, 3, true, []float64{0.97}, 3, 0.97},
		{"empty budget", 5, 0, true, nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reward := &MockReward{accs: tt.accs}
			trainer := NewTrainer(testConfig(), &MockEnv{}, &MockAgent{}, reward, newMemory(10))
			trainer.state.RankCount = tt.rankCount

			acc, err := trainer.learnReward(tt.num, tt.earlyBreak, false)
			if err != nil {
				t.Fatalf("Failed to learn reward: %v", err)
			}
			if reward.fits != tt.wantFits {
				t.Errorf("fit calls = %d, want %d", reward.fits, tt.wantFits)
			}
			if math.Abs(acc-tt.wantAcc) > 1e-9 {
				t.Errorf("mean accuracy = %v, want %v", acc, tt.wantAcc)
			}
		})
	}
}

func TestRelabelConsistency(t *testing.T) {
	t.Run("relabel after refit", func(t *testing.T) {
		mem := newMemory(50)
		fill(mem, 20)
		reward := &MockReward{}
		trainer := NewTrainer(testConfig(), &MockEnv{}, &MockAgent{}, reward, mem)

		if _, err := trainer.learnReward(8, false, true); err != nil {
			t.Fatalf("Failed to learn reward: %v", err)
		}
		for i, tr := range mem.Items() {
			if want := reward.GetReward(tr.State, tr.Action); tr.Reward != want {
				t.Errorf("item %d reward = %v, want %v", i, tr.Reward, want)
			}
		}
	})

	t.Run("no relabel keeps old labels", func(t *testing.T) {
		mem := newMemory(50)
		fill(mem, 5)
		trainer := NewTrainer(testConfig(), &MockEnv{}, &MockAgent{}, &MockReward{}, mem)

		if _, err := trainer.learnReward(8, false, false); err != nil {
			t.Fatalf("Failed to learn reward: %v", err)
		}
		for i, tr := range mem.Items() {
			if tr.Reward != 0 {
				t.Errorf("item %d relabelled to %v", i, tr.Reward)
			}
		}
	})
}

func TestMask(t *testing.T) {
	cfg := testConfig()
	cfg.Experiment.MaxEpisodes = 4
	cfg.SAC.BatchSize = 1000
	cfg.Reward.LearnRewardFrequency1 = 1000

	// episode 1 terminates early, 2 is truncated, 3 terminates exactly at the budget
	env := &MockEnv{doneAt: func(e int) int { return []int{0, 4, 0, 10}[e] }}
	reward := &MockReward{}
	mem := newMemory(100)
	trainer := NewTrainer(cfg, env, &MockAgent{}, reward, mem)
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("Failed to run: %v", err)
	}

	var masks []float64
	for _, tr := range mem.Items() {
		masks = append(masks, tr.Mask)
	}
	wantMasks := []float64{1, 1, 1, 0}
	for i := 0; i < 20; i++ {
		wantMasks = append(wantMasks, 1)
	}
	if diff := cmp.Diff(wantMasks, masks); diff != "" {
		t.Errorf("masks mismatch (-want +got):\n%s", diff)
	}

	var ends []int
	for i, done := range reward.dones {
		if done {
			ends = append(ends, i)
		}
	}
	if diff := cmp.Diff([]int{3, 13, 23}, ends); diff != "" {
		t.Errorf("trajectory ends mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 10, 10}, trainer.History().EpisodeLengths); diff != "" {
		t.Errorf("episode lengths mismatch (-want +got):\n%s", diff)
	}
}

func TestScenario(t *testing.T) {
	cfg := testConfig()
	env := &MockEnv{reward: func(e int) float64 {
		if e <= 5 {
			return 0
		}
		return 11
	}}
	agent := &MockAgent{}
	reward := &MockReward{}
	trainer := NewTrainer(cfg, env, agent, reward, newMemory(10000))

	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("Failed to run: %v", err)
	}

	state := trainer.State()
	if state.Episode != 29 || state.TotalSteps != 290 {
		t.Errorf("stopped at episode %d after %d steps, want 29 and 290", state.Episode, state.TotalSteps)
	}
	if env.sampleCalls != 50 || agent.selectCalls != 240 {
		t.Errorf("random actions %d, policy actions %d, want 50 and 240", env.sampleCalls, agent.selectCalls)
	}

	// qualifying episodes 6..14, the 9th flips the schedule on episode 14
	if state.Reach != 9 || state.Frequency.Mode != Converged {
		t.Errorf("reach %d mode %v, want 9 and converged", state.Reach, state.Frequency.Mode)
	}

	wantRanks := []rankCall{
		{3, 2}, {6, 2}, {9, 2}, {12, 2},
		{16, 7}, {20, 7}, {24, 7}, {28, 7},
	}
	if diff := cmp.Diff(wantRanks, reward.rankCalls, cmp.AllowUnexported(rankCall{})); diff != "" {
		t.Errorf("rank calls mismatch (-want +got):\n%s", diff)
	}
	if state.RankCount != 8 || state.RankNum != 36 {
		t.Errorf("rank count %d rank num %d, want 8 and 36", state.RankCount, state.RankNum)
	}

	// four single-step refits, then budgets of 5, 6, 7 and 8 without early break
	if reward.fits != 30 {
		t.Errorf("fit calls = %d, want 30", reward.fits)
	}

	// updates start once the memory holds more than 16 transitions
	if agent.updateCalls != 273 || agent.pretrainCalls != 0 || state.Updates != 273 {
		t.Errorf("updates %d pretrain %d counter %d, want 273, 0, 273",
			agent.updateCalls, agent.pretrainCalls, state.Updates)
	}
	if agent.resetActor != 0 || agent.resetCritic != 0 || state.PretrainExited {
		t.Error("pretrain exit fired without a pretrain phase")
	}

	history := trainer.History()
	if len(history.Returns) != 29 || history.Returns[4] != 0 || history.Returns[5] != 110 {
		t.Errorf("unexpected returns history: %v", history.Returns)
	}
}

func TestRankingCeiling(t *testing.T) {
	tests := []struct {
		name      string
		rankBatch int
		wantCalls int
		wantNum   int
	}{
		// 3 ranked is under the ceiling, 6 is past it
		{"stops once past the ceiling", 3, 2, 6},
		// 5 ranked sits on the ceiling and still ranks once more
		{"ranks again on the ceiling", 5, 2, 10},
		{"ranks until the pool passes the ceiling", 2, 3, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Experiment.MaxEpisodes = 10
			cfg.SAC.BatchSize = 1000
			cfg.Reward.LearnRewardFrequency1 = 1
			cfg.Reward.NumToRank1 = tt.rankBatch
			cfg.Reward.MaxRankNum = 5

			reward := &MockReward{}
			trainer := NewTrainer(cfg, &MockEnv{}, &MockAgent{}, reward, newMemory(1000))
			if err := trainer.Run(context.Background()); err != nil {
				t.Fatalf("Failed to run: %v", err)
			}

			if len(reward.rankCalls) != tt.wantCalls {
				t.Errorf("rank calls = %d, want %d", len(reward.rankCalls), tt.wantCalls)
			}
			if s := trainer.State(); s.RankNum != tt.wantNum || s.RankCount != tt.wantCalls {
				t.Errorf("rank num %d rank count %d, want %d and %d", s.RankNum, s.RankCount, tt.wantNum, tt.wantCalls)
			}
		})
	}
}

func TestRefitSchedule(t *testing.T) {
	tests := []struct {
		name     string
		mode     FrequencyMode
		acc      float64
		wantFits int
	}{
		{"exploratory runs every refit", Exploratory, 0.99, 8},
		{"exploratory with low accuracy", Exploratory, 0.5, 8},
		{"converged stops on high accuracy", Converged, 0.99, 1},
		{"converged runs the rank count", Converged, 0.5, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			rec := &recorder{}
			reward := &MockReward{rec: rec, accs: []float64{tt.acc}}
			mem := recordingMemory{ReplayMemory: newMemory(100), rec: rec}
			trainer := NewTrainer(cfg, &MockEnv{}, &MockAgent{rec: rec}, reward, mem)

			// episode 12 is a learning episode under both schedules
			trainer.state.Episode = 12
			trainer.state.RankCount = 5
			if tt.mode == Converged {
				trainer.state.Frequency = convergedFrequency(cfg.Reward)
			}
			if err := trainer.schedule(context.Background(), 0); err != nil {
				t.Fatalf("Failed to schedule: %v", err)
			}

			want := []string{"rank"}
			for i := 0; i < tt.wantFits; i++ {
				want = append(want, "learn")
			}
			want = append(want, "relabel")
			if diff := cmp.Diff(want, rec.events); diff != "" {
				t.Errorf("refit events mismatch (-want +got):\n%s", diff)
			}
			if s := trainer.State(); s.RankCount != 6 {
				t.Errorf("rank count = %d, want 6", s.RankCount)
			}
		})
	}
}

func TestScheduledRelabel(t *testing.T) {
	cfg := testConfig()
	env := &MockEnv{reward: func(e int) float64 {
		if e <= 5 {
			return 0
		}
		return 11
	}}
	rec := &recorder{}
	reward := &MockReward{rec: rec}
	mem := recordingMemory{ReplayMemory: newMemory(10000), rec: rec}
	trainer := NewTrainer(cfg, env, &MockAgent{rec: rec}, reward, mem)
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("Failed to run: %v", err)
	}

	// every ranking is followed by its fits and a relabel before training resumes
	var ranks, relabels int
	for i, e := range rec.events {
		switch e {
		case "relabel":
			relabels++
		case "rank":
			ranks++
			j := i + 1
			for j < len(rec.events) && rec.events[j] == "learn" {
				j++
			}
			if j == i+1 {
				t.Errorf("rank at event %d not followed by a fit", i)
			}
			if j >= len(rec.events) || rec.events[j] != "relabel" {
				t.Errorf("rank at event %d not followed by a relabel", i)
			}
		}
	}
	if ranks != 8 || relabels != 8 {
		t.Errorf("ranks %d relabels %d, want 8 and 8", ranks, relabels)
	}

	// stored labels agree with the final reward model
	for i, tr := range mem.Items() {
		if want := reward.GetReward(tr.State, tr.Action); tr.Reward != want {
			t.Fatalf("item %d reward = %v, want %v", i, tr.Reward, want)
		}
	}
}

func TestPretrainExit(t *testing.T) {
	t.Run("reset and burst run once in order", func(t *testing.T) {
		cfg := testConfig()
		cfg.Experiment.MaxEpisodes = 10
		cfg.SAC.StartEpisodes = 2
		cfg.SAC.PretrainEpisodes = 3
		cfg.SAC.BatchSize = 1000
		cfg.Reward.LearnRewardFrequency1 = 1000

		rec := &recorder{}
		agent := &MockAgent{rec: rec}
		mem := recordingMemory{ReplayMemory: newMemory(1000), rec: rec}
		trainer := NewTrainer(cfg, &MockEnv{}, agent, &MockReward{rec: rec}, mem)
		if err := trainer.Run(context.Background()); err != nil {
			t.Fatalf("Failed to run: %v", err)
		}

		var want []string
		for i := 0; i < 10; i++ {
			want = append(want, "learn")
		}
		want = append(want, "relabel", "reset_critic", "reset_actor")
		for i := 0; i < 100; i++ {
			want = append(want, "update")
		}
		if diff := cmp.Diff(want, rec.events); diff != "" {
			t.Errorf("event order mismatch (-want +got):\n%s", diff)
		}
		if !trainer.State().PretrainExited {
			t.Error("PretrainExited not set")
		}
	})

	t.Run("burst does not advance the update counter", func(t *testing.T) {
		cfg := testConfig()
		cfg.Experiment.MaxEpisodes = 8
		cfg.SAC.StartEpisodes = 2
		cfg.SAC.PretrainEpisodes = 3
		cfg.Reward.LearnRewardFrequency1 = 1000

		agent := &MockAgent{}
		trainer := NewTrainer(cfg, &MockEnv{}, agent, &MockReward{}, newMemory(1000))
		if err := trainer.Run(context.Background()); err != nil {
			t.Fatalf("Failed to run: %v", err)
		}

		// steps 18..50 use the pretrain rule, 51..70 the main rule
		if agent.pretrainCalls != 33 || agent.updateCalls != 120 {
			t.Errorf("pretrain calls %d, main calls %d, want 33 and 120", agent.pretrainCalls, agent.updateCalls)
		}
		for i, idx := range agent.updateIndices[:100] {
			if idx != 33 {
				t.Fatalf("burst update %d got index %d, want 33", i, idx)
			}
		}
		if agent.updateIndices[100] != 33 || agent.updateIndices[119] != 52 {
			t.Errorf("main updates indexed %d..%d, want 33..52", agent.updateIndices[100], agent.updateIndices[119])
		}
		if s := trainer.State(); s.Updates != 53 {
			t.Errorf("update counter = %d, want 53", s.Updates)
		}
		if agent.resetActor != 1 || agent.resetCritic != 1 {
			t.Errorf("resets actor %d critic %d, want 1 and 1", agent.resetActor, agent.resetCritic)
		}
	})
}

func TestLogging(t *testing.T) {
	t.Run("episode and update records", func(t *testing.T) {
		cfg := testConfig()
		cfg.Experiment.MaxEpisodes = 5
		logger := &MockLogger{}
		trainer := NewTrainer(cfg, &MockEnv{}, &MockAgent{}, &MockReward{}, newMemory(100), WithLogger(logger))
		if err := trainer.Run(context.Background()); err != nil {
			t.Fatalf("Failed to run: %v", err)
		}

		updates := logger.kind(metrics.KindUpdate)
		if len(updates) != 23 {
			t.Fatalf("update records = %d, want 23", len(updates))
		}
		wantValues := map[string]float64{"critic_1_loss": 1, "critic_2_loss": 2, "policy_loss": 3}
		if diff := cmp.Diff(wantValues, updates[0].Values); diff != "" {
			t.Errorf("update values mismatch (-want +got):\n%s", diff)
		}
		if updates[0].Step != 1 || updates[22].Step != 23 {
			t.Errorf("update steps %d..%d, want 1..23", updates[0].Step, updates[22].Step)
		}

		episodes := logger.kind(metrics.KindEpisode)
		if len(episodes) != 4 {
			t.Fatalf("episode records = %d, want 4", len(episodes))
		}
		if _, ok := episodes[0].Values["success_rate"]; ok {
			t.Error("success_rate logged for a backend without success signal")
		}
		if episodes[3].Values["i_episode"] != 4 || episodes[3].Values["episode_steps"] != 10 {
			t.Errorf("unexpected episode values: %v", episodes[3].Values)
		}

		rewards := logger.kind(metrics.KindReward)
		if len(rewards) != 1 || rewards[0].Values["rank_count"] != 1 {
			t.Errorf("reward records: %+v", rewards)
		}
	})

	t.Run("success rate from early termination", func(t *testing.T) {
		cfg := testConfig()
		cfg.Experiment.MaxEpisodes = 5
		logger := &MockLogger{}
		env := &MockEnv{
			mode: core.SuccessEarlyTermination,
			doneAt: func(e int) int {
				if e%2 == 1 {
					return 3
				}
				return 0
			},
		}
		trainer := NewTrainer(cfg, env, &MockAgent{}, &MockReward{}, newMemory(100), WithLogger(logger))
		if err := trainer.Run(context.Background()); err != nil {
			t.Fatalf("Failed to run: %v", err)
		}

		var rates []float64
		for _, r := range logger.kind(metrics.KindEpisode) {
			rates = append(rates, math.Round(r.Values["success_rate"]*1000)/1000)
		}
		if diff := cmp.Diff([]float64{1, 0.5, 0.667, 0.5}, rates); diff != "" {
			t.Errorf("success rates mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("success rate from info flag", func(t *testing.T) {
		cfg := testConfig()
		cfg.Experiment.MaxEpisodes = 3
		logger := &MockLogger{}
		env := &MockEnv{mode: core.SuccessInfo, successAt: 2}
		trainer := NewTrainer(cfg, env, &MockAgent{}, &MockReward{}, newMemory(100), WithLogger(logger))
		if err := trainer.Run(context.Background()); err != nil {
			t.Fatalf("Failed to run: %v", err)
		}
		for _, r := range logger.kind(metrics.KindEpisode) {
			if r.Values["success_rate"] != 1 {
				t.Errorf("success_rate = %v, want 1", r.Values["success_rate"])
			}
		}
	})

	t.Run("logger errors halt the run", func(t *testing.T) {
		boom := errors.New("sink down")
		trainer := NewTrainer(testConfig(), &MockEnv{}, &MockAgent{}, &MockReward{}, newMemory(100), WithLogger(&MockLogger{err: boom}))
		if err := trainer.Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want wrapped %v", err, boom)
		}
	})
}

func TestEvaluate(t *testing.T) {
	t.Run("evaluation leaves training state alone", func(t *testing.T) {
		cfg := testConfig()
		cfg.Env.Render = true
		env := &MockEnv{reward: func(int) float64 { return 1 }, doneAt: func(e int) int { return e * 3 }}
		agent := &MockAgent{}
		reward := &MockReward{}
		mem := newMemory(100)
		trainer := NewTrainer(cfg, env, agent, reward, mem)

		before := trainer.State()
		returns, err := trainer.Evaluate(4)
		if err != nil {
			t.Fatalf("Failed to evaluate: %v", err)
		}
		// episodes end after 3, 6 and 9 steps, the 4th is truncated at 10
		if diff := cmp.Diff([]float64{3, 6, 9, 10}, returns); diff != "" {
			t.Errorf("returns mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(before, trainer.State()); diff != "" {
			t.Errorf("state changed (-before +after):\n%s", diff)
		}
		if mem.Len() != 0 || len(reward.dones) != 0 {
			t.Error("evaluation touched the replay memory or the reward model")
		}
		if agent.evalCalls != 28 || agent.selectCalls != 0 {
			t.Errorf("eval actions %d exploring actions %d, want 28 and 0", agent.evalCalls, agent.selectCalls)
		}
		if env.renders != 28 {
			t.Errorf("renders = %d, want 28", env.renders)
		}
	})

	t.Run("periodic evaluation is logged", func(t *testing.T) {
		cfg := testConfig()
		cfg.Experiment.MaxEpisodes = 12
		cfg.SAC.Eval = true
		cfg.SAC.EvalPerEpisode = 5
		cfg.SAC.EvalEpisodes = 2
		logger := &MockLogger{}
		agent := &MockAgent{}
		env := &MockEnv{reward: func(int) float64 { return 0.5 }}
		trainer := NewTrainer(cfg, env, agent, &MockReward{}, newMemory(1000), WithLogger(logger))
		if err := trainer.Run(context.Background()); err != nil {
			t.Fatalf("Failed to run: %v", err)
		}

		evals := logger.kind(metrics.KindEval)
		if len(evals) != 2 || evals[0].Step != 5 || evals[1].Step != 10 {
			t.Fatalf("eval records: %+v", evals)
		}
		if evals[0].Values["eval_reward"] != 5 {
			t.Errorf("eval_reward = %v, want 5", evals[0].Values["eval_reward"])
		}
		if agent.evalCalls != 40 {
			t.Errorf("eval actions = %d, want 40", agent.evalCalls)
		}
	})
}

func TestRunErrors(t *testing.T) {
	t.Run("environment errors propagate", func(t *testing.T) {
		boom := errors.New("simulator crashed")
		trainer := NewTrainer(testConfig(), &MockEnv{stepErr: boom}, &MockAgent{}, &MockReward{}, newMemory(10))
		if err := trainer.Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want wrapped %v", err, boom)
		}
		status := trainer.Status()
		if status.Running || status.EndTime.IsZero() || status.Episode != 1 {
			t.Errorf("unexpected status after failure: %+v", status)
		}
	})

	t.Run("agent errors propagate", func(t *testing.T) {
		boom := errors.New("nan loss")
		trainer := NewTrainer(testConfig(), &MockEnv{}, &MockAgent{err: boom}, &MockReward{}, newMemory(100))
		if err := trainer.Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want wrapped %v", err, boom)
		}
		if s := trainer.State(); s.Episode != 2 || s.Updates != 0 {
			t.Errorf("failed at episode %d with %d updates, want 2 and 0", s.Episode, s.Updates)
		}
	})
}
