package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/boristopalov/oprrl/pkg/agent"
	"github.com/boristopalov/oprrl/pkg/config"
	"github.com/boristopalov/oprrl/pkg/environment"
	"github.com/boristopalov/oprrl/pkg/experiment"
	"github.com/boristopalov/oprrl/pkg/memory"
	"github.com/boristopalov/oprrl/pkg/metrics"
	"github.com/boristopalov/oprrl/pkg/providers"
	"github.com/boristopalov/oprrl/pkg/reward"
)

const redisKeep = 10000

var (
	configPath string
	episodes   int
	seed       int64
	logMetrics bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oprrl",
		Short: "oprrl trains control policies against a reward model learned from ranked trajectories.",
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training session",
		RunE:  runTrain,
	}
	trainCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML experiment config")
	trainCmd.Flags().IntVar(&episodes, "episodes", 0, "override experiment.max_episodes")
	trainCmd.Flags().Int64Var(&seed, "seed", 0, "override experiment.seed")
	trainCmd.Flags().BoolVar(&logMetrics, "log", false, "enable metrics logging")

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a freshly initialised policy",
		RunE:  runEval,
	}
	evalCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML experiment config")
	evalCmd.Flags().IntVar(&episodes, "episodes", 5, "number of evaluation episodes")
	evalCmd.Flags().Int64Var(&seed, "seed", 0, "override experiment.seed")

	backendsCmd := &cobra.Command{
		Use:   "backends",
		Short: "List the registered environment backends",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range environment.Backends() {
				fmt.Println(name)
			}
		},
	}

	for _, envFile := range []string{
		".env",
		"../../.env",
		"../../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(trainCmd, evalCmd, backendsCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("episodes") {
		cfg.Experiment.MaxEpisodes = episodes
	}
	if logMetrics {
		cfg.Logging.Enabled = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	var opts []experiment.TrainerOption
	if cfg.Logging.Enabled {
		broker, err := newBroker(ctx, cfg.Logging)
		if err != nil {
			return err
		}
		defer broker.Close()
		log.Printf("Logging run %s", broker.RunID())
		opts = append(opts, experiment.WithLogger(broker))
	}

	trainer, err := newTrainer(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	if err := trainer.Run(ctx); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	history := trainer.History()
	if n := len(history.Returns); n > 0 {
		log.Printf("Finished %d episodes, last return %.2f", n, history.Returns[n-1])
	}
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if episodes <= 0 {
		return fmt.Errorf("episodes must be greater than zero, got %d", episodes)
	}

	ctx, cancel := signalContext()
	defer cancel()

	trainer, err := newTrainer(ctx, cfg)
	if err != nil {
		return err
	}
	returns, err := trainer.Evaluate(episodes)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	fmt.Printf("mean return over %d episodes: %.2f\n", len(returns), stat.Mean(returns, nil))
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.ExperimentConfig, error) {
	var cfg *config.ExperimentConfig
	if configPath == "" {
		cfg = config.Default()
		config.ApplyEnv(cfg)
	} else {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("seed") {
		cfg.Experiment.Seed = seed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on interrupt
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func newTrainer(ctx context.Context, cfg *config.ExperimentConfig, opts ...experiment.TrainerOption) (*experiment.Trainer, error) {
	env, err := environment.New(cfg.Experiment.EnvType, cfg.Env, cfg.Experiment.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}

	mem, err := memory.NewReplayMemory(cfg.SAC.ReplaySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay memory: %w", err)
	}

	oracle, err := newOracle(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rewardModel := reward.NewPreferenceModel(env.ObservationDim(), env.ActionDim(),
		reward.WithStateOnly(cfg.Reward.StateOnly),
		reward.WithLearningRate(cfg.Reward.LR),
		reward.WithPairsPerFit(cfg.Reward.PairsPerFit),
		reward.WithLogCapacity(cfg.Reward.LogCapacity),
		reward.WithOracle(oracle),
		reward.WithSeed(cfg.Experiment.Seed),
	)

	sac := agent.NewSAC(env.ObservationDim(), env.ActionDim(),
		agent.WithAgentId(fmt.Sprintf("sac-%s-%d", cfg.Experiment.EnvType, cfg.Experiment.Seed)),
		agent.WithGamma(cfg.SAC.Gamma),
		agent.WithTau(cfg.SAC.Tau),
		agent.WithLearningRate(cfg.SAC.LR),
		agent.WithAlpha(cfg.SAC.Alpha),
		agent.WithAutomaticEntropyTuning(cfg.SAC.AutomaticEntropyTuning),
		agent.WithTargetUpdateInterval(cfg.SAC.TargetUpdateInterval),
		agent.WithSeed(cfg.Experiment.Seed),
	)
	log.Printf("Created %s on %s", sac.GetID(), cfg.Experiment.EnvType)

	return experiment.NewTrainer(cfg, env, sac, rewardModel, mem, opts...), nil
}

func newOracle(ctx context.Context, cfg *config.ExperimentConfig) (reward.Oracle, error) {
	oc := cfg.Reward.Oracle
	if oc.Type != "llm" {
		return reward.ReturnOracle{}, nil
	}

	var popts []providers.ProviderOption
	if oc.APIKey != "" {
		popts = append(popts, providers.WithAPIKey(oc.APIKey))
	}
	if oc.BaseURL != "" {
		popts = append(popts, providers.WithBaseURL(oc.BaseURL))
	}
	client, err := providers.New(ctx, oc.Provider, popts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", oc.Provider, err)
	}

	task := cfg.Env.Task
	if task == "" {
		task = cfg.Experiment.Description
	}
	return reward.NewLLMOracle(client, oc.Model, task), nil
}

func newBroker(ctx context.Context, lc config.LogConfig) (*metrics.Broker, error) {
	broker := metrics.NewBroker(uuid.New().String())

	csvPath := lc.CSVPath
	if csvPath == "" && lc.SQLitePath == "" && lc.RedisAddr == "" {
		csvPath = fmt.Sprintf("metrics_%s.csv", broker.RunID())
	}
	if csvPath != "" {
		sink, err := metrics.NewCSVSink(csvPath)
		if err != nil {
			broker.Close()
			return nil, err
		}
		if err := subscribe(broker, "csv", sink); err != nil {
			broker.Close()
			return nil, err
		}
	}
	if lc.SQLitePath != "" {
		sink, err := metrics.NewSQLiteSink(lc.SQLitePath)
		if err != nil {
			broker.Close()
			return nil, err
		}
		if err := subscribe(broker, "sqlite", sink); err != nil {
			broker.Close()
			return nil, err
		}
	}
	if lc.RedisAddr != "" {
		sink, err := metrics.NewRedisSink(ctx, lc.RedisAddr, lc.RedisDB, redisKeep)
		if err != nil {
			broker.Close()
			return nil, err
		}
		if err := subscribe(broker, "redis", sink); err != nil {
			broker.Close()
			return nil, err
		}
	}
	return broker, nil
}

// subscribe attaches sink to broker, closing the sink if it cannot be attached
func subscribe(broker *metrics.Broker, name string, sink metrics.Sink) error {
	if err := broker.Subscribe(name, sink); err != nil {
		sink.Close()
		return fmt.Errorf("failed to subscribe %s sink: %w", name, err)
	}
	return nil
}
