package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type ExperimentConfig struct {
	Experiment ExperimentParams `yaml:"experiment"`
	SAC        SACConfig        `yaml:"sac"`
	Reward     RewardConfig     `yaml:"reward"`
	Env        EnvConfig        `yaml:"env"`
	Logging    LogConfig        `yaml:"logging"`
}

type ExperimentParams struct {
	Description      string  `yaml:"description"`
	EnvType          string  `yaml:"env_type"`
	EpisodeLen       int     `yaml:"episode_len"`
	MaxEpisodes      int     `yaml:"max_episodes"`
	Seed             int64   `yaml:"seed"`
	ChangeFlagReward float64 `yaml:"change_flag_reward"`
}

type SACConfig struct {
	ReplaySize             int     `yaml:"replay_size"`
	BatchSize              int     `yaml:"batch_size"`
	UpdatesPerStep         int     `yaml:"updates_per_step"`
	StartEpisodes          int     `yaml:"start_episodes"`
	PretrainEpisodes       int     `yaml:"pretrain_episodes"`
	Eval                   bool    `yaml:"eval"`
	EvalPerEpisode         int     `yaml:"eval_per_episode"`
	EvalEpisodes           int     `yaml:"eval_episodes"`
	Gamma                  float64 `yaml:"gamma"`
	Tau                    float64 `yaml:"tau"`
	LR                     float64 `yaml:"lr"`
	Alpha                  float64 `yaml:"alpha"`
	AutomaticEntropyTuning bool    `yaml:"automatic_entropy_tuning"`
	TargetUpdateInterval   int     `yaml:"target_update_interval"`
}

type RewardConfig struct {
	LearnRewardFrequency1 int          `yaml:"learn_reward_frequency_1"`
	NumToRank1            int          `yaml:"num_to_rank_1"`
	LearnRewardFrequency  int          `yaml:"learn_reward_frequency"`
	NumToRank             int          `yaml:"num_to_rank"`
	MaxRankNum            int          `yaml:"max_rank_num"`
	StateOnly             bool         `yaml:"state_only"`
	LR                    float64      `yaml:"lr"`
	PairsPerFit           int          `yaml:"pairs_per_fit"`
	LogCapacity           int          `yaml:"log_capacity"`
	Oracle                OracleConfig `yaml:"oracle"`
}

// OracleConfig selects who orders trajectories when ranking.
// Type is "return" (true environment return) or "llm".
type OracleConfig struct {
	Type     string `yaml:"type"`
	Provider string `yaml:"provider"` // "openai" or "gemini"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

type EnvConfig struct {
	Task   string         `yaml:"task"`
	Render bool           `yaml:"render"`
	Config map[string]any `yaml:"config"`
}

type LogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CSVPath    string `yaml:"csv_path"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
}

// Default returns the configuration used when a field is absent from the YAML file
func Default() *ExperimentConfig {
	return &ExperimentConfig{
		Experiment: ExperimentParams{
			Description:      "cartpole with learned reward",
			EnvType:          "cartpole",
			EpisodeLen:       250,
			MaxEpisodes:      500,
			Seed:             1,
			ChangeFlagReward: 200,
		},
		SAC: SACConfig{
			ReplaySize:             100000,
			BatchSize:              256,
			UpdatesPerStep:         1,
			StartEpisodes:          10,
			PretrainEpisodes:       0,
			Eval:                   false,
			EvalPerEpisode:         20,
			EvalEpisodes:           5,
			Gamma:                  0.99,
			Tau:                    0.005,
			LR:                     3e-4,
			Alpha:                  0.2,
			AutomaticEntropyTuning: true,
			TargetUpdateInterval:   1,
		},
		Reward: RewardConfig{
			LearnRewardFrequency1: 5,
			NumToRank1:            5,
			LearnRewardFrequency:  20,
			NumToRank:             10,
			MaxRankNum:            1000,
			LR:                    0.1,
			PairsPerFit:           64,
			LogCapacity:           1000,
			Oracle:                OracleConfig{Type: "return"},
		},
		Env: EnvConfig{
			Config: make(map[string]any),
		},
	}
}

// Load reads a YAML config file on top of Default and validates the result
func Load(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills credentials and sink locations left empty in the file from the
// environment, and picks a default judge model per provider
func ApplyEnv(cfg *ExperimentConfig) {
	oracle := &cfg.Reward.Oracle
	if oracle.APIKey == "" {
		switch oracle.Provider {
		case "gemini":
			oracle.APIKey = os.Getenv("GEMINI_API_KEY")
		default:
			oracle.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if oracle.Model == "" && oracle.Type == "llm" {
		switch oracle.Provider {
		case "gemini":
			oracle.Model = "gemini-2.0-flash-exp"
		default:
			oracle.Model = "gpt-4o-mini"
		}
	}
	if oracle.BaseURL == "" && oracle.Provider != "gemini" {
		oracle.BaseURL = os.Getenv("OPENAI_API_BASE_URL")
	}
	if cfg.Logging.RedisAddr == "" {
		cfg.Logging.RedisAddr = os.Getenv("OPRRL_REDIS_ADDR")
	}
	if cfg.Logging.SQLitePath == "" {
		cfg.Logging.SQLitePath = os.Getenv("OPRRL_SQLITE_PATH")
	}
}

func (c *ExperimentConfig) Validate() error {
	positive := map[string]int{
		"experiment.episode_len":          c.Experiment.EpisodeLen,
		"experiment.max_episodes":         c.Experiment.MaxEpisodes,
		"sac.replay_size":                 c.SAC.ReplaySize,
		"sac.batch_size":                  c.SAC.BatchSize,
		"sac.updates_per_step":            c.SAC.UpdatesPerStep,
		"reward.learn_reward_frequency_1": c.Reward.LearnRewardFrequency1,
		"reward.learn_reward_frequency":   c.Reward.LearnRewardFrequency,
		"reward.num_to_rank_1":            c.Reward.NumToRank1,
		"reward.num_to_rank":              c.Reward.NumToRank,
		"reward.pairs_per_fit":            c.Reward.PairsPerFit,
		"reward.log_capacity":             c.Reward.LogCapacity,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be greater than zero, got %d", ErrInvalidConfig, name, v)
		}
	}
	if c.SAC.StartEpisodes < 0 || c.SAC.PretrainEpisodes < 0 {
		return fmt.Errorf("%w: start_episodes and pretrain_episodes must not be negative", ErrInvalidConfig)
	}
	if c.SAC.Eval && (c.SAC.EvalPerEpisode <= 0 || c.SAC.EvalEpisodes <= 0) {
		return fmt.Errorf("%w: eval_per_episode and eval_episodes must be positive when eval is on", ErrInvalidConfig)
	}
	switch c.Reward.Oracle.Type {
	case "return":
	case "llm":
		if c.Reward.Oracle.Provider != "openai" && c.Reward.Oracle.Provider != "gemini" {
			return fmt.Errorf("%w: unknown oracle provider %q, available: openai/gemini", ErrInvalidConfig, c.Reward.Oracle.Provider)
		}
	default:
		return fmt.Errorf("%w: unknown oracle type %q, available: return/llm", ErrInvalidConfig, c.Reward.Oracle.Type)
	}
	return nil
}
