package environment

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/boristopalov/oprrl/pkg/config"
	"github.com/boristopalov/oprrl/pkg/core"
)

var ErrUnknownBackend = errors.New("unknown environment backend")

// Factory builds a backend from its config section and the experiment seed
type Factory func(cfg config.EnvConfig, seed int64) (core.Environment, error)

var registry = map[string]Factory{
	"cartpole": func(cfg config.EnvConfig, seed int64) (core.Environment, error) {
		return NewCartPole(rand.New(rand.NewSource(seed))), nil
	},
	"reach": func(cfg config.EnvConfig, seed int64) (core.Environment, error) {
		return NewPointMass(rand.New(rand.NewSource(seed)), floatOption(cfg.Config, "goal_radius", defaultGoalRadius), true), nil
	},
	"pointgoal": func(cfg config.EnvConfig, seed int64) (core.Environment, error) {
		return NewPointMass(rand.New(rand.NewSource(seed)), floatOption(cfg.Config, "goal_radius", defaultGoalRadius), false), nil
	},
}

// Backends returns the registered backend names in sorted order
func Backends() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named backend. Unknown names fail before any training state exists.
func New(name string, cfg config.EnvConfig, seed int64) (core.Environment, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q, available: %s", ErrUnknownBackend, name, strings.Join(Backends(), "/"))
	}
	env, err := factory(cfg, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s environment: %w", name, err)
	}
	return env, nil
}

func floatOption(opts map[string]any, key string, fallback float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func uniformAction(rng *rand.Rand, dim int) []float64 {
	action := make([]float64, dim)
	for i := range action {
		action[i] = rng.Float64()*2 - 1
	}
	return action
}
