package metrics

import (
	"context"
	"time"
)

const (
	KindEpisode = "episode"
	KindUpdate  = "update"
	KindReward  = "reward"
	KindEval    = "eval"
)

// Record is one structured metrics emission
type Record struct {
	RunID  string             `json:"run_id"`
	Kind   string             `json:"kind"`
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values"`
	Time   time.Time          `json:"time"`
}

// Logger accepts records from a training run
type Logger interface {
	Log(ctx context.Context, rec Record) error
}

// Sink is a Logger that owns a resource
type Sink interface {
	Logger
	Close() error
}
