package memory

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/boristopalov/oprrl/pkg/core"
)

var (
	ErrMemoryEmpty     = errors.New("replay memory is empty")
	ErrInvalidCapacity = errors.New("capacity must be greater than zero")
)

// ReplayMemory is a fixed-capacity ring of transitions. Once full, the
// oldest transition is overwritten.
type ReplayMemory struct {
	mu       sync.Mutex
	items    []core.Transition
	capacity int
	position int
}

func NewReplayMemory(capacity int) (*ReplayMemory, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &ReplayMemory{
		items:    make([]core.Transition, 0, capacity),
		capacity: capacity,
	}, nil
}

func (rm *ReplayMemory) Push(t core.Transition) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	t = core.Transition{
		State:     clone(t.State),
		Action:    clone(t.Action),
		Reward:    t.Reward,
		NextState: clone(t.NextState),
		Mask:      t.Mask,
	}
	if len(rm.items) < rm.capacity {
		rm.items = append(rm.items, t)
	} else {
		rm.items[rm.position] = t
	}
	rm.position = (rm.position + 1) % rm.capacity
}

// Sample draws batchSize transitions uniformly with replacement
func (rm *ReplayMemory) Sample(batchSize int, rng *rand.Rand) ([]core.Transition, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.items) == 0 {
		return nil, ErrMemoryEmpty
	}
	batch := make([]core.Transition, batchSize)
	for i := range batch {
		batch[i] = rm.items[rng.Intn(len(rm.items))]
	}
	return batch, nil
}

// Relabel recomputes the reward of every stored transition. State, action,
// next state and mask are left untouched.
func (rm *ReplayMemory) Relabel(scorer core.RewardScorer) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for i := range rm.items {
		rm.items[i].Reward = scorer.GetReward(rm.items[i].State, rm.items[i].Action)
	}
}

func (rm *ReplayMemory) Len() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.items)
}

// Items returns a copy of the stored transitions in insertion slot order
func (rm *ReplayMemory) Items() []core.Transition {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	items := make([]core.Transition, len(rm.items))
	copy(items, rm.items)
	return items
}

func clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
