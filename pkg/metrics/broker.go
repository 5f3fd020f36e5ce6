package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Broker fans records out to every subscribed sink.
// sinks is a map where keys are sink names and values are the sinks themselves
type Broker struct {
	runID string
	sinks map[string]Sink
	mu    sync.RWMutex
}

func NewBroker(runID string) *Broker {
	return &Broker{
		runID: runID,
		sinks: make(map[string]Sink),
	}
}

func (b *Broker) RunID() string {
	return b.runID
}

// Log stamps the record with the run id and time, then writes it to every sink
// in name order. The first sink error is returned.
func (b *Broker) Log(ctx context.Context, rec Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if rec.RunID == "" {
		rec.RunID = b.runID
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	names := make([]string, 0, len(b.sinks))
	for name := range b.sinks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := b.sinks[name].Log(ctx, rec); err != nil {
			return fmt.Errorf("failed to log to sink %s: %w", name, err)
		}
	}
	return nil
}

// Subscribe registers a sink under a unique name
func (b *Broker) Subscribe(name string, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sinks[name]; exists {
		return fmt.Errorf("sink %s is already subscribed", name)
	}

	b.sinks[name] = sink
	return nil
}

// Unsubscribe removes a sink without closing it
func (b *Broker) Unsubscribe(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sinks[name]; !exists {
		return fmt.Errorf("sink %s is not subscribed", name)
	}

	delete(b.sinks, name)
	return nil
}

// Close closes and removes every sink
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, sink := range b.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sink %s: %w", name, err))
		}
	}
	b.sinks = make(map[string]Sink)
	return errors.Join(errs...)
}
