package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/anonvote/log"
)

// DefaultPruneInterval is how often expired IA state is dropped.
const DefaultPruneInterval = time.Minute

// PruneFunc removes expired records and returns how many it removed.
type PruneFunc func() (int, error)

// Pruner periodically drops expired proof references and proof sessions of
// an IA node.
type Pruner struct {
	tasks    map[string]PruneFunc
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPruner creates a Pruner running every task each interval. A zero
// interval means DefaultPruneInterval.
func NewPruner(interval time.Duration, tasks map[string]PruneFunc) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{tasks: tasks, interval: interval}
}

// PruneOnce runs every task and returns the number of removed records per
// task. Failed tasks are logged and skipped.
func (p *Pruner) PruneOnce() map[string]int {
	removed := make(map[string]int, len(p.tasks))
	for name, task := range p.tasks {
		n, err := task()
		if err != nil {
			log.Warnw("prune failed", "task", name, "error", err.Error())
			continue
		}
		removed[name] = n
		if n > 0 {
			log.Debugw("pruned expired records", "task", name, "count", n)
		}
	}
	return removed
}

// Start begins pruning. It returns an error if the service is already
// running.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PruneOnce()
			}
		}
	}()
	return nil
}

// Stop halts the pruning loop.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}
