package auditlog

import (
	"context"
	"sync"
	"time"

	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/types"
	"golang.org/x/sync/errgroup"
)

// Sink receives every newly published snapshot, e.g. to mirror it to public
// object storage.
type Sink interface {
	PublishSnapshot(ctx context.Context, snap *types.RootSnapshot) error
}

// PublisherConfig sets when roots are published. A poll is published every
// Interval if it got new leaves, and as soon as it got Every new leaves.
// Zero disables the corresponding trigger.
type PublisherConfig struct {
	Interval    time.Duration
	Every       uint64
	Concurrency int
}

// DefaultPublisherConfig publishes every minute or every 100 votes.
var DefaultPublisherConfig = PublisherConfig{
	Interval:    time.Minute,
	Every:       100,
	Concurrency: 4,
}

// Publisher publishes root snapshots of the polls that received votes.
type Publisher struct {
	log   *Log
	conf  PublisherConfig
	sinks []Sink

	mu      sync.Mutex
	pending map[string]uint64
	trigger chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher over l and hooks it to its appends.
func NewPublisher(l *Log, conf PublisherConfig, sinks ...Sink) *Publisher {
	if conf.Concurrency <= 0 {
		conf.Concurrency = DefaultPublisherConfig.Concurrency
	}
	p := &Publisher{
		log:     l,
		conf:    conf,
		sinks:   sinks,
		pending: make(map[string]uint64),
		trigger: make(chan string, 64),
	}
	l.OnAppend(p.onAppend)
	return p
}

func (p *Publisher) onAppend(pollID string, _ uint64) {
	p.mu.Lock()
	p.pending[pollID]++
	due := p.conf.Every > 0 && p.pending[pollID] >= p.conf.Every
	p.mu.Unlock()
	if due {
		select {
		case p.trigger <- pollID:
		default:
			// the next tick or trigger picks it up
		}
	}
}

// Start runs the publication loop until ctx is done or Stop is called.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var tick <-chan time.Time
		if p.conf.Interval > 0 {
			ticker := time.NewTicker(p.conf.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				if err := p.Publish(ctx, p.pendingPolls()...); err != nil {
					log.Warnw("periodic root publication failed", "error", err.Error())
				}
			case pollID := <-p.trigger:
				if err := p.Publish(ctx, pollID); err != nil {
					log.Warnw("root publication failed", "poll", pollID, "error", err.Error())
				}
			}
		}
	}()
}

// Stop stops the loop and waits for it.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Publisher) pendingPolls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	polls := make([]string, 0, len(p.pending))
	for pollID, n := range p.pending {
		if n > 0 {
			polls = append(polls, pollID)
		}
	}
	return polls
}

// Publish snapshots the given polls in parallel and hands every new
// snapshot to the sinks. It returns the first error.
func (p *Publisher) Publish(ctx context.Context, pollIDs ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.conf.Concurrency)
	for _, pollID := range pollIDs {
		g.Go(func() error {
			p.mu.Lock()
			delete(p.pending, pollID)
			p.mu.Unlock()
			snap, created, err := p.log.Snapshot(ctx, pollID)
			if err != nil {
				p.mu.Lock()
				p.pending[pollID]++
				p.mu.Unlock()
				return err
			}
			if !created {
				return nil
			}
			return p.sink(ctx, snap)
		})
	}
	return g.Wait()
}

func (p *Publisher) sink(ctx context.Context, snap *types.RootSnapshot) error {
	for _, s := range p.sinks {
		if err := s.PublishSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}
