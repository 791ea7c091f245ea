package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/log"
)

// PublisherService runs the periodic root publication of a PO node and
// mirrors new roots to the configured sinks.
type PublisherService struct {
	Publisher *auditlog.Publisher
	mu        sync.Mutex
	running   bool
}

// NewPublisher creates a PublisherService over the audit log.
func NewPublisher(audit *auditlog.Log, conf auditlog.PublisherConfig, sinks ...auditlog.Sink) *PublisherService {
	return &PublisherService{Publisher: auditlog.NewPublisher(audit, conf, sinks...)}
}

// Start begins publishing. It returns an error if the service is already
// running.
func (ps *PublisherService) Start(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.running {
		return fmt.Errorf("service already running")
	}
	ps.Publisher.Start(ctx)
	ps.running = true
	log.Infow("root publisher started")
	return nil
}

// Stop halts the publication loop and waits for the current round.
func (ps *PublisherService) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.running {
		return
	}
	ps.Publisher.Stop()
	ps.running = false
}
