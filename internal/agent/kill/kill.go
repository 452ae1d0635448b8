// Package kill tracks whether the running job must be stopped and why.
package kill

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/ratelimit"
)

// Source is what asked for the kill
type Source string

const (
	SourceNone          Source = ""
	SourceSystemSignal  Source = "SYSTEM_SIGNAL"
	SourceServerRequest Source = "SERVER_REQUEST"
	SourceTimeout       Source = "TIMEOUT"
)

// Service records the first kill request. Later requests are ignored.
type Service struct {
	mu     sync.Mutex
	source Source
	reason string
	done   chan struct{}
}

// NewService creates a kill service with no kill requested
func NewService() *Service {
	return &Service{done: make(chan struct{})}
}

// Kill requests the job be stopped. It returns true when this call was the
// one that took effect.
func (s *Service) Kill(source Source, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != SourceNone {
		return false
	}
	s.source = source
	s.reason = reason
	close(s.done)
	log.Printf("[Kill] Kill requested (source: %s, reason: %s)", source, reason)
	return true
}

// Killed reports whether a kill was requested
func (s *Service) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source != SourceNone
}

// Source returns the source of the kill, SourceNone if not killed
func (s *Service) Source() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Reason returns the reason given with the kill
func (s *Service) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once a kill was requested
func (s *Service) Done() <-chan struct{} { return s.done }

// ListenForSignals kills with SourceSystemSignal on SIGINT or SIGTERM until
// ctx is done. The returned function stops listening.
func (s *Service) ListenForSignals(ctx context.Context) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				s.Kill(SourceSystemSignal, "received "+sig.String())
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

// HeartbeatClient is the server call the poller makes
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, jobID, token string) (*models.HeartbeatResponse, error)
}

// Poller asks the server at a fixed rate whether the job should be killed
type Poller struct {
	client   HeartbeatClient
	service  *Service
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. A zero interval means 5 seconds.
func NewPoller(client HeartbeatClient, service *Service, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{client: client, service: service, interval: interval}
}

// Start polls for jobID in the background until Stop, ctx cancellation or
// a kill. Calling Start twice has no effect.
func (p *Poller) Start(ctx context.Context, jobID, token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	limiter := ratelimit.Every(p.interval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case <-p.service.Done():
				return
			default:
			}
			resp, err := p.client.Heartbeat(ctx, jobID, token)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Kill] Heartbeat for job %s failed: %v", jobID, err)
				continue
			}
			if resp.KillRequested {
				reason := resp.KillReason
				if reason == "" {
					reason = "kill requested by server"
				}
				p.service.Kill(SourceServerRequest, reason)
				return
			}
		}
	}()
}

// Stop ends polling and waits for the loop to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
