package kill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/kestrel/pkg/models"
)

func TestFirstKillWins(t *testing.T) {
	s := NewService()
	assert.False(t, s.Killed())
	assert.Equal(t, SourceNone, s.Source())

	assert.True(t, s.Kill(SourceTimeout, "timed out"))
	assert.False(t, s.Kill(SourceSystemSignal, "ctrl-c"))

	assert.True(t, s.Killed())
	assert.Equal(t, SourceTimeout, s.Source())
	assert.Equal(t, "timed out", s.Reason())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after kill")
	}
}

func TestConcurrentKill(t *testing.T) {
	s := NewService()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Kill(SourceServerRequest, "") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestListenForSignals(t *testing.T) {
	s := NewService()
	stop := s.ListenForSignals(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not kill")
	}
	assert.Equal(t, SourceSystemSignal, s.Source())
}

type fakeHeartbeat struct {
	calls     int32
	killAfter int32
	failFirst bool
}

func (f *fakeHeartbeat) Heartbeat(_ context.Context, jobID, token string) (*models.HeartbeatResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.failFirst && n == 1 {
		return nil, errors.New("connection refused")
	}
	if n >= f.killAfter {
		return &models.HeartbeatResponse{KillRequested: true, KillReason: "user asked"}, nil
	}
	return &models.HeartbeatResponse{}, nil
}

func TestPollerKillsOnServerRequest(t *testing.T) {
	s := NewService()
	hb := &fakeHeartbeat{killAfter: 3, failFirst: true}
	p := NewPoller(hb, s, 10*time.Millisecond)
	p.Start(context.Background(), "job-1", "token")
	p.Start(context.Background(), "job-1", "token")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not kill")
	}
	p.Stop()
	assert.Equal(t, SourceServerRequest, s.Source())
	assert.Equal(t, "user asked", s.Reason())
	assert.Equal(t, int32(3), atomic.LoadInt32(&hb.calls))
}

func TestPollerStop(t *testing.T) {
	s := NewService()
	hb := &fakeHeartbeat{killAfter: 1 << 30}
	p := NewPoller(hb, s, 5*time.Millisecond)
	p.Start(context.Background(), "job-1", "token")
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	calls := atomic.LoadInt32(&hb.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&hb.calls))
	assert.False(t, s.Killed())
}
