package calls

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu     sync.Mutex
	events []*models.CallSession
}

func (o *recordingObserver) OnStateChange(_ context.Context, s *models.CallSession) {
	o.mu.Lock()
	o.events = append(o.events, s)
	o.mu.Unlock()
}

func (o *recordingObserver) statuses() []models.CallStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.CallStatus, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Status)
	}
	return out
}

type staticAvailability struct {
	available bool
	err       error
}

func (a staticAvailability) IsAvailable(context.Context, string) (bool, error) {
	return a.available, a.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

func newTestMachine(clock *fakeClock, opts ...Option) (*Machine, *MemoryStore) {
	store := NewMemoryStore()
	base := []Option{WithClock(clock.Now), WithRingTimeout(time.Hour)}
	return NewMachine(store, zap.NewNop(), append(base, opts...)...), store
}

func ring(m *Machine) (*models.CallSession, error) {
	return m.Ring(context.Background(), RingRequest{
		RequestID:      "req-1",
		OrganizationID: "org-1",
		VisitorID:      "visitor-1",
		AgentID:        "agent-1",
	})
}
