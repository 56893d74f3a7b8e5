// Package events publishes call lifecycle changes to Kafka for downstream
// consumers such as billing and reporting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// CallEvent is the message written for every applied transition.
type CallEvent struct {
	Event           string     `json:"event"`
	SessionID       string     `json:"session_id"`
	OrganizationID  string     `json:"organization_id"`
	VisitorID       string     `json:"visitor_id"`
	AgentID         string     `json:"agent_id"`
	Status          string     `json:"status"`
	RingStartedAt   time.Time  `json:"ring_started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	AnswerLatencyMS *int64     `json:"answer_latency_ms,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

// NewCallEvent builds the event for session. The reconnect token is never
// included.
func NewCallEvent(session *models.CallSession, at time.Time) CallEvent {
	ev := CallEvent{
		Event:          "call." + string(session.Status),
		SessionID:      session.SessionID,
		OrganizationID: session.OrganizationID,
		VisitorID:      session.VisitorID,
		AgentID:        session.AgentID,
		Status:         string(session.Status),
		RingStartedAt:  session.RingStartedAt,
		OccurredAt:     at,
	}
	if session.AnsweredAt.Valid {
		t := session.AnsweredAt.Time
		ev.AnsweredAt = &t
	}
	if session.EndedAt.Valid {
		t := session.EndedAt.Time
		ev.EndedAt = &t
	}
	if session.AnswerLatencyMS.Valid {
		v := session.AnswerLatencyMS.Int64
		ev.AnswerLatencyMS = &v
	}
	if session.DurationSeconds.Valid {
		v := session.DurationSeconds.Int64
		ev.DurationSeconds = &v
	}
	return ev
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	queueSize    = 1024
	writeTimeout = 5 * time.Second
)

// Publisher writes call events to a topic. With no brokers it is a no-op.
// Publishing is best-effort and asynchronous: OnStateChange only enqueues,
// a single goroutine writes in order, and a full queue drops the event.
type Publisher struct {
	writer messageWriter
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan CallEvent
	done   chan struct{}
}

// NewPublisher creates a publisher for topic on brokers.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if len(brokers) == 0 || topic == "" {
		logger.Info("call event publishing disabled")
		return &Publisher{logger: logger, now: time.Now}
	}
	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
	}, logger, queueSize)
}

func newPublisher(w messageWriter, logger *zap.Logger, size int) *Publisher {
	p := &Publisher{
		writer: w,
		logger: logger,
		now:    time.Now,
		queue:  make(chan CallEvent, size),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// OnStateChange queues session's new state. Events are keyed by session id
// so one call's events stay ordered within a partition.
func (p *Publisher) OnStateChange(_ context.Context, session *models.CallSession) {
	if p.writer == nil {
		return
	}
	ev := NewCallEvent(session, p.now())

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("call event published after close",
			zap.String("session_id", ev.SessionID),
			zap.String("status", ev.Status),
		)
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("call event queue full, dropping event",
			zap.String("session_id", ev.SessionID),
			zap.String("status", ev.Status),
		)
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := p.Publish(ctx, ev)
		cancel()
		if err != nil {
			p.logger.Warn("failed to publish call event",
				zap.String("session_id", ev.SessionID),
				zap.String("status", ev.Status),
				zap.Error(err),
			)
		}
	}
}

// Publish writes one event synchronously.
func (p *Publisher) Publish(ctx context.Context, ev CallEvent) error {
	if p.writer == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SessionID), Value: body}); err != nil {
		return fmt.Errorf("failed to write call event: %w", err)
	}
	return nil
}

// Close drains queued events and closes the writer. It is safe to call more
// than once.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
