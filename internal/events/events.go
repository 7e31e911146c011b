// Package events publishes engine notifications (finished cycles, weekly
// champions, deactivated users) to Kafka for downstream consumers such as
// the web layer's notification feed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/scheduler"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// Event types.
const (
	TypeCycleCompleted  = "sync.cycle_completed"
	TypeTrophyAwarded   = "trophy.awarded"
	TypeUserDeactivated = "user.deactivated"
)

// Event is the envelope written to the bus.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"-"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an Event with a fresh id. key selects the partition.
func New(eventType, key string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards events. Used when no brokers are configured.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// KafkaPublisher lazily manages one writer per topic. Each event type goes
// to "<prefix>.<type>".
type KafkaPublisher struct {
	brokers []string
	prefix  string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: brokers,
		prefix:  topicPrefix,
		writers: make(map[string]*kafka.Writer),
	}
}

// Topic returns the topic an event type is written to.
func (p *KafkaPublisher) Topic(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID.String())},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	return p.writerFor(p.Topic(e.Type)).WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) writerFor(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	return w
}

// Close releases all writers.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}

// Notifier turns engine callbacks into events. Publishing is best effort:
// failures are logged and never propagate into the engine.
type Notifier struct {
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(pub Publisher, logger *zap.Logger) *Notifier {
	return &Notifier{pub: pub, timeout: 5 * time.Second, logger: logger}
}

// CycleSummary is the payload of TypeCycleCompleted.
type CycleSummary struct {
	CycleID    uuid.UUID       `json:"cycle_id"`
	Kind       string          `json:"kind"`
	State      string          `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Deferred   int             `json:"deferred"`
	Skipped    int             `json:"skipped"`
	Failures   []FailedSummary `json:"failures,omitempty"`
}

// FailedSummary identifies one failed user within a cycle.
type FailedSummary struct {
	UserID int64  `json:"user_id"`
	Kind   string `json:"kind"`
}

// CycleCompleted publishes a cycle summary.
func (n *Notifier) CycleCompleted(r *scheduler.CycleReport) {
	s := CycleSummary{
		CycleID:    r.ID,
		Kind:       string(r.Kind),
		State:      string(r.State),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Succeeded:  r.Count(scheduler.OutcomeSucceeded),
		Failed:     r.Count(scheduler.OutcomeFailed),
		Deferred:   r.Count(scheduler.OutcomeDeferred),
		Skipped:    r.Count(scheduler.OutcomeSkipped),
	}
	for _, u := range r.Users {
		if u.Outcome == scheduler.OutcomeFailed {
			s.Failures = append(s.Failures, FailedSummary{UserID: u.UserID, Kind: string(u.Kind)})
		}
	}
	n.publish(TypeCycleCompleted, r.ID.String(), s)
}

// TrophyAwarded publishes a weekly champion.
func (n *Notifier) TrophyAwarded(t leaderboard.Trophy) {
	n.publish(TypeTrophyAwarded, strconv.FormatInt(t.UserID, 10), t)
}

// UserDeactivated publishes a deactivation so the web layer can prompt the
// athlete to re-authorize.
func (n *Notifier) UserDeactivated(u *users.User, reason string) {
	n.publish(TypeUserDeactivated, strconv.FormatInt(u.ID, 10), map[string]any{
		"user_id":    u.ID,
		"athlete_id": u.AthleteID,
		"reason":     reason,
	})
}

func (n *Notifier) publish(eventType, key string, payload any) {
	e, err := New(eventType, key, payload)
	if err != nil {
		n.logger.Error("build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.pub.Publish(ctx, e); err != nil {
		n.logger.Warn("publish event",
			zap.String("type", eventType),
			zap.String("event_id", e.ID.String()),
			zap.Error(err),
		)
	}
}
