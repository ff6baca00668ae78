// Package events publishes account lifecycle transitions for dashboards and audit consumers.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	DriverNone  = "none"
	DriverKafka = "kafka"
	DriverStdio = "stdio"

	DefaultTopic = "sandbox.accounts.v1"
)

const envKafkaTLS = "ACCOUNT_POOL_EVENTS_KAFKA_TLS"

// Kind identifies a lifecycle event.
type Kind string

const (
	KindLeased    Kind = "account.leased.v1"
	KindReleased  Kind = "account.released.v1"
	KindFailed    Kind = "account.failed.v1"
	KindDirty     Kind = "account.dirty.v1"
	KindReclaimed Kind = "account.reclaimed.v1"
)

type Event struct {
	Version   Kind      `json:"version"`
	EventID   string    `json:"eventId"`
	AccountID string    `json:"accountId"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
}

// New fills in the id and timestamp of an event.
func New(kind Kind, accountID, status, reason string, at time.Time) Event {
	return Event{
		Version:   kind,
		EventID:   uuid.NewString(),
		AccountID: accountID,
		Status:    status,
		At:        at.UTC(),
		Reason:    reason,
	}
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Config struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func NewPublisher(cfg Config) (Publisher, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverNone:
		return Discard{}, nil
	case DriverKafka:
		return newKafkaPublisher(cfg)
	case DriverStdio:
		return newStdioPublisher(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverNone
	}
	return v
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
func (Discard) Close() error                         { return nil }

type kafkaPublisher struct {
	writer *kafka.Writer
}

func newKafkaPublisher(cfg Config) (Publisher, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaPublisher{writer: writer}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	// Keyed by account so one account's events stay ordered within a partition.
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.AccountID), Value: payload})
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

type stdioPublisher struct {
	w io.Writer
	m sync.Mutex
}

func newStdioPublisher(cfg Config) Publisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *stdioPublisher) Close() error {
	return nil
}
