// Package notify announces settled rounds to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/dicebet/pkg/storage"
)

type Publisher interface {
	PublishRound(ctx context.Context, r storage.Round) error
	Close() error
}

// RoundSettled is the message value written for each settled round.
type RoundSettled struct {
	Event    string        `json:"event"`
	Round    storage.Round `json:"round"`
	TsUnixMs int64         `json:"tsUnixMs"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers string, topic string) *kafka.Writer {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

type KafkaPublisher struct {
	Writer MessageWriter
	Now    func() time.Time
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{Writer: w, Now: time.Now}
}

// PublishRound writes r keyed by player so one player's rounds stay ordered
// within a partition.
func (p *KafkaPublisher) PublishRound(ctx context.Context, r storage.Round) error {
	now := p.Now()
	b, err := json.Marshal(RoundSettled{Event: "round_settled", Round: r, TsUnixMs: now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strings.ToLower(r.Player.Hex())),
		Value: b,
		Time:  now,
	}
	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish round %s: %w", r.BetID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.Writer.Close() }

// Nop drops every round.
type Nop struct{}

func (Nop) PublishRound(context.Context, storage.Round) error { return nil }
func (Nop) Close() error                                    { return nil }
