// Package audit publishes trip lifecycle records to Kafka so dispatch history
// can be reconstructed outside the coordinating processes.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	skafka "github.com/segmentio/kafka-go"
)

var ErrNoBrokers = errors.New("at least one kafka broker is required")

// Kind names an audited transition.
type Kind string

const (
	KindTripClaimed   Kind = "trip_claimed"
	KindClaimDenied   Kind = "claim_denied"
	KindTripReleased  Kind = "trip_released"
	KindTripFinalized Kind = "trip_finalized"
	KindTripReopened  Kind = "trip_reopened"
	KindClaimsSwept   Kind = "claims_swept"
	KindScanProcessed Kind = "scan_processed"
	KindScanRejected  Kind = "scan_rejected"
)

// Record is one audit entry. Messages are keyed by TripKey so a trip's
// history stays ordered within a partition.
type Record struct {
	Kind         Kind      `json:"kind"`
	TripKey      string    `json:"tripKey,omitempty"`
	OwnerID      string    `json:"ownerId,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
	PalletNumber string    `json:"palletNumber,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Writer defines the subset of segmentio kafka.Writer we need.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Publisher writes audit records to a Kafka topic.
type Publisher struct {
	writer Writer
}

// NewPublisher creates a Publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	var w = &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: skafka.RequireOne,
	}
	return &Publisher{writer: w}, nil
}

// NewPublisherWithWriter allows injecting a test writer.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w}
}

// Publish writes rec as JSON keyed by its trip.
func (p *Publisher) Publish(ctx context.Context, rec Record) error {
	var value, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	var msg = skafka.Message{
		Key:   []byte(rec.TripKey),
		Value: value,
		Time:  rec.At,
		Headers: []skafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
