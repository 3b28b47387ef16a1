// Package queue defines the share-queue client surface used by pipeline
// stages: consumers that poll leased records and acknowledge each one, and
// producers that publish keyed records. Backends live in subpackages.
package queue

import (
	"context"
	"fmt"
	"time"
)

// AckType is the outcome a consumer reports for a record.
type AckType int

const (
	// Accept marks the record processed; it is never redelivered to the group.
	Accept AckType = iota
	// Release hands the record back for redelivery to any consumer of the group.
	Release
)

func (a AckType) String() string {
	switch a {
	case Accept:
		return "accept"
	case Release:
		return "release"
	default:
		return fmt.Sprintf("ack(%d)", int(a))
	}
}

// Record is one delivered record. ID is opaque to callers and only
// meaningful to the consumer that returned it.
type Record struct {
	Topic         string
	Key           string
	Value         []byte
	ID            string
	DeliveryCount int
	Timestamp     time.Time
}

// Consumer is a member of one share group. A consumer is used by a single
// goroutine.
type Consumer interface {
	// Subscribe joins the group on each topic.
	Subscribe(ctx context.Context, topics ...string) error
	// Poll waits up to timeout for records. An empty result is not an error.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)
	// Acknowledge reports the outcome of one record returned by Poll.
	Acknowledge(ctx context.Context, rec Record, ack AckType) error
	Close() error
}

// Producer publishes keyed records. Producers are safe for concurrent use.
type Producer interface {
	Send(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Transport creates consumers and producers against one backend.
type Transport interface {
	NewConsumer(group string) (Consumer, error)
	NewProducer(clientID string) (Producer, error)
	Close() error
}

// TransportError wraps a backend failure with the operation and topic.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
