package sharequeue

import (
	"encoding/json"
	"fmt"
)

// lease is the stored state of an in-flight record.
type lease struct {
	ConsumerID    string `json:"consumer"`
	ExpiresAtMs   int64  `json:"expires_ms"`
	DeliveryCount int    `json:"deliveries"`
	AcquiredAtMs  int64  `json:"acquired_ms"`
}

func encodeLease(l lease) ([]byte, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}
	return b, nil
}

func decodeLease(b []byte) (lease, error) {
	var l lease
	if err := json.Unmarshal(b, &l); err != nil {
		return lease{}, fmt.Errorf("unmarshal lease: %w", err)
	}
	return l, nil
}

// archived is the stored dead-letter envelope. Record holds the framed
// message exactly as it was published.
type archived struct {
	DeliveryCount int    `json:"deliveries"`
	ArchivedAtMs  int64  `json:"archived_ms"`
	Reason        string `json:"reason"`
	Record        []byte `json:"record"`
}

// DeadLetter is a record a group gave up on.
type DeadLetter struct {
	ID            string `json:"id"`
	Key           []byte `json:"key"`
	Value         []byte `json:"value"`
	PublishedMs   int64  `json:"published_ms"`
	DeliveryCount int    `json:"delivery_count"`
	ArchivedAtMs  int64  `json:"archived_at_ms"`
	Reason        string `json:"reason"`
}

// Archive reasons.
const (
	ReasonReleased = "released"
	ReasonExpired  = "lease_expired"
	ReasonCorrupt  = "corrupt"
)
