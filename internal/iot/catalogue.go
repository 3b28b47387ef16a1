package iot

import (
	"fmt"
	"math/rand"
	"time"
)

// between returns an int in [lo, hi).
func between(rng *rand.Rand, lo, hi int) int { return lo + rng.Intn(hi-lo) }

// Message synthesises a random message for t. Each category has three
// templates; numeric readings are drawn from per-template ranges.
func Message(rng *rand.Rand, t AlertType) string {
	var msgs []string
	switch t {
	case Temperature:
		msgs = []string{
			fmt.Sprintf("Temperature threshold exceeded: %d°F", between(rng, 80, 120)),
			fmt.Sprintf("Critical temperature reading: %d°F", between(rng, 90, 110)),
			fmt.Sprintf("Temperature anomaly detected: %d°F", between(rng, 75, 95)),
		}
	case Humidity:
		msgs = []string{
			fmt.Sprintf("Humidity level critical: %d%%", between(rng, 80, 100)),
			fmt.Sprintf("High humidity detected: %d%%", between(rng, 70, 95)),
			fmt.Sprintf("Humidity threshold exceeded: %d%%", between(rng, 75, 90)),
		}
	case Pressure:
		msgs = []string{
			fmt.Sprintf("Pressure reading abnormal: %d PSI", between(rng, 25, 35)),
			fmt.Sprintf("Critical pressure level: %d PSI", between(rng, 20, 30)),
			fmt.Sprintf("Pressure threshold exceeded: %d PSI", between(rng, 22, 32)),
		}
	default:
		msgs = []string{
			"Motion detected in restricted area",
			"Unauthorized movement detected",
			"Motion sensor triggered",
		}
	}
	return msgs[rng.Intn(len(msgs))]
}

// NewAlert builds an alert of a random category for deviceID.
func NewAlert(rng *rand.Rand, deviceID string, recipients []Recipient, now time.Time) Alert {
	t := AlertTypes[rng.Intn(len(AlertTypes))]
	if recipients == nil {
		recipients = []Recipient{}
	}
	return Alert{
		DeviceID:   deviceID,
		Message:    Message(rng, t),
		Timestamp:  now.UnixMilli(),
		AlertType:  t,
		Recipients: recipients,
	}
}
