package iot

import (
	"fmt"
	"io/fs"
	"math/rand"

	"github.com/rzbill/sharepipe/internal/codec"
)

// LoadRecipients reads the recipient list at name in fsys.
func LoadRecipients(fsys fs.FS, name string) ([]Recipient, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("recipients %s: %w", name, err)
	}
	rs, err := codec.Decode[[]Recipient](recipientsSchema, b)
	if err != nil {
		return nil, fmt.Errorf("recipients %s: %w", name, err)
	}
	return rs, nil
}

// DeviceIDs returns device-001 through device-n.
func DeviceIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("device-%03d", i+1)
	}
	return out
}

// AssignRecipients subscribes each device to between lo and hi distinct
// recipients, inclusive, chosen at random.
func AssignRecipients(rng *rand.Rand, devices []string, recipients []Recipient, lo, hi int) map[string][]Recipient {
	if lo < 0 {
		lo = 0
	}
	if hi > len(recipients) {
		hi = len(recipients)
	}
	if lo > hi {
		lo = hi
	}
	out := make(map[string][]Recipient, len(devices))
	for _, d := range devices {
		n := lo + rng.Intn(hi-lo+1)
		picked := make([]Recipient, 0, n)
		for _, i := range rng.Perm(len(recipients))[:n] {
			picked = append(picked, recipients[i])
		}
		out[d] = picked
	}
	return out
}
