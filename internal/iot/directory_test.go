package iot

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/rzbill/sharepipe/internal/cache"
	"github.com/rzbill/sharepipe/internal/resources"
)

type countingLookups struct{ hits, misses int }

func (c *countingLookups) CacheLookup(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, []Recipient) error { return errors.New("down") }
func (failingStore) Get(context.Context, string) ([]Recipient, bool, error) {
	return nil, false, errors.New("down")
}

var (
	r1 = Recipient{Name: "r1", Email: "r1@example.com", Phone: "1", PreferredChannel: ChannelEmail}
	r2 = Recipient{Name: "r2", Email: "r2@example.com", Phone: "2", PreferredChannel: ChannelSMS}
)

func TestDirectoryLookup(t *testing.T) {
	ctx := context.Background()
	obs := &countingLookups{}
	d := NewDirectory(cache.NewLRU[[]Recipient](cache.Options{MaxEntries: 10, TTL: time.Hour}), nil, obs)
	if err := d.Subscribe(ctx, "device-1", []Recipient{r1, r2}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := d.Recipients(ctx, "device-1"); !reflect.DeepEqual(got, []Recipient{r1, r2}) {
		t.Fatalf("recipients = %+v", got)
	}
	got := d.Recipients(ctx, "device-unknown")
	if got == nil || len(got) != 0 {
		t.Fatalf("unknown device recipients = %#v", got)
	}
	if obs.hits != 1 || obs.misses != 1 {
		t.Fatalf("hits=%d misses=%d", obs.hits, obs.misses)
	}
}

func TestDirectoryExpiredEntryIsEmpty(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(cache.NewLRU[[]Recipient](cache.Options{MaxEntries: 10, TTL: 20 * time.Millisecond}), nil, nil)
	_ = d.Subscribe(ctx, "device-1", []Recipient{r1})
	time.Sleep(60 * time.Millisecond)
	if got := d.Recipients(ctx, "device-1"); len(got) != 0 {
		t.Fatalf("expired entry returned %+v", got)
	}
}

func TestDirectoryStoreFailureIsEmpty(t *testing.T) {
	d := NewDirectory(failingStore{}, nil, nil)
	got := d.Recipients(context.Background(), "device-1")
	if got == nil || len(got) != 0 {
		t.Fatalf("recipients = %#v", got)
	}
}

func TestLoadRecipientsEmbedded(t *testing.T) {
	rs, err := LoadRecipients(resources.FS(), resources.Recipients)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rs) != 8 {
		t.Fatalf("recipients = %d", len(rs))
	}
	for _, r := range rs {
		switch r.PreferredChannel {
		case ChannelEmail, ChannelSMS, ChannelPush:
		default:
			t.Fatalf("bad channel %q", r.PreferredChannel)
		}
	}
}

func TestDeviceIDs(t *testing.T) {
	ids := DeviceIDs(25)
	if len(ids) != 25 || ids[0] != "device-001" || ids[24] != "device-025" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestAssignRecipients(t *testing.T) {
	rs := []Recipient{r1, r2, {Name: "r3"}, {Name: "r4"}}
	rng := rand.New(rand.NewSource(11))
	devices := DeviceIDs(50)
	got := AssignRecipients(rng, devices, rs, 1, 2)
	if len(got) != len(devices) {
		t.Fatalf("assigned %d devices", len(got))
	}
	for d, picked := range got {
		if len(picked) < 1 || len(picked) > 2 {
			t.Fatalf("%s has %d recipients", d, len(picked))
		}
		if len(picked) == 2 && picked[0].Name == picked[1].Name {
			t.Fatalf("%s has duplicate recipients", d)
		}
	}
}
