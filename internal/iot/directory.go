package iot

import (
	"context"

	"github.com/rzbill/sharepipe/internal/cache"
	"github.com/rzbill/sharepipe/pkg/log"
)

// LookupObserver counts directory lookups.
type LookupObserver interface {
	CacheLookup(hit bool)
}

type noopLookup struct{}

func (noopLookup) CacheLookup(bool) {}

// Directory maps device IDs to subscribed recipients over a cache.Store.
type Directory struct {
	store  cache.Store[[]Recipient]
	logger log.Logger
	obs    LookupObserver
}

func NewDirectory(store cache.Store[[]Recipient], logger log.Logger, obs LookupObserver) *Directory {
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	if obs == nil {
		obs = noopLookup{}
	}
	return &Directory{store: store, logger: logger.WithComponent("iot.directory"), obs: obs}
}

// Subscribe replaces deviceID's recipients.
func (d *Directory) Subscribe(ctx context.Context, deviceID string, recipients []Recipient) error {
	return d.store.Put(ctx, deviceID, recipients)
}

// Recipients returns deviceID's recipients. Misses, expired entries and
// store failures all yield an empty, non-nil slice.
func (d *Directory) Recipients(ctx context.Context, deviceID string) []Recipient {
	rs, ok, err := d.store.Get(ctx, deviceID)
	if err != nil {
		d.logger.Warn("recipient lookup failed", log.Str("deviceId", deviceID), log.Err(err))
	}
	d.obs.CacheLookup(ok && err == nil)
	if err != nil || !ok || rs == nil {
		return []Recipient{}
	}
	return rs
}
