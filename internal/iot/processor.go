package iot

import (
	"context"

	"github.com/rzbill/sharepipe/internal/pipeline"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/pkg/log"
)

// FilterObserver counts alerts skipped by the filter.
type FilterObserver interface {
	AlertFiltered()
}

type noopFiltered struct{}

func (noopFiltered) AlertFiltered() {}

// Processor is the terminal stage for alerts. It logs each matching alert
// and publishes nothing.
type Processor struct {
	filter *Filter
	logger log.Logger
	obs    FilterObserver
}

func NewProcessor(filter *Filter, logger log.Logger, obs FilterObserver) *Processor {
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	if obs == nil {
		obs = noopFiltered{}
	}
	return &Processor{filter: filter, logger: logger.WithComponent("iot.processor"), obs: obs}
}

// Transform implements pipeline.Transform. Undecodable alerts are returned
// as errors so the stage releases them toward the dead-letter store.
func (p *Processor) Transform(_ context.Context, rec queue.Record) ([]pipeline.Output, error) {
	alert, err := DecodeAlert(rec.Value)
	if err != nil {
		return nil, err
	}
	if !p.filter.Match(alert) {
		p.obs.AlertFiltered()
		p.logger.Debug("alert filtered", log.Str("deviceId", alert.DeviceID), log.Str("filter", p.filter.String()))
		return nil, nil
	}
	names := make([]string, 0, len(alert.Recipients))
	for _, r := range alert.Recipients {
		names = append(names, r.Name)
	}
	p.logger.Info("alert processed",
		log.Str("deviceId", alert.DeviceID),
		log.Str("alertType", string(alert.AlertType)),
		log.Str("message", alert.Message),
		log.Int64("timestamp", alert.Timestamp),
		log.F("recipients", names),
		log.Int("deliveryCount", rec.DeliveryCount))
	return nil, nil
}
