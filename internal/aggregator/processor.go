package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/metrics"
	"github.com/rickgao/energy-pipeline/internal/mirror"
	"github.com/rickgao/energy-pipeline/internal/model"
)

// Store persists measurements and hourly totals. *store.Store implements it.
type Store interface {
	UpsertMeasurement(ctx context.Context, m model.Measurement) error
	UpsertHourly(ctx context.Context, deviceID int64, start, end time.Time, interval time.Duration) (model.HourlyAggregate, error)
}

// DeviceLookup resolves device metadata from the mirror.
type DeviceLookup interface {
	Device(ctx context.Context, id int64) (model.DeviceRef, error)
}

// Processor applies the per-measurement algorithm.
type Processor struct {
	store      Store
	devices    DeviceLookup
	publisher  broker.Publisher
	suppressor *Suppressor
	interval   time.Duration
	metrics    *metrics.Aggregator
	logger     *slog.Logger
	now        func() time.Time
}

// NewProcessor creates a Processor. interval is the source's sampling
// period used to convert power readings into energy. A nil m registers
// metrics on a private registry.
func NewProcessor(st Store, devices DeviceLookup, pub broker.Publisher, sup *Suppressor, interval time.Duration, m *metrics.Aggregator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewAggregator(prometheus.NewRegistry())
	}
	return &Processor{
		store:      st,
		devices:    devices,
		publisher:  pub,
		suppressor: sup,
		interval:   interval,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Handler returns the broker handler for one shard queue.
func (p *Processor) Handler(shardID int) broker.Handler {
	shard := strconv.Itoa(shardID)
	return func(ctx context.Context, data []byte) broker.Disposition {
		start := time.Now()
		d := p.Process(ctx, data)
		p.metrics.Latency.Observe(time.Since(start).Seconds())
		p.metrics.Outcomes.WithLabelValues(shard, d.String()).Inc()
		return d
	}
}

// Process handles one measurement. Bad input and unknown devices are
// rejected; everything else that fails is requeued.
func (p *Processor) Process(ctx context.Context, data []byte) broker.Disposition {
	m, err := model.ParseMeasurement(data)
	if err != nil {
		p.logger.Warn("dropping invalid measurement", "error", err)
		return broker.Reject
	}

	dev, err := p.devices.Device(ctx, m.DeviceID)
	if errors.Is(err, mirror.ErrNotFound) {
		p.logger.Warn("device not found in mirror", "device", m.DeviceID)
		return broker.Reject
	}
	if err != nil {
		p.logger.Error("device lookup failed", "device", m.DeviceID, "error", err)
		return broker.Requeue
	}

	if err := p.store.UpsertMeasurement(ctx, m); err != nil {
		p.logger.Error("store measurement failed", "device", m.DeviceID, "error", err)
		return broker.Requeue
	}

	hourStart, hourEnd := model.HourWindow(m.Timestamp)
	agg, err := p.store.UpsertHourly(ctx, m.DeviceID, hourStart, hourEnd, p.interval)
	if err != nil {
		p.logger.Error("update hourly total failed", "device", m.DeviceID, "hour", hourStart, "error", err)
		return broker.Requeue
	}

	if err := p.checkThreshold(ctx, dev, agg); err != nil {
		p.logger.Error("overconsumption alert failed", "device", dev.ID, "error", err)
		return broker.Requeue
	}

	p.logger.Debug("measurement processed",
		"device", m.DeviceID,
		"hour", hourStart,
		"total", agg.TotalConsumption,
		"samples", agg.SampleCount,
	)
	return broker.Ack
}

// checkThreshold publishes one alert the first time a device-hour goes
// over the device's limit. A limit of zero or less disables alerting.
func (p *Processor) checkThreshold(ctx context.Context, dev model.DeviceRef, agg model.HourlyAggregate) error {
	if dev.MaxConsumption <= 0 || agg.TotalConsumption <= dev.MaxConsumption {
		return nil
	}

	key := model.SuppressionKey{DeviceID: dev.ID, HourStart: agg.HourStart}
	if !p.suppressor.Claim(key) {
		return nil
	}

	n := overconsumptionAlert(dev, agg, p.now())
	if err := p.publisher.Publish(ctx, broker.NotificationsQueue, n); err != nil {
		// Let the redelivered message alert.
		p.suppressor.Release(key)
		return fmt.Errorf("publish alert: %w", err)
	}

	p.metrics.Alerts.Inc()
	p.logger.Info("overconsumption alert published",
		"device", dev.ID,
		"hour", agg.HourStart,
		"total", agg.TotalConsumption,
		"max", dev.MaxConsumption,
	)
	return nil
}

func overconsumptionAlert(dev model.DeviceRef, agg model.HourlyAggregate, now time.Time) model.Notification {
	hour := agg.HourStart.UTC().Format(time.RFC3339)
	return model.Notification{
		Type:     model.NotifyOverconsumption,
		UserID:   dev.OwnerID,
		DeviceID: model.Int64Ptr(dev.ID),
		Message: fmt.Sprintf("Alert: Device %q exceeded maximum consumption! Current: %.2f kWh, Max: %g kWh (hour starting %s)",
			dev.Name, agg.TotalConsumption, dev.MaxConsumption, hour),
		Data: map[string]any{
			"deviceId":     dev.ID,
			"deviceName":   dev.Name,
			"currentValue": agg.TotalConsumption,
			"maxValue":     dev.MaxConsumption,
			"hourStart":    hour,
		},
		Timestamp: now.UTC(),
	}
}
