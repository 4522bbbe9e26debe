package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/metrics"
	"github.com/rickgao/energy-pipeline/internal/mirror"
	"github.com/rickgao/energy-pipeline/internal/model"
)

type rawKey struct {
	device int64
	ts     int64
}

// fakeStore keeps raw samples and recomputes hourly totals from them, like
// the SQL upsert does.
type fakeStore struct {
	mu         sync.Mutex
	raw        map[rawKey]model.Measurement
	measureErr error
	hourlyErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{raw: make(map[rawKey]model.Measurement)}
}

func (f *fakeStore) UpsertMeasurement(_ context.Context, m model.Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.measureErr != nil {
		return f.measureErr
	}
	f.raw[rawKey{m.DeviceID, m.Timestamp.UnixNano()}] = m
	return nil
}

func (f *fakeStore) UpsertHourly(_ context.Context, deviceID int64, start, end time.Time, interval time.Duration) (model.HourlyAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hourlyErr != nil {
		return model.HourlyAggregate{}, f.hourlyErr
	}
	agg := model.HourlyAggregate{DeviceID: deviceID, HourStart: start, HourEnd: end}
	var sum float64
	for _, m := range f.raw {
		if m.DeviceID == deviceID && !m.Timestamp.Before(start) && m.Timestamp.Before(end) {
			sum += m.Value
			agg.SampleCount++
		}
	}
	agg.TotalConsumption = model.Energy(sum, interval)
	return agg, nil
}

func (f *fakeStore) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raw)
}

type fakeDevices struct {
	devs map[int64]model.DeviceRef
	err  error
}

func (f *fakeDevices) Device(_ context.Context, id int64) (model.DeviceRef, error) {
	if f.err != nil {
		return model.DeviceRef{}, f.err
	}
	d, ok := f.devs[id]
	if !ok {
		return model.DeviceRef{}, mirror.ErrNotFound
	}
	return d, nil
}

func (f *fakeDevices) Devices(context.Context) ([]model.DeviceRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.DeviceRef, 0, len(f.devs))
	for _, d := range f.devs {
		out = append(out, d)
	}
	return out, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []model.Notification
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, queue string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if queue != broker.NotificationsQueue {
		return fmt.Errorf("unexpected queue %s", queue)
	}
	f.sent = append(f.sent, v.(model.Notification))
	return nil
}

func (f *fakePublisher) notifications() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Notification(nil), f.sent...)
}

type processorFixture struct {
	proc    *Processor
	store   *fakeStore
	pub     *fakePublisher
	metrics *metrics.Aggregator
}

func newProcessorFixture(t *testing.T, devs ...model.DeviceRef) *processorFixture {
	t.Helper()
	devices := &fakeDevices{devs: map[int64]model.DeviceRef{}}
	for _, d := range devs {
		devices.devs[d.ID] = d
	}
	sup := NewSuppressor()
	t.Cleanup(sup.Close)

	f := &processorFixture{
		store:   newFakeStore(),
		pub:     &fakePublisher{},
		metrics: metrics.NewAggregator(prometheus.NewRegistry()),
	}
	f.proc = NewProcessor(f.store, devices, f.pub, sup, 10*time.Second, f.metrics, nil)
	f.proc.now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) }
	return f
}

func measurement(device int64, ts string, value float64) []byte {
	return []byte(fmt.Sprintf(`{"timestamp":%q,"device_id":%d,"measurement_value":%v}`, ts, device, value))
}

func TestProcessAccumulatesHour(t *testing.T) {
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Heater", MaxConsumption: 100})
	ctx := context.Background()

	for i, v := range []float64{2, 3, 1} {
		ts := fmt.Sprintf("2024-01-15T10:%02d:00Z", i*10)
		require.Equal(t, broker.Ack, f.proc.Process(ctx, measurement(1, ts, v)))
	}

	agg, err := f.store.UpsertHourly(ctx, 1,
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
		10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.SampleCount)
	assert.InDelta(t, (2.0+3.0+1.0)*10/3600, agg.TotalConsumption, 1e-12)
	assert.Empty(t, f.pub.notifications())
}

func TestProcessRedeliveryDoesNotDoubleCount(t *testing.T) {
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Heater", MaxConsumption: 100})
	ctx := context.Background()
	msg := measurement(1, "2024-01-15T10:00:00Z", 4)

	require.Equal(t, broker.Ack, f.proc.Process(ctx, msg))
	require.Equal(t, broker.Ack, f.proc.Process(ctx, msg))

	assert.Equal(t, 1, f.store.rawCount())
	agg, err := f.store.UpsertHourly(ctx, 1,
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
		10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.SampleCount)
}

func TestProcessAlertsOncePerHour(t *testing.T) {
	owner := model.Int64Ptr(9)
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Heater", MaxConsumption: 0.01, OwnerID: owner})
	ctx := context.Background()

	for i, v := range []float64{2, 3, 1} {
		ts := fmt.Sprintf("2024-01-15T10:%02d:00Z", i*10)
		require.Equal(t, broker.Ack, f.proc.Process(ctx, measurement(1, ts, v)))
	}

	sent := f.pub.notifications()
	require.Len(t, sent, 1)
	n := sent[0]
	assert.Equal(t, model.NotifyOverconsumption, n.Type)
	require.NotNil(t, n.UserID)
	assert.Equal(t, int64(9), *n.UserID)
	require.NotNil(t, n.DeviceID)
	assert.Equal(t, int64(1), *n.DeviceID)
	assert.Contains(t, n.Message, `"Heater"`)
	assert.Contains(t, n.Message, "0.01 kWh")
	assert.Contains(t, n.Message, "2024-01-15T10:00:00Z")
	assert.Equal(t, "Heater", n.Data["deviceName"])
	assert.InDelta(t, 5.0*10/3600, n.Data["currentValue"].(float64), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts))

	// A new hour alerts again.
	require.Equal(t, broker.Ack, f.proc.Process(ctx, measurement(1, "2024-01-15T11:00:00Z", 5)))
	assert.Len(t, f.pub.notifications(), 2)
}

func TestProcessReplayedBacklogAlertsOnce(t *testing.T) {
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Heater", MaxConsumption: 0.01})
	ctx := context.Background()

	live := time.Now().UTC().Truncate(time.Hour)
	backlog := live.Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		ts := backlog.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		require.Equal(t, broker.Ack, f.proc.Process(ctx, measurement(1, ts, 5)))
		require.Equal(t, broker.Ack, f.proc.Process(ctx, measurement(1, live.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), 5)))
	}

	var backlogAlerts int
	for _, n := range f.pub.notifications() {
		if n.Data["hourStart"] == backlog.Format(time.RFC3339) {
			backlogAlerts++
		}
	}
	assert.Equal(t, 1, backlogAlerts)
	assert.Len(t, f.pub.notifications(), 2, "one alert per device-hour")
}

func TestProcessNoAlertWithoutLimit(t *testing.T) {
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Meter", MaxConsumption: 0})

	require.Equal(t, broker.Ack, f.proc.Process(context.Background(), measurement(1, "2024-01-15T10:00:00Z", 1000)))
	assert.Empty(t, f.pub.notifications())
}

func TestProcessAtLimitDoesNotAlert(t *testing.T) {
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Oven", MaxConsumption: model.Energy(36, 10*time.Second)})

	require.Equal(t, broker.Ack, f.proc.Process(context.Background(), measurement(1, "2024-01-15T10:00:00Z", 36)))
	assert.Empty(t, f.pub.notifications())
}

func TestProcessPublishFailureReleasesClaim(t *testing.T) {
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Heater", MaxConsumption: 0.001})
	ctx := context.Background()
	msg := measurement(1, "2024-01-15T10:00:00Z", 5)

	f.pub.err = errors.New("nats: no responders")
	require.Equal(t, broker.Requeue, f.proc.Process(ctx, msg))

	f.pub.err = nil
	require.Equal(t, broker.Ack, f.proc.Process(ctx, msg))
	assert.Len(t, f.pub.notifications(), 1)
}

func TestProcessDispositions(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		setup func(f *processorFixture, d *fakeDevices)
		want  broker.Disposition
	}{
		{
			name: "malformed json",
			data: []byte(`{"device_id":1`),
			want: broker.Reject,
		},
		{
			name: "missing value",
			data: []byte(`{"timestamp":"2024-01-15T10:00:00Z","device_id":1}`),
			want: broker.Reject,
		},
		{
			name: "bad timestamp",
			data: []byte(`{"timestamp":"yesterday","device_id":1,"measurement_value":1}`),
			want: broker.Reject,
		},
		{
			name: "unknown device",
			data: measurement(404, "2024-01-15T10:00:00Z", 1),
			want: broker.Reject,
		},
		{
			name:  "lookup failure",
			data:  measurement(1, "2024-01-15T10:00:00Z", 1),
			setup: func(_ *processorFixture, d *fakeDevices) { d.err = errors.New("connection reset") },
			want:  broker.Requeue,
		},
		{
			name:  "measurement write failure",
			data:  measurement(1, "2024-01-15T10:00:00Z", 1),
			setup: func(f *processorFixture, _ *fakeDevices) { f.store.measureErr = errors.New("deadlock") },
			want:  broker.Requeue,
		},
		{
			name:  "hourly write failure",
			data:  measurement(1, "2024-01-15T10:00:00Z", 1),
			setup: func(f *processorFixture, _ *fakeDevices) { f.store.hourlyErr = errors.New("deadlock") },
			want:  broker.Requeue,
		},
		{
			name: "numeric strings",
			data: []byte(`{"timestamp":"2024-01-15T10:00:00Z","device_id":"1","measurement_value":"1.5"}`),
			want: broker.Ack,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Heater", MaxConsumption: 100})
			devices := f.proc.devices.(*fakeDevices)
			if tt.setup != nil {
				tt.setup(f, devices)
			}
			assert.Equal(t, tt.want, f.proc.Process(context.Background(), tt.data))
		})
	}
}

func TestUnknownDeviceIsNotStored(t *testing.T) {
	f := newProcessorFixture(t)

	assert.Equal(t, broker.Reject, f.proc.Process(context.Background(), measurement(7, "2024-01-15T10:00:00Z", 1)))
	assert.Equal(t, 0, f.store.rawCount())
}

func TestHandlerRecordsOutcome(t *testing.T) {
	f := newProcessorFixture(t, model.DeviceRef{ID: 1, Name: "Heater", MaxConsumption: 100})
	handle := f.proc.Handler(3)

	handle(context.Background(), measurement(1, "2024-01-15T10:00:00Z", 1))
	handle(context.Background(), []byte(`not json`))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("3", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("3", "reject")))
}

func TestOverconsumptionAlertFormat(t *testing.T) {
	dev := model.DeviceRef{ID: 4, Name: "Boiler", MaxConsumption: 1.5}
	agg := model.HourlyAggregate{
		DeviceID:         4,
		HourStart:        time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		TotalConsumption: 1.23456,
	}

	n := overconsumptionAlert(dev, agg, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	assert.Equal(t, `Alert: Device "Boiler" exceeded maximum consumption! Current: 1.23 kWh, Max: 1.5 kWh (hour starting 2024-01-15T10:00:00Z)`, n.Message)
	assert.Nil(t, n.UserID)
	assert.Equal(t, 1.5, n.Data["maxValue"])
}
